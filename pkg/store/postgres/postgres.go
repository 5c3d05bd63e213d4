// Package postgres implements store.Store on PostgreSQL for deployments
// already running one. Role lists are TEXT[] columns, audit snapshots are
// JSONB, and merge-upserts run inside a transaction with a row lock so
// concurrent partial updates to the same record cannot lose fields.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/guildtools/guildgate/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS feature_permissions (
	guild_id TEXT NOT NULL,
	feature_key TEXT NOT NULL,
	allowed_roles TEXT[] NOT NULL DEFAULT '{}',
	denied_roles TEXT[] NOT NULL DEFAULT '{}',
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (guild_id, feature_key)
);

CREATE TABLE IF NOT EXISTS feature_permission_audits (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL,
	feature_key TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	change_type TEXT NOT NULL,
	role_id TEXT,
	old_doc JSONB,
	new_doc JSONB,
	at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_fpa_guild_at ON feature_permission_audits (guild_id, at DESC);
CREATE INDEX IF NOT EXISTS idx_fpa_at ON feature_permission_audits (at);

CREATE TABLE IF NOT EXISTS guild_security (
	guild_id TEXT PRIMARY KEY,
	protected_role_ids TEXT[] NOT NULL DEFAULT '{}',
	initialized BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

// New wraps an open connection and creates the schema if it is missing.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Open connects to PostgreSQL, configures the pool, verifies the connection
// and creates the schema.
func Open(ctx context.Context, url string, maxConns int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(1 * time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return New(db)
}

func (s *Store) FeaturePermission(ctx context.Context, guildID, featureKey string) (*store.FeaturePermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, feature_key, allowed_roles, denied_roles, updated_by, created_at, updated_at
		FROM feature_permissions
		WHERE guild_id = $1 AND feature_key = $2
	`, guildID, featureKey)

	doc, err := scanFeaturePermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature permission: %w", err)
	}
	return doc, nil
}

func (s *Store) UpsertFeaturePermission(ctx context.Context, guildID, featureKey string, u store.FeaturePermissionUpdate) (*store.FeaturePermission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT guild_id, feature_key, allowed_roles, denied_roles, updated_by, created_at, updated_at
		FROM feature_permissions
		WHERE guild_id = $1 AND feature_key = $2
		FOR UPDATE
	`, guildID, featureKey)

	now := time.Now().UTC()
	cur, err := scanFeaturePermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur = &store.FeaturePermission{
			GuildID:      guildID,
			FeatureKey:   featureKey,
			AllowedRoles: []string{},
			DeniedRoles:  []string{},
			CreatedAt:    now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock feature permission: %w", err)
	}

	// Merge in Go, write the full row back.
	if u.AllowedRoles != nil {
		cur.AllowedRoles = *u.AllowedRoles
	}
	if u.DeniedRoles != nil {
		cur.DeniedRoles = *u.DeniedRoles
	}
	if u.UpdatedBy != nil {
		cur.UpdatedBy = *u.UpdatedBy
	}
	cur.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feature_permissions (guild_id, feature_key, allowed_roles, denied_roles, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (guild_id, feature_key) DO UPDATE SET
			allowed_roles = EXCLUDED.allowed_roles,
			denied_roles = EXCLUDED.denied_roles,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, cur.GuildID, cur.FeatureKey, pq.Array(cur.AllowedRoles), pq.Array(cur.DeniedRoles),
		cur.UpdatedBy, cur.CreatedAt, cur.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert feature permission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit feature permission upsert: %w", err)
	}
	return cur, nil
}

func (s *Store) DeleteFeaturePermission(ctx context.Context, guildID, featureKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM feature_permissions WHERE guild_id = $1 AND feature_key = $2
	`, guildID, featureKey)
	if err != nil {
		return fmt.Errorf("failed to delete feature permission: %w", err)
	}
	return nil
}

func (s *Store) ListFeaturePermissions(ctx context.Context, guildID string) ([]store.FeaturePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, feature_key, allowed_roles, denied_roles, updated_by, created_at, updated_at
		FROM feature_permissions
		WHERE guild_id = $1
		ORDER BY feature_key
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature permissions: %w", err)
	}
	defer rows.Close()

	var out []store.FeaturePermission
	for rows.Next() {
		doc, err := scanFeaturePermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature permission: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feature permissions: %w", err)
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.FeaturePermissionAudit) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	oldDoc, err := marshalDoc(entry.OldDoc)
	if err != nil {
		return err
	}
	newDoc, err := marshalDoc(entry.NewDoc)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feature_permission_audits (guild_id, feature_key, changed_by, change_type, role_id, old_doc, new_doc, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.GuildID, entry.FeatureKey, entry.ChangedBy, string(entry.ChangeType),
		entry.RoleID, oldDoc, newDoc, entry.At)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudits(ctx context.Context, q store.AuditQuery) ([]store.FeaturePermissionAudit, error) {
	query := `
		SELECT guild_id, feature_key, changed_by, change_type, role_id, old_doc, new_doc, at
		FROM feature_permission_audits
		WHERE ($1 = '' OR guild_id = $1)
		  AND ($2::timestamptz IS NULL OR at < $2)
		ORDER BY at DESC
	`
	args := []interface{}{q.GuildID, nullTime(q.Before)}
	if q.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []store.FeaturePermissionAudit
	for rows.Next() {
		var (
			entry      store.FeaturePermissionAudit
			changeType string
			roleID     sql.NullString
			oldDoc     []byte
			newDoc     []byte
		)
		if err := rows.Scan(&entry.GuildID, &entry.FeatureKey, &entry.ChangedBy, &changeType,
			&roleID, &oldDoc, &newDoc, &entry.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.ChangeType = store.ChangeType(changeType)
		if roleID.Valid {
			entry.RoleID = &roleID.String
		}
		if entry.OldDoc, err = unmarshalDoc(oldDoc); err != nil {
			return nil, err
		}
		if entry.NewDoc, err = unmarshalDoc(newDoc); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return out, nil
}

func (s *Store) PurgeAudits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM feature_permission_audits WHERE at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged audit entries: %w", err)
	}
	return n, nil
}

func (s *Store) GuildSecurity(ctx context.Context, guildID string) (*store.GuildSecurityConfig, error) {
	var (
		doc   store.GuildSecurityConfig
		roles pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT guild_id, protected_role_ids, initialized, created_at, updated_at
		FROM guild_security
		WHERE guild_id = $1
	`, guildID).Scan(&doc.GuildID, &roles, &doc.Initialized, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild security: %w", err)
	}
	doc.ProtectedRoleIDs = []string(roles)
	return &doc, nil
}

func (s *Store) UpsertGuildSecurity(ctx context.Context, guildID string, u store.GuildSecurityUpdate) (*store.GuildSecurityConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		cur   store.GuildSecurityConfig
		roles pq.StringArray
	)
	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		SELECT guild_id, protected_role_ids, initialized, created_at, updated_at
		FROM guild_security
		WHERE guild_id = $1
		FOR UPDATE
	`, guildID).Scan(&cur.GuildID, &roles, &cur.Initialized, &cur.CreatedAt, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		cur = store.GuildSecurityConfig{
			GuildID:          guildID,
			ProtectedRoleIDs: []string{},
			CreatedAt:        now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock guild security: %w", err)
	} else {
		cur.ProtectedRoleIDs = []string(roles)
	}

	if u.ProtectedRoleIDs != nil {
		cur.ProtectedRoleIDs = *u.ProtectedRoleIDs
	}
	if u.Initialized != nil {
		cur.Initialized = *u.Initialized
	}
	cur.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guild_security (guild_id, protected_role_ids, initialized, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id) DO UPDATE SET
			protected_role_ids = EXCLUDED.protected_role_ids,
			initialized = EXCLUDED.initialized,
			updated_at = EXCLUDED.updated_at
	`, cur.GuildID, pq.Array(cur.ProtectedRoleIDs), cur.Initialized, cur.CreatedAt, cur.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert guild security: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit guild security upsert: %w", err)
	}
	return &cur, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeaturePermission(row rowScanner) (*store.FeaturePermission, error) {
	var (
		doc     store.FeaturePermission
		allowed pq.StringArray
		denied  pq.StringArray
	)
	err := row.Scan(&doc.GuildID, &doc.FeatureKey, &allowed, &denied,
		&doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.AllowedRoles = []string(allowed)
	doc.DeniedRoles = []string(denied)
	return &doc, nil
}

func marshalDoc(doc *store.FeaturePermission) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return data, nil
}

func unmarshalDoc(data []byte) (*store.FeaturePermission, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var doc store.FeaturePermission
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode audit snapshot: %w", err)
	}
	return &doc, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
