// Package mongo implements store.Store on MongoDB, the primary production
// backend. Records live in three collections; upserts use FindOneAndUpdate
// with $set/$setOnInsert so partial updates never clobber fields they do
// not name, and bootstrap inserts never overwrite a concurrently finalized
// security config.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/guildtools/guildgate/pkg/store"
)

const (
	permsCollection    = "feature_permissions"
	auditsCollection   = "feature_permission_audits"
	securityCollection = "guild_security"

	connectTimeout = 10 * time.Second
)

// Store is a MongoDB-backed store.Store.
type Store struct {
	client   *mongo.Client
	perms    *mongo.Collection
	audits   *mongo.Collection
	security *mongo.Collection
}

// New connects to MongoDB, verifies the connection and returns a Store
// bound to the named database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &Store{
		client:   client,
		perms:    db.Collection(permsCollection),
		audits:   db.Collection(auditsCollection),
		security: db.Collection(securityCollection),
	}, nil
}

// EnsureIndexes creates the unique and query indexes the store relies on.
// Safe to call on every startup; existing indexes are left alone.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.perms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "feature_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create feature permission index: %w", err)
	}

	_, err = s.audits.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "guild_id", Value: 1}, {Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}

	_, err = s.security.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "guild_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create guild security index: %w", err)
	}
	return nil
}

func (s *Store) FeaturePermission(ctx context.Context, guildID, featureKey string) (*store.FeaturePermission, error) {
	var doc store.FeaturePermission
	err := s.perms.FindOne(ctx, bson.M{"guild_id": guildID, "feature_key": featureKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature permission: %w", err)
	}
	return &doc, nil
}

func (s *Store) UpsertFeaturePermission(ctx context.Context, guildID, featureKey string, u store.FeaturePermissionUpdate) (*store.FeaturePermission, error) {
	now := time.Now().UTC()

	set := bson.M{"updated_at": now}
	if u.AllowedRoles != nil {
		set["allowed_roles"] = *u.AllowedRoles
	}
	if u.DeniedRoles != nil {
		set["denied_roles"] = *u.DeniedRoles
	}
	if u.UpdatedBy != nil {
		set["updated_by"] = *u.UpdatedBy
	}

	// Defaults apply on insert only, and a path may not appear in both
	// $set and $setOnInsert.
	setOnInsert := bson.M{
		"guild_id":    guildID,
		"feature_key": featureKey,
		"created_at":  now,
	}
	if u.AllowedRoles == nil {
		setOnInsert["allowed_roles"] = []string{}
	}
	if u.DeniedRoles == nil {
		setOnInsert["denied_roles"] = []string{}
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc store.FeaturePermission
	err := s.perms.FindOneAndUpdate(ctx,
		bson.M{"guild_id": guildID, "feature_key": featureKey},
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		opts,
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert feature permission: %w", err)
	}
	return &doc, nil
}

func (s *Store) DeleteFeaturePermission(ctx context.Context, guildID, featureKey string) error {
	_, err := s.perms.DeleteOne(ctx, bson.M{"guild_id": guildID, "feature_key": featureKey})
	if err != nil {
		return fmt.Errorf("failed to delete feature permission: %w", err)
	}
	return nil
}

func (s *Store) ListFeaturePermissions(ctx context.Context, guildID string) ([]store.FeaturePermission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "feature_key", Value: 1}})
	cursor, err := s.perms.Find(ctx, bson.M{"guild_id": guildID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature permissions: %w", err)
	}
	var out []store.FeaturePermission
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode feature permissions: %w", err)
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.FeaturePermissionAudit) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if _, err := s.audits.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudits(ctx context.Context, q store.AuditQuery) ([]store.FeaturePermissionAudit, error) {
	filter := auditFilter(q)

	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.audits.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	var out []store.FeaturePermissionAudit
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}
	return out, nil
}

func (s *Store) PurgeAudits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.audits.DeleteMany(ctx, bson.M{"at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) GuildSecurity(ctx context.Context, guildID string) (*store.GuildSecurityConfig, error) {
	var doc store.GuildSecurityConfig
	err := s.security.FindOne(ctx, bson.M{"guild_id": guildID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild security: %w", err)
	}
	return &doc, nil
}

func (s *Store) UpsertGuildSecurity(ctx context.Context, guildID string, u store.GuildSecurityUpdate) (*store.GuildSecurityConfig, error) {
	now := time.Now().UTC()

	set := bson.M{"updated_at": now}
	if u.ProtectedRoleIDs != nil {
		set["protected_role_ids"] = *u.ProtectedRoleIDs
	}
	if u.Initialized != nil {
		set["initialized"] = *u.Initialized
	}

	setOnInsert := bson.M{
		"guild_id":   guildID,
		"created_at": now,
	}
	if u.ProtectedRoleIDs == nil {
		setOnInsert["protected_role_ids"] = []string{}
	}
	// A bootstrap upsert that omits Initialized can race with Finalize;
	// defaulting the flag on insert only means the later writer never
	// flips an initialized guild back to false.
	if u.Initialized == nil {
		setOnInsert["initialized"] = false
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc store.GuildSecurityConfig
	err := s.security.FindOneAndUpdate(ctx,
		bson.M{"guild_id": guildID},
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		opts,
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert guild security: %w", err)
	}
	return &doc, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// auditFilter translates an AuditQuery into a find filter.
func auditFilter(q store.AuditQuery) bson.M {
	filter := bson.M{}
	if q.GuildID != "" {
		filter["guild_id"] = q.GuildID
	}
	if !q.Before.IsZero() {
		filter["at"] = bson.M{"$lt": q.Before}
	}
	return filter
}
