package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/store"
)

// RetentionPolicy controls how long audit entries stay queryable.
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit entries.
	RetentionDays int

	// Archive uploads entries to object storage before they are purged.
	// When set, an archive failure aborts the purge so no entry is lost.
	Archive bool
}

// DefaultRetentionPolicy keeps 90 days without archiving.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}

// Archiver preserves entries about to be purged. Implemented by S3Archiver.
type Archiver interface {
	Archive(ctx context.Context, entries []store.FeaturePermissionAudit) (string, error)
}

// RetentionJob purges audit entries older than the policy's cutoff,
// optionally archiving them first. Scheduled by the service binary; also
// invocable as a one-shot.
type RetentionJob struct {
	Store    store.Store
	Archiver Archiver
	Policy   RetentionPolicy
	Log      *logrus.Logger
	Metrics  *observability.Metrics
}

// Run executes one retention pass.
func (j *RetentionJob) Run(ctx context.Context) error {
	err := j.run(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	if j.Metrics != nil {
		j.Metrics.AuditRetentionRunsTotal.WithLabelValues(status).Inc()
	}
	return err
}

func (j *RetentionJob) run(ctx context.Context) error {
	if j.Policy.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", j.Policy.RetentionDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -j.Policy.RetentionDays)
	log := j.Log.WithField("cutoff", cutoff.Format(time.RFC3339))

	if j.Policy.Archive {
		if j.Archiver == nil {
			return fmt.Errorf("archive enabled but no archiver configured")
		}
		entries, err := j.Store.ListAudits(ctx, store.AuditQuery{Before: cutoff})
		if err != nil {
			return fmt.Errorf("failed to list expired audit entries: %w", err)
		}
		if len(entries) > 0 {
			key, err := j.Archiver.Archive(ctx, entries)
			if err != nil {
				// Abort: purging unarchived entries would lose them.
				return fmt.Errorf("failed to archive %d audit entries: %w", len(entries), err)
			}
			if j.Metrics != nil {
				j.Metrics.AuditEventsArchivedTotal.Add(float64(len(entries)))
			}
			log.WithFields(logrus.Fields{
				"entries": len(entries),
				"object":  key,
			}).Info("Archived expired audit entries")
		}
	}

	purged, err := j.Store.PurgeAudits(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge audit entries: %w", err)
	}
	if j.Metrics != nil {
		j.Metrics.AuditEventsPurgedTotal.Add(float64(purged))
	}
	log.WithField("purged", purged).Info("Audit retention pass complete")
	return nil
}
