package schedule

import (
	"context"
	"time"
)

// Sweeper resolves interrupted delivery attempts.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// OrphanPruner removes attachments never linked to a message.
type OrphanPruner interface {
	PruneOrphans(ctx context.Context, olderThan time.Time) (int, error)
}

// SweepJob resumes deliveries cut short by a restart.
func SweepJob(spec string, sweeper Sweeper) Job {
	return Job{
		Name:    "delivery_sweep",
		Spec:    spec,
		Timeout: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		},
	}
}

// PruneJob deletes unlinked attachments older than maxAge.
func PruneJob(spec string, pruner OrphanPruner, maxAge time.Duration) Job {
	return Job{
		Name: "attachment_prune",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := pruner.PruneOrphans(ctx, time.Now().Add(-maxAge))
			return err
		},
	}
}
