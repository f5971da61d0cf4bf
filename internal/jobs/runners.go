package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredDeleter removes entries whose time to live has passed.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// AccessWarmer loads and caches the access snapshots of a user.
type AccessWarmer interface {
	Warm(ctx context.Context, userID string) error
}

// RecordPruner removes schedule run records older than a cutoff.
type RecordPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeleteExpiredArgs is the payload of delete_expired_kv jobs.
type DeleteExpiredArgs struct{}

// WarmAccessArgs is the payload of warm_access jobs.
type WarmAccessArgs struct {
	UserID string `json:"user_id"`
}

// PruneSchedRecordsArgs is the payload of prune_sched_records jobs. Records of runs
// older than Retention are deleted.
type PruneSchedRecordsArgs struct {
	Retention time.Duration `json:"retention"`
}

// RegisterDeleteExpired binds the delete_expired_kv runner.
func RegisterDeleteExpired(r Registrar, store ExpiredDeleter) {
	Register(r, KindDeleteExpiredKV, func(ctx context.Context, _ DeleteExpiredArgs) error {
		if store == nil {
			return errors.New("kv store not configured")
		}
		logger := zerolog.Ctx(ctx)
		start := time.Now()

		deleted, err := store.DeleteExpired(ctx)
		if err != nil {
			return fmt.Errorf("delete expired kv entries: %w", err)
		}

		logger.Info().
			Int64("deleted_count", deleted).
			Dur("duration", time.Since(start)).
			Msg("expired kv entries deleted")
		return nil
	})
}

// RegisterWarmAccess binds the warm_access runner.
func RegisterWarmAccess(r Registrar, warmer AccessWarmer) {
	Register(r, KindWarmAccess, func(ctx context.Context, args WarmAccessArgs) error {
		if warmer == nil {
			return errors.New("access warmer not configured")
		}
		if args.UserID == "" {
			return errors.New("user ID is required")
		}
		if err := warmer.Warm(ctx, args.UserID); err != nil {
			return fmt.Errorf("warm access for %s: %w", args.UserID, err)
		}
		zerolog.Ctx(ctx).Debug().Str("user_id", args.UserID).Msg("access snapshots warmed")
		return nil
	})
}

// RegisterPruneSchedRecords binds the prune_sched_records runner.
func RegisterPruneSchedRecords(r Registrar, pruner RecordPruner) {
	Register(r, KindPruneSchedRecords, func(ctx context.Context, args PruneSchedRecordsArgs) error {
		if pruner == nil {
			return errors.New("sched record store not configured")
		}
		if args.Retention <= 0 {
			return fmt.Errorf("retention must be positive, got %s", args.Retention)
		}
		cutoff := time.Now().Add(-args.Retention)

		deleted, err := pruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune sched records: %w", err)
		}

		zerolog.Ctx(ctx).Info().
			Int64("deleted_count", deleted).
			Time("cutoff", cutoff).
			Msg("old sched records pruned")
		return nil
	})
}
