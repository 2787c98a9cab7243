package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docsync/internal/logging"
)

// Syncer is implemented by backends whose file set becomes visible
// asynchronously. WaitForSync returns once the backend has caught up or ctx
// is done.
type Syncer interface {
	WaitForSync(ctx context.Context) error
}

// SyncWithTimeout waits at most timeout for b to finish syncing and reports
// whether it did. It never fails: on expiry the caller proceeds with
// whatever the backend currently has.
func SyncWithTimeout(ctx context.Context, b Backend, timeout time.Duration) bool {
	s, ok := b.(Syncer)
	if !ok {
		return !b.Status().Syncing
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.WaitForSync(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logging.Debug("sync wait ended without completing",
				logging.BackendID(b.ID()),
				logging.Err(err),
			)
			return false
		}
		return true
	case <-ctx.Done():
		logging.Debug("sync wait timed out",
			logging.BackendID(b.ID()),
			zap.Duration("timeout", timeout),
		)
		return false
	}
}
