package supervise

import (
	"context"
	"log"
	"time"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
)

// WatchCancel polls the record's cancel flag every interval and sets token
// once it is seen. It lets a cancel request written by another process reach
// a running job. The returned func stops the watcher and waits for it. A
// non-positive interval disables watching.
func WatchCancel(ctx context.Context, store job.Store, id string, interval time.Duration, token *pipeline.Token) func() {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			requested, err := store.CancelRequested(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("job %s: cancel check failed: %v", id, err)
				}
				continue
			}
			if requested {
				token.RequestCancel()
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
