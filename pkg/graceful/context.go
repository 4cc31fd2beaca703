package graceful

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// ErrDrainTimeout is returned by Drain when work outlives its budget.
var ErrDrainTimeout = errors.New("drain timed out")

// Context creates a context that is canceled when an OS interrupt signal is received.
// This allows for a clean shutdown of the application.
func Context(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Println("Received termination signal, starting graceful shutdown...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Signals returns a channel receiving every SIGINT/SIGTERM until ctx is done.
// Interactive commands use it to turn the first Ctrl-C into a cooperative
// cancel and the second into an abort.
func Signals(ctx context.Context) <-chan os.Signal {
	out := make(chan os.Signal, 2)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case s := <-sigChan:
				select {
				case out <- s:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Drain waits for wait to return, at most timeout. A zero timeout waits
// forever. On ErrDrainTimeout wait is still running in the background.
func Drain(timeout time.Duration, wait func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		log.Printf("Drain did not finish within %s", timeout)
		return ErrDrainTimeout
	}
}
