package lifecycle

import (
	"os"
	"os/signal"
	"syscall"
)

// NotifySignals maps process signals onto controller transition requests:
// SIGINT/SIGTERM request a graceful stop, SIGUSR1 requests suspend. The
// handler goroutine only enqueues; the controller's run loop is the sole
// state mutator. The coordinator holds an explicit reference to the one
// active controller — there is no process-wide singleton.
//
// The returned function detaches the handlers.
func NotifySignals(c *Controller) (stop func()) {
	sigCh := make(chan os.Signal, 4) //nolint:mnd
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					c.RequestSuspend()
				} else {
					c.RequestStop()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
