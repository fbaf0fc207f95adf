package process

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/core-tools/hsu-rlm/pkg/logging"
)

// ForwardedSignals are relayed from rlm to a child started with run
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// ForwardSignals relays ForwardedSignals to child until the returned stop func is called
func ForwardSignals(child Child, logger logging.Logger) (stop func()) {
	ch := make(chan os.Signal, 4)
	done := make(chan struct{})
	signal.Notify(ch, ForwardedSignals...)

	go func() {
		for {
			select {
			case sig := <-ch:
				logger.Debugf("Forwarding signal, signal: %v, pid: %d", sig, child.PID())
				if err := child.Signal(sig); err != nil {
					logger.Debugf("Signal forwarding failed, pid: %d, error: %v", child.PID(), err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
