package arena

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// InstallExitHook sweeps a when the process receives SIGINT or SIGTERM and
// then lets the signal terminate the process as it would have. The returned
// function uninstalls the hook; binaries should also defer a.Sweep() for the
// normal exit path.
func InstallExitHook(a *Arena) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			a.mu.Lock()
			logger := a.logger
			a.mu.Unlock()
			logger.Info("Signal received, sweeping scratch space", zap.String("signal", sig.String()))
			a.Sweep()

			signal.Stop(sigChan)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				if err := p.Signal(sig); err == nil {
					return
				}
			}
			os.Exit(1)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}
}
