// Package signaler provides a simple way to wait for OS shutdown signals
package signaler

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt returns a channel that receives the next interrupt or
// termination signal sent to the process.
func WaitForInterrupt() <-chan os.Signal {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGQUIT)
	return sigC
}
