//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// shutdownSignals returns the OS signals that end watch loops and the sandbox.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}
