//go:build !linux

package sandbox

import "github.com/codefionn/pairspace/internal/logger"

// Restrict is a no-op on non-Linux.
func (p *Policy) Restrict() error {
	logger.Debug("landlock confinement not available on this platform")
	return nil
}
