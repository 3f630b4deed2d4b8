//go:build linux

package sandbox

import (
	"fmt"
	"os"

	landlock "github.com/landlock-lsm/go-landlock/landlock"

	"github.com/codefionn/pairspace/internal/logger"
)

// Restrict confines the calling process, and everything it later executes,
// to the policy's paths.
func (p *Policy) Restrict() error {
	if p.Disabled {
		logger.Info("landlock confinement disabled by config")
		return nil
	}

	perms := p.Permissions()
	// Landlock rejects directory access rights on regular files.
	rules := make([]landlock.Rule, 0, len(perms))
	for _, perm := range perms {
		isFile := false
		if info, err := os.Stat(perm.Path); err == nil && !info.IsDir() {
			isFile = true
		}
		switch {
		case perm.Access == AccessReadWrite && isFile:
			rules = append(rules, landlock.RWFiles(perm.Path))
		case perm.Access == AccessReadWrite:
			rules = append(rules, landlock.RWDirs(perm.Path))
		case isFile:
			rules = append(rules, landlock.ROFiles(perm.Path))
		default:
			rules = append(rules, landlock.RODirs(perm.Path))
		}
	}

	var err error
	if p.BestEffort {
		err = landlock.V6.BestEffort().RestrictPaths(rules...)
	} else {
		err = landlock.V6.RestrictPaths(rules...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	logger.Debug("landlock restrictions applied: %d rules, root %s", len(rules), p.Root)
	return nil
}
