// Package step implements the units of remote work that tasks are composed
// of. Every executor is written to tolerate re-runs: a failed initialize is
// retried by running all of its steps again, so "already exists" is success.
package step

import (
	"context"
	"time"

	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/remote"
	"github.com/loykin/flotilla/internal/repository"
)

// Target bundles what one step execution needs to know.
type Target struct {
	Instance fleet.Instance
	Process  fleet.Process
	Machine  fleet.Machine
}

// Executor performs one unit of remote work for one instance. A returned
// error marks the step FAILED with the error text; expected remote failures
// (non-zero exit, unreachable host) are returned, never panicked.
type Executor interface {
	Kind() fleet.StepKind
	Execute(ctx context.Context, t Target) error
}

// Config tunes step behavior.
type Config struct {
	// PackagePath is the local agent package tarball uploaded during
	// initialize.
	PackagePath string
	// VerifyAttempts/VerifyInterval control how long VERIFY_PROCESS polls
	// for the spawned process before giving up.
	VerifyAttempts int
	VerifyInterval time.Duration
	// StopAttempts/StopInterval control how long STOP_PROCESS waits for the
	// signalled process to die.
	StopAttempts int
	StopInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 5
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 3 * time.Second
	}
	if c.StopAttempts <= 0 {
		c.StopAttempts = 5
	}
	if c.StopInterval <= 0 {
		c.StopInterval = time.Second
	}
	return c
}

// NewRegistry builds the executor table for all step kinds.
func NewRegistry(exec remote.Executor, instances repository.InstanceRepo, cfg Config) map[fleet.StepKind]Executor {
	cfg = cfg.withDefaults()
	execs := []Executor{
		&createDirectory{exec: exec},
		&uploadPackage{exec: exec, cfg: cfg},
		&extractPackage{exec: exec},
		&writeConfig{exec: exec, kind: fleet.StepWriteConfig},
		&writeSystemConfig{exec: exec},
		&startProcess{exec: exec, instances: instances},
		&verifyProcess{exec: exec, instances: instances, cfg: cfg},
		&stopProcess{exec: exec, cfg: cfg},
		&refreshConfig{exec: exec, instances: instances},
		&deleteDirectory{exec: exec},
	}
	m := make(map[fleet.StepKind]Executor, len(execs))
	for _, e := range execs {
		m[e.Kind()] = e
	}
	return m
}
