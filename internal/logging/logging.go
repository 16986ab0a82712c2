// Package logging builds the shared structured logger used by every Torua
// process. It centralizes the zap configuration so coordinator and worker
// binaries, and all internal packages, emit logs in the same shape.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// New builds a *zap.SugaredLogger for the given process role (e.g. "master",
// "worker").
//
// By default it uses zap's production JSON encoder. Setting TORUA_LOG_DEV to
// any non-empty value switches to the human-readable development console
// encoder, which is easier to read when running a cluster by hand on a
// single machine.
//
// Parameters:
//   - role: short process role name, attached to every log line as the
//     "role" field (e.g. "master", "worker").
//   - rank: the process's rank in the job, attached as "rank".
func New(role string, rank int) *zap.SugaredLogger {
	var cfg zap.Config
	if os.Getenv("TORUA_LOG_DEV") != "" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Logging configuration is static and vetted at startup; a build
		// failure here means the binary cannot observe itself.
		panic("logging: failed to build logger: " + err.Error())
	}

	return logger.Sugar().With("role", role, "rank", rank)
}

// Global returns a process-wide fallback logger for code paths that run
// before a role-scoped logger is available (package init, flag parsing).
// Prefer a role-scoped logger from New wherever one can be threaded through.
func Global() *zap.SugaredLogger {
	once.Do(func() {
		global = New("torua", -1)
	})
	return global
}
