package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"

	"fabric/internal/domain"
)

// RuntimeConfig holds configuration for the sandbox runtime.
type RuntimeConfig struct {
	// MaxMemoryMB is the per-instance linear memory ceiling in megabytes.
	// Default 64.
	MaxMemoryMB int
	// ExecTimeout is the fallback deadline for guest calls when the
	// effective quota carries no execution-time limit.
	ExecTimeout int
}

// Runtime wraps a wazero.Runtime with shared configuration. One Runtime is
// shared by all agent instances; each instantiated module gets its own
// isolated linear memory. Guests receive no filesystem or network imports.
type Runtime struct {
	inner  wazero.Runtime
	pages  uint32
	logger *slog.Logger
}

// NewRuntime creates a sandbox runtime. The caller must call Close when done.
func NewRuntime(ctx context.Context, maxMemoryMB int, logger *slog.Logger) (*Runtime, error) {
	if maxMemoryMB <= 0 {
		maxMemoryMB = 64
	}
	pages := uint32(maxMemoryMB) * 16 // 1 MB = 16 pages of 64KB

	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	logger.Info("sandbox runtime created",
		"max_memory_mb", maxMemoryMB,
		"memory_pages", pages,
	)

	return &Runtime{
		inner:  rt,
		pages:  pages,
		logger: logger,
	}, nil
}

// Inner returns the underlying wazero.Runtime.
func (r *Runtime) Inner() wazero.Runtime {
	return r.inner
}

// MemoryLimitPages returns the configured per-instance page ceiling.
func (r *Runtime) MemoryLimitPages() uint32 {
	return r.pages
}

// Close releases all resources held by the runtime, including every module
// instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return fmt.Errorf("%w: close runtime: %v", domain.ErrInternal, err)
	}
	r.logger.Info("sandbox runtime closed")
	return nil
}
