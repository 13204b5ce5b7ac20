package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"fabric/internal/domain"
)

// Guest ABI: every agent binary exports `execute(ptr, len) -> (ptr, len)`,
// `malloc(size) -> ptr`, and `free(ptr, size)`. Optional exports are
// `_init()` called once after instantiation and `health() -> u32` mapping
// to a HealthStatus (0 healthy, 1 degraded, 2 unhealthy, 3 critical).
const (
	exportExecute = "execute"
	exportHealth  = "health"
	exportInit    = "_init"
)

// Module is one instantiated agent binary with its own isolated linear
// memory. It is the loaded sandbox handle owned by an Agent.
type Module struct {
	name     string
	mod      api.Module
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

// Load compiles and instantiates an agent binary. The caller is expected to
// have run ValidateBinary first; compile failures on a well-formed header
// surface as internal errors. No host functions are exported to the guest,
// so the instance has no filesystem or network reach.
func Load(ctx context.Context, rt *Runtime, name string, binary []byte) (*Module, error) {
	compiled, err := rt.Inner().CompileModule(ctx, binary)
	if err != nil {
		return nil, domain.NewDomainError("sandbox.Load", domain.ErrInternal,
			fmt.Sprintf("compile %s: %v", name, err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions() // Don't auto-call _start; we call _init explicitly.

	mod, err := rt.Inner().InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, domain.NewDomainError("sandbox.Load", domain.ErrInternal,
			fmt.Sprintf("instantiate %s: %v", name, err))
	}

	if mod.ExportedFunction(exportExecute) == nil {
		_ = mod.Close(ctx)
		_ = compiled.Close(ctx)
		return nil, domain.NewDomainError("sandbox.Load", domain.ErrInvalidBinary,
			fmt.Sprintf("%s does not export %q", name, exportExecute))
	}

	m := &Module{
		name:     name,
		mod:      mod,
		compiled: compiled,
		logger:   rt.logger.With("module", name),
	}

	if initFn := mod.ExportedFunction(exportInit); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = m.Close(ctx)
			return nil, domain.NewDomainError("sandbox.Load", domain.ErrInternal,
				fmt.Sprintf("%s _init: %v", name, err))
		}
	}

	m.logger.Debug("agent module loaded", "memory_bytes", mod.Memory().Size())
	return m, nil
}

// Invoke calls the guest's execute entrypoint with the given payload and
// returns the response bytes. The deadline on ctx bounds the call: the
// runtime is configured to close the instance when the context is done, so
// a guest stuck in a loop is interrupted rather than waited on.
func (m *Module) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	ptr, size, err := WriteBytes(ctx, m.mod, payload)
	if err != nil {
		return nil, err
	}
	defer FreeBytes(context.WithoutCancel(ctx), m.mod, ptr, size)

	fn := m.mod.ExportedFunction(exportExecute)
	results, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrAgentTimeout, m.name)
		}
		return nil, fmt.Errorf("%w: execute trapped: %v", domain.ErrInternal, err)
	}
	if len(results) < 2 {
		return nil, fmt.Errorf("%w: execute returned %d results, want 2", domain.ErrInternal, len(results))
	}

	outPtr := uint32(results[0])
	outLen := uint32(results[1])
	if outLen == 0 {
		return nil, nil
	}
	out, err := ReadBytes(m.mod, outPtr, outLen)
	if err != nil {
		return nil, err
	}
	FreeBytes(context.WithoutCancel(ctx), m.mod, outPtr, outLen)
	return out, nil
}

// Probe calls the guest's optional health export. Modules without the
// export are reported healthy as long as the instance is still open.
func (m *Module) Probe(ctx context.Context) (domain.HealthStatus, error) {
	fn := m.mod.ExportedFunction(exportHealth)
	if fn == nil {
		return domain.HealthHealthy, nil
	}
	results, err := fn.Call(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.HealthCritical, fmt.Errorf("%w: health probe", domain.ErrTimeout)
		}
		return domain.HealthCritical, fmt.Errorf("%w: health trapped: %v", domain.ErrInternal, err)
	}
	if len(results) == 0 {
		return domain.HealthCritical, fmt.Errorf("%w: health returned no results", domain.ErrInternal)
	}
	switch results[0] {
	case 0:
		return domain.HealthHealthy, nil
	case 1:
		return domain.HealthDegraded, nil
	case 2:
		return domain.HealthUnhealthy, nil
	default:
		return domain.HealthCritical, nil
	}
}

// MemoryBytes returns the current size of the instance's linear memory.
// Used as the peak-memory measurement at the sandbox boundary.
func (m *Module) MemoryBytes() uint32 {
	return m.mod.Memory().Size()
}

// Name returns the module's instance name.
func (m *Module) Name() string {
	return m.name
}

// Close releases the instance and its compiled module.
func (m *Module) Close(ctx context.Context) error {
	err := m.mod.Close(ctx)
	if cerr := m.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
