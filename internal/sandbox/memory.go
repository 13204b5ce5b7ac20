package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"fabric/internal/domain"
)

// ReadBytes reads raw bytes from the guest module's linear memory.
func ReadBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%w: memory read out of bounds at ptr=%d len=%d", domain.ErrInternal, ptr, size)
	}
	// Return a copy so the caller owns the slice.
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// WriteBytes writes raw bytes into guest memory using the module's exported
// malloc function. Returns the pointer and length.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, 0, fmt.Errorf("%w: guest module does not export malloc", domain.ErrInternal)
	}

	results, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malloc(%d) failed: %v", domain.ErrInternal, size, err)
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("%w: malloc returned no results", domain.ErrInternal)
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, 0, fmt.Errorf("%w: malloc returned null pointer", domain.ErrInternal)
	}

	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("%w: memory write out of bounds at ptr=%d len=%d", domain.ErrInternal, ptr, size)
	}

	return ptr, size, nil
}

// FreeBytes calls the guest's exported free function to release memory.
func FreeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	free := mod.ExportedFunction("free")
	if free == nil {
		return
	}
	_, _ = free.Call(ctx, uint64(ptr), uint64(size))
}
