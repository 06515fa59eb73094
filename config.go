package hyperlight

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/hyperlight-dev/hyperlight-go/memlayout"
)

// LoadMemoryConfigTOML reads a memlayout.MemoryConfig from a TOML file
// at path. Fields left absent are zero, and get their §3 minimum
// applied the same way a zero-valued literal MemoryConfig would
// (memlayout.MemoryConfig.WithMinimums, applied by memmgr.LoadBinary).
//
// Example file:
//
//	input_data_size = 65536
//	output_data_size = 65536
//	max_execution_time_ms = 2000
func LoadMemoryConfigTOML(path string) (memlayout.MemoryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return memlayout.MemoryConfig{}, fmt.Errorf("hyperlight: read %s: %w", path, err)
	}

	var doc struct {
		InputDataSize              uint64 `toml:"input_data_size"`
		OutputDataSize             uint64 `toml:"output_data_size"`
		HostFunctionDefinitionSize uint64 `toml:"host_function_definition_size"`
		HostExceptionSize          uint64 `toml:"host_exception_size"`
		GuestErrorBufferSize       uint64 `toml:"guest_error_buffer_size"`
		GuestStackSize             uint64 `toml:"guest_stack_size"`
		GuestHeapSize              uint64 `toml:"guest_heap_size"`
		MaxExecutionTimeMs         uint64 `toml:"max_execution_time_ms"`
		MaxWaitForCancellationMs   uint64 `toml:"max_wait_for_cancellation_ms"`
	}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return memlayout.MemoryConfig{}, fmt.Errorf("hyperlight: parse %s: %w", path, err)
	}

	return memlayout.MemoryConfig{
		InputDataSize:              doc.InputDataSize,
		OutputDataSize:             doc.OutputDataSize,
		HostFunctionDefinitionSize: doc.HostFunctionDefinitionSize,
		HostExceptionSize:          doc.HostExceptionSize,
		GuestErrorBufferSize:       doc.GuestErrorBufferSize,
		GuestStackSize:             doc.GuestStackSize,
		GuestHeapSize:              doc.GuestHeapSize,
		MaxExecutionTimeMs:         doc.MaxExecutionTimeMs,
		MaxWaitForCancellationMs:   doc.MaxWaitForCancellationMs,
	}, nil
}
