package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

func hasWasmMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := make([]byte, len(wasmMagic))
	n, _ := f.Read(header)
	return n == len(wasmMagic) && bytes.Equal(header, wasmMagic), nil
}

// validateModule decodes and validates a WebAssembly binary without
// instantiating it. Imports stay unresolved, which is expected for modules
// the simulator links at load time. It returns the exported function names.
func validateModule(ctx context.Context, binary []byte) ([]string, error) {
	cfg := wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(api.CoreFeaturesV2)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("invalid wasm module: %w", err)
	}
	defer compiled.Close(ctx)

	exports := make([]string, 0, len(compiled.ExportedFunctions()))
	for name := range compiled.ExportedFunctions() {
		exports = append(exports, name)
	}
	sort.Strings(exports)
	return exports, nil
}
