package engine

import (
	"strconv"
	"strings"
)

// Import module names Emscripten guests link against.
const (
	ModuleEnv  = "env"
	ModuleWASI = "wasi_snapshot_preview1"
)

// defaultInstanceName is used when the caller gives no base name.
const defaultInstanceName = "guest"

// instanceName builds a unique wazero module name from a caller-chosen base.
// Path separators and whitespace are folded so names stay readable in logs.
// Examples:
//   - ("hello.wasm", 1) -> "hello.wasm#1"
//   - ("dir/app.wasm", 7) -> "dir_app.wasm#7"
//   - ("", 3) -> "guest#3"
func instanceName(base string, seq uint64) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultInstanceName
	}
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, base)
	return base + "#" + strconv.FormatUint(seq, 10)
}

// importKey formats an import the way MissingImportsError expects.
func importKey(module, name string) string {
	return module + "#" + name
}
