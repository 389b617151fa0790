// Package wasmgen synthesizes small core WASM modules shaped like Emscripten
// output: imported env/WASI functions, one exported memory, and exported
// functions with hand-encoded bodies.
package wasmgen

import (
	"github.com/tetratelabs/wazero/api"
)

// Builder assembles a module. Declare imports before defining functions so
// function indices stay stable.
type Builder struct {
	memory  *memoryDef
	imports []funcImport
	funcs   []funcDef
	exports []export
	data    []dataSegment
}

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

type funcImport struct {
	module string
	name   string
	sig    signature
}

type funcDef struct {
	sig    signature
	locals []api.ValueType
	body   []byte
}

type memoryDef struct {
	min    uint32
	max    uint32
	hasMax bool
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type dataSegment struct {
	offset int32
	bytes  []byte
}

const (
	exportFunc   = 0x00
	exportMemory = 0x02
)

// New creates an empty module builder.
func New() *Builder {
	return &Builder{}
}

// ImportFunc declares an imported function and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmgen: imports must be declared before functions")
	}
	b.imports = append(b.imports, funcImport{
		module: module,
		name:   name,
		sig:    signature{params: params, results: results},
	})
	return uint32(len(b.imports) - 1)
}

// Memory declares an unbounded memory of min pages.
func (b *Builder) Memory(min uint32) *Builder {
	b.memory = &memoryDef{min: min}
	return b
}

// BoundedMemory declares a memory of min pages growable to max pages.
func (b *Builder) BoundedMemory(min, max uint32) *Builder {
	b.memory = &memoryDef{min: min, max: max, hasMax: true}
	return b
}

// ExportMemory exports memory 0 under name.
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, export{name: name, kind: exportMemory})
	return b
}

// Func defines a function and returns its function index. body must not
// include the trailing end opcode.
func (b *Builder) Func(params, results, locals []api.ValueType, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, funcDef{
		sig:    signature{params: params, results: results},
		locals: locals,
		body:   Code(body...),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exports the function at idx under name.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: exportFunc, index: idx})
	return b
}

// ExportFunc defines a function and exports it in one step.
func (b *Builder) ExportFunc(name string, params, results []api.ValueType, body ...[]byte) uint32 {
	idx := b.Func(params, results, nil, body...)
	b.Export(name, idx)
	return idx
}

// Data places bytes at offset in memory 0 at instantiation.
func (b *Builder) Data(offset int32, bytes []byte) *Builder {
	b.data = append(b.data, dataSegment{offset: offset, bytes: bytes})
	return b
}

// Build generates the WASM module bytes.
func (b *Builder) Build() []byte {
	var wasm []byte

	// Magic and version
	wasm = append(wasm, 0x00, 0x61, 0x73, 0x6d)
	wasm = append(wasm, 0x01, 0x00, 0x00, 0x00)

	if n := len(b.imports) + len(b.funcs); n > 0 {
		wasm = append(wasm, section(0x01, b.buildTypeSection())...)
	}
	if len(b.imports) > 0 {
		wasm = append(wasm, section(0x02, b.buildImportSection())...)
	}
	if len(b.funcs) > 0 {
		wasm = append(wasm, section(0x03, b.buildFuncSection())...)
	}
	if b.memory != nil {
		wasm = append(wasm, section(0x05, b.buildMemorySection())...)
	}
	if len(b.exports) > 0 {
		wasm = append(wasm, section(0x07, b.buildExportSection())...)
	}
	if len(b.funcs) > 0 {
		wasm = append(wasm, section(0x0a, b.buildCodeSection())...)
	}
	if len(b.data) > 0 {
		wasm = append(wasm, section(0x0b, b.buildDataSection())...)
	}

	return wasm
}

func encodeSignature(sig signature) []byte {
	out := []byte{0x60}
	out = append(out, EncodeULEB128(uint32(len(sig.params)))...)
	for _, t := range sig.params {
		out = append(out, ValTypeToWasm(t))
	}
	out = append(out, EncodeULEB128(uint32(len(sig.results)))...)
	for _, t := range sig.results {
		out = append(out, ValTypeToWasm(t))
	}
	return out
}

// buildTypeSection emits one type per function: imports first, then defined
// functions, so type index equals function index.
func (b *Builder) buildTypeSection() []byte {
	section := EncodeULEB128(uint32(len(b.imports) + len(b.funcs)))
	for _, imp := range b.imports {
		section = append(section, encodeSignature(imp.sig)...)
	}
	for _, f := range b.funcs {
		section = append(section, encodeSignature(f.sig)...)
	}
	return section
}

func (b *Builder) buildImportSection() []byte {
	section := EncodeULEB128(uint32(len(b.imports)))
	for i, imp := range b.imports {
		section = append(section, encodeName(imp.module)...)
		section = append(section, encodeName(imp.name)...)
		section = append(section, 0x00)
		section = append(section, EncodeULEB128(uint32(i))...)
	}
	return section
}

func (b *Builder) buildFuncSection() []byte {
	section := EncodeULEB128(uint32(len(b.funcs)))
	for i := range b.funcs {
		section = append(section, EncodeULEB128(uint32(len(b.imports)+i))...)
	}
	return section
}

func (b *Builder) buildMemorySection() []byte {
	section := []byte{0x01}
	if b.memory.hasMax {
		section = append(section, 0x01)
		section = append(section, EncodeULEB128(b.memory.min)...)
		section = append(section, EncodeULEB128(b.memory.max)...)
	} else {
		section = append(section, 0x00)
		section = append(section, EncodeULEB128(b.memory.min)...)
	}
	return section
}

func (b *Builder) buildExportSection() []byte {
	section := EncodeULEB128(uint32(len(b.exports)))
	for _, e := range b.exports {
		section = append(section, encodeName(e.name)...)
		section = append(section, e.kind)
		section = append(section, EncodeULEB128(e.index)...)
	}
	return section
}

func (b *Builder) buildCodeSection() []byte {
	section := EncodeULEB128(uint32(len(b.funcs)))
	for _, f := range b.funcs {
		body := encodeLocals(f.locals)
		body = append(body, f.body...)
		body = append(body, 0x0b)
		section = append(section, EncodeULEB128(uint32(len(body)))...)
		section = append(section, body...)
	}
	return section
}

// encodeLocals groups consecutive locals of the same type.
func encodeLocals(locals []api.ValueType) []byte {
	type group struct {
		n uint32
		t api.ValueType
	}
	var groups []group
	for _, t := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == t {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{n: 1, t: t})
	}
	out := EncodeULEB128(uint32(len(groups)))
	for _, g := range groups {
		out = append(out, EncodeULEB128(g.n)...)
		out = append(out, ValTypeToWasm(g.t))
	}
	return out
}

func (b *Builder) buildDataSection() []byte {
	section := EncodeULEB128(uint32(len(b.data)))
	for _, d := range b.data {
		section = append(section, 0x00)
		section = append(section, I32Const(d.offset)...)
		section = append(section, 0x0b)
		section = append(section, EncodeULEB128(uint32(len(d.bytes)))...)
		section = append(section, d.bytes...)
	}
	return section
}
