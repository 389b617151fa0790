package memory

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/tetratelabs/wazero"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/wasmgen"
)

func newTestMemory(t *testing.T, pages uint64) *LinearMemory {
	t.Helper()
	store, err := NewSliceStore(pages*wasmbridge.PageSize, nil)
	if err != nil {
		t.Fatalf("NewSliceStore: %v", err)
	}
	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestSliceStore_Alignment(t *testing.T) {
	if _, err := NewSliceStore(70000, nil); err == nil {
		t.Error("expected error for unaligned size")
	}
	if _, err := NewSliceStore(0, nil); err != nil {
		t.Errorf("zero-size store: %v", err)
	}
}

func TestViews_IntegerWidths(t *testing.T) {
	m := newTestMemory(t, 1)
	v := m.Views()

	tests := []struct {
		name   string
		width  Width
		write  int64
		signed int64
		uns    int64
	}{
		{"i8 negative", Width8, -1, -1, 0xff},
		{"i8 truncates", Width8, 0x1ff, -1, 0xff},
		{"i16", Width16, 0x8001, -0x7fff, 0x8001},
		{"i32", Width32, 0x80000000, math.MinInt32, 0x80000000},
		{"i32 truncates", Width32, 0x1_0000_0005, 5, 5},
		{"i64", Width64, -2, -2, -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.WriteInt(16, tt.write, tt.width); err != nil {
				t.Fatalf("WriteInt: %v", err)
			}
			got, err := v.ReadInt(16, tt.width, true)
			if err != nil {
				t.Fatalf("ReadInt signed: %v", err)
			}
			if got != tt.signed {
				t.Errorf("signed = %d, want %d", got, tt.signed)
			}
			got, err = v.ReadInt(16, tt.width, false)
			if err != nil {
				t.Fatalf("ReadInt unsigned: %v", err)
			}
			if got != tt.uns {
				t.Errorf("unsigned = %d, want %d", got, tt.uns)
			}
		})
	}
}

func TestViews_LittleEndian(t *testing.T) {
	m := newTestMemory(t, 1)
	v := m.Views()
	if err := v.SetU32(0, 0x01020304); err != nil {
		t.Fatal(err)
	}
	b, err := v.Slice(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, b[i], want[i])
		}
	}
}

func TestViews_Floats(t *testing.T) {
	m := newTestMemory(t, 1)
	v := m.Views()
	if err := v.SetF64(8, math.Pi); err != nil {
		t.Fatal(err)
	}
	if f, _ := v.F64(8); f != math.Pi {
		t.Errorf("F64 = %v, want %v", f, math.Pi)
	}
	if err := v.SetF32(0, 1.5); err != nil {
		t.Fatal(err)
	}
	if f, _ := v.F32(0); f != 1.5 {
		t.Errorf("F32 = %v, want 1.5", f)
	}
}

func TestViews_OutOfBounds(t *testing.T) {
	m := newTestMemory(t, 1)
	v := m.Views()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"u32 at last byte", func() error { _, err := v.U32(wasmbridge.PageSize - 1); return err }},
		{"u8 past end", func() error { _, err := v.U8(wasmbridge.PageSize); return err }},
		{"copy spanning end", func() error { return v.Copy(wasmbridge.PageSize-2, []byte{1, 2, 3}) }},
		{"u64 at max address", func() error { _, err := v.U64(math.MaxUint32); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if err == nil {
				t.Fatal("expected error")
			}
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Kind != errors.KindOutOfBounds {
				t.Errorf("expected out_of_bounds error, got %v", err)
			}
		})
	}

	if _, err := v.U32(wasmbridge.PageSize - 4); err != nil {
		t.Errorf("last aligned word should be readable: %v", err)
	}
}

func TestLinearMemory_ResizeInvalidatesViews(t *testing.T) {
	m := newTestMemory(t, 1)
	old := m.Views()
	if err := old.SetU32(100, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	gen := m.Generation()

	if err := m.Resize(2 * wasmbridge.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if m.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", m.Generation(), gen+1)
	}
	if old.Valid() {
		t.Error("old views should be invalid after resize")
	}
	_, err := old.U32(100)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindStaleView {
		t.Errorf("expected stale_view error, got %v", err)
	}

	v := m.Views()
	if v.Len() != 2*wasmbridge.PageSize {
		t.Errorf("Len = %d, want %d", v.Len(), 2*wasmbridge.PageSize)
	}
	got, err := v.U32(100)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xdeadbeef {
		t.Errorf("contents not preserved: %#x", got)
	}
	if _, err := v.U32(wasmbridge.PageSize + 8); err != nil {
		t.Errorf("new page should be addressable: %v", err)
	}
}

func TestLinearMemory_ResizeValidation(t *testing.T) {
	m := newTestMemory(t, 2)

	tests := []struct {
		name string
		size uint64
	}{
		{"unaligned", 3*wasmbridge.PageSize + 1},
		{"shrink", wasmbridge.PageSize},
		{"same size", 2 * wasmbridge.PageSize},
		{"past maximum", wasmbridge.MaxHeapSize + wasmbridge.PageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := m.Generation()
			if err := m.Resize(tt.size); err == nil {
				t.Fatal("expected error")
			}
			if m.Size() != 2*wasmbridge.PageSize {
				t.Errorf("size changed to %d", m.Size())
			}
			if m.Generation() != gen {
				t.Error("generation changed on failed resize")
			}
		})
	}
}

func TestLinearMemory_ResizeAllocatorRefuses(t *testing.T) {
	store, err := NewSliceStore(wasmbridge.PageSize, BudgetAlloc(2*wasmbridge.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(store)
	if err != nil {
		t.Fatal(err)
	}
	_ = m.Views().SetU8(7, 42)

	err = m.Resize(4 * wasmbridge.PageSize)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindAllocation {
		t.Fatalf("expected allocation error, got %v", err)
	}
	if m.Size() != wasmbridge.PageSize {
		t.Errorf("size = %d after refused growth", m.Size())
	}
	if b, _ := m.Views().U8(7); b != 42 {
		t.Error("contents lost after refused growth")
	}
}

func TestLinearMemory_Detached(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Attached() {
		t.Error("detached memory reports attached")
	}
	if _, err := m.ReadU8(0); err == nil {
		t.Error("expected error reading detached memory")
	}
	if err := m.Resize(wasmbridge.PageSize); err == nil {
		t.Error("expected error resizing detached memory")
	}
}

func TestLinearMemory_MemoryInterface(t *testing.T) {
	m := newTestMemory(t, 1)
	var mem wasmbridge.Memory = m

	if err := mem.WriteU16(2, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU16(2); v != 0xbeef {
		t.Errorf("ReadU16 = %#x", v)
	}
	if err := mem.WriteU64(8, 1<<40); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU64(8); v != 1<<40 {
		t.Errorf("ReadU64 = %d", v)
	}

	data, err := mem.Read(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 0
	if v, _ := mem.ReadU8(2); v != 0xef {
		t.Error("Read must return a copy")
	}
}

func TestGetSetValue(t *testing.T) {
	m := newTestMemory(t, 1)
	v := m.Views()

	tests := []struct {
		typ   string
		set   float64
		want  float64
		width int
	}{
		{"i8", -3, -3, 1},
		{"i1", 1, 1, 1},
		{"i16", 70000, 70000 - 65536, 2},
		{"i32", -123456, -123456, 4},
		{"i64", 1 << 40, 1 << 40, 8},
		{"float", 0.5, 0.5, 4},
		{"double", -2.25, -2.25, 8},
		{"char*", 0xfffffff0, 0xfffffff0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			if err := SetValue(v, 64, tt.set, tt.typ); err != nil {
				t.Fatalf("SetValue: %v", err)
			}
			got, err := GetValue(v, 64, tt.typ)
			if err != nil {
				t.Fatalf("GetValue: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := GetValue(v, 0, "i128"); err == nil {
		t.Error("expected error for unknown type")
	}
	if err := SetValue(v, 0, 1, "bogus"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestPtrToString(t *testing.T) {
	if got := PtrToString(0x1234); got != "0x00001234" {
		t.Errorf("PtrToString = %q", got)
	}
}

func TestCheckLittleEndian(t *testing.T) {
	if err := CheckLittleEndian(); err != nil {
		t.Skipf("big-endian host: %v", err)
	}
}

func TestWazeroStore_GuestGrowthDetected(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	b := wasmgen.New().BoundedMemory(1, 4).ExportMemory("memory")
	b.ExportFunc("grow", nil, nil,
		wasmgen.I32Const(1), wasmgen.MemoryGrow(), wasmgen.Drop())
	b.Data(16, []byte("hi"))

	mod, err := r.Instantiate(ctx, b.Build())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	m, err := New(NewWazeroStore(mod.Memory()))
	if err != nil {
		t.Fatal(err)
	}
	v := m.Views()
	if s, _ := v.Slice(16, 2); string(s) != "hi" {
		t.Errorf("data segment not visible: %q", s)
	}

	if _, err := mod.ExportedFunction("grow").Call(ctx); err != nil {
		t.Fatal(err)
	}
	if v.Valid() {
		t.Error("views should be stale after guest growth")
	}
	if got := m.Views().Len(); got != 2*wasmbridge.PageSize {
		t.Errorf("Len = %d, want %d", got, 2*wasmbridge.PageSize)
	}

	if err := m.Resize(4 * wasmbridge.PageSize); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := m.Resize(5 * wasmbridge.PageSize); err == nil {
		t.Error("expected refusal past declared maximum")
	}
	if m.Size() != 4*wasmbridge.PageSize {
		t.Errorf("Size = %d", m.Size())
	}
}
