package wasmgen

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestEncodeLEB128(t *testing.T) {
	tests := []struct {
		got  []byte
		want []byte
	}{
		{EncodeULEB128(0), []byte{0x00}},
		{EncodeULEB128(127), []byte{0x7f}},
		{EncodeULEB128(128), []byte{0x80, 0x01}},
		{EncodeULEB128(624485), []byte{0xe5, 0x8e, 0x26}},
		{EncodeSLEB128(int32(-1)), []byte{0x7f}},
		{EncodeSLEB128(int32(63)), []byte{0x3f}},
		{EncodeSLEB128(int32(64)), []byte{0xc0, 0x00}},
		{EncodeSLEB128(int32(-123456)), []byte{0xc0, 0xbb, 0x78}},
	}
	for i, tt := range tests {
		if !bytes.Equal(tt.got, tt.want) {
			t.Errorf("case %d: got %x, want %x", i, tt.got, tt.want)
		}
	}
}

func TestBuild_RunsUnderWazero(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	var seen uint32
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, v uint32) { seen = v }).
		Export("record").
		Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	i32 := []api.ValueType{api.ValueTypeI32}
	b := New()
	record := b.ImportFunc("env", "record", i32, nil)
	b.Memory(1).ExportMemory("memory")
	b.Data(8, []byte{0x2a, 0, 0, 0})
	b.ExportFunc("load_and_record", nil, i32,
		loadAt(8), Call(record),
		I32Const(8), I32Load(0),
		I32Const(2), I32Mul())
	b.Func(i32, i32, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		LocalGet(0), LocalSet(1), LocalGet(1))

	mod, err := r.Instantiate(ctx, b.Build())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	res, err := mod.ExportedFunction("load_and_record").Call(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seen != 42 {
		t.Errorf("host saw %d, want 42", seen)
	}
	if uint32(res[0]) != 84 {
		t.Errorf("result = %d, want 84", res[0])
	}
}

func loadAt(addr int32) []byte {
	return Code(I32Const(addr), I32Load(0))
}
