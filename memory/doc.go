// Package memory manages the linear memory of a guest module.
//
// A LinearMemory owns one backing Store and hands out Views, the typed
// numeric projections (8/16/32/64-bit integers, float32, float64) over the
// current buffer. Growing the memory may move the buffer, so every Views value
// records the generation it was built for. Access through a Views value from an
// older generation fails with a stale_view error instead of touching a detached
// buffer.
//
// # Stores
//
// Two backends are provided:
//
//	SliceStore   Go-owned buffer, reallocated and copied on growth
//	WazeroStore  wazero api.Memory exported by an instantiated guest
//
// # Access
//
//	views := mem.Views()
//	v, err := views.U32(ptr)
//	err = views.SetF64(ptr+8, 1.5)
//
//	// generic access by width
//	n, err := views.ReadInt(ptr, memory.Width16, true)
//
//	// access by Emscripten type name
//	f, err := memory.GetValue(views, ptr, "double")
//
// All access is little-endian. CheckLittleEndian reports whether the host
// can run the bridge at all.
package memory
