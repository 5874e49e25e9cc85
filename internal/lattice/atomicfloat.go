package lattice

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Cross-tile border adjoints may be written by two tiles running in the
// same reverse superstep, so those writes must be order-independent
// additions. Go has no atomic float add; emulate one with a
// compare-and-swap loop over the value's bit pattern.

func atomicAddFloat32(addr *float32, delta float32) {
	bits := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(bits)
		want := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(bits, old, want) {
			return
		}
	}
}

func atomicAddFloat64(addr *float64, delta float64) {
	bits := (*uint64)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint64(bits)
		want := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(bits, old, want) {
			return
		}
	}
}

// atomicAdd dispatches on the element type.
func atomicAdd[T Float](addr *T, delta T) {
	switch p := any(addr).(type) {
	case *float32:
		atomicAddFloat32(p, float32(delta))
	case *float64:
		atomicAddFloat64(p, float64(delta))
	default:
		panic("lattice: unsupported element type for atomic add")
	}
}
