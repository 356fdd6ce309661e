package host

import (
	"sync/atomic"
	"unsafe"
)

// Register accesses go through pointers so each one is a single load or
// store of its width. 32 and 64-bit accesses use sync/atomic, which also
// keeps the compiler from merging or dropping them.

func load16(b []byte, off uint64) uint16 {
	return *(*uint16)(unsafe.Pointer(&b[off]))
}

func store16(b []byte, off uint64, v uint16) {
	*(*uint16)(unsafe.Pointer(&b[off])) = v
}

func load32(b []byte, off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func store32(b []byte, off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}

func load64(b []byte, off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

func store64(b []byte, off uint64, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
