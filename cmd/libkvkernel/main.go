// Command libkvkernel builds the kernel layer as a C shared library:
//
//	go build -buildmode=c-shared -o libkvkernel.so ./cmd/libkvkernel
//
// Every call returns 1 on success and 0 on failure; failures are logged.
package main

/*
#include <stdlib.h>
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	"github.com/23skdu/longbow-kvkernel/internal/abi"
)

func floats(p *C.float, n int) []float32 {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(p)), n)
}

func ints(p *C.int32_t, n int) []int32 {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(p)), n)
}

//export KVK_Init
func KVK_Init() C.int {
	return C.int(abi.Init())
}

// KVK_DeviceName returns a string the caller releases with KVK_FreeStr.
//
//export KVK_DeviceName
func KVK_DeviceName() *C.char {
	return C.CString(abi.DeviceName())
}

//export KVK_FreeStr
func KVK_FreeStr(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export KVK_MatMul
func KVK_MatMul(a, b, c *C.float, m, n, k C.int) C.int {
	mi, ni, ki := int(m), int(n), int(k)
	if mi <= 0 || ni <= 0 || ki <= 0 {
		return C.int(abi.MatMul(nil, nil, nil, mi, ni, ki))
	}
	return C.int(abi.MatMul(floats(a, mi*ki), floats(b, ki*ni), floats(c, mi*ni), mi, ni, ki))
}

//export KVK_KVCreate
func KVK_KVCreate(capacity, dim C.int) C.int32_t {
	return C.int32_t(abi.KVCreate(int(capacity), int(dim)))
}

//export KVK_KVAppend
func KVK_KVAppend(h C.int32_t, k, v *C.float, dim C.int) C.int {
	return C.int(abi.KVAppend(int32(h), floats(k, int(dim)), floats(v, int(dim)), int(dim)))
}

//export KVK_AttnSingle
func KVK_AttnSingle(h C.int32_t, q *C.float, dim C.int, out *C.float) C.int {
	return C.int(abi.AttnSingle(int32(h), floats(q, int(dim)), int(dim), floats(out, int(dim))))
}

//export KVK_KVFree
func KVK_KVFree(h C.int32_t) {
	abi.KVFree(int32(h))
}

// KVK_DecodeStep processes batch sequences. hidden is batch x dModel, the
// weights are dModel x dim each, out is batch x dim and ok, which may be
// NULL, receives one flag per sequence.
//
//export KVK_DecodeStep
func KVK_DecodeStep(handles *C.int32_t, batch, seqLen C.int, hidden *C.float, dModel, dim C.int,
	wq, wk, wv, out *C.float, ok *C.int32_t) C.int {
	b, dm, d := int(batch), int(dModel), int(dim)
	if b <= 0 || dm <= 0 || d <= 0 {
		return C.int(abi.DecodeStep(nil, int(seqLen), nil, dm, d, nil, nil, nil, nil, nil))
	}
	return C.int(abi.DecodeStep(
		ints(handles, b), int(seqLen),
		floats(hidden, b*dm), dm, d,
		floats(wq, dm*d), floats(wk, dm*d), floats(wv, dm*d),
		floats(out, b*d), ints(ok, b),
	))
}

func main() {}
