package utils

import (
	"unsafe"
)

// BytesToString aliases b without copying. b must not change while the
// result is in use.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
