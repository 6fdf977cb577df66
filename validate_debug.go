//go:build debug_segheap

package segheap

import "encoding/binary"

const (
	// PoisonMargin is the number of freed payload bytes that are stamped with a
	// poison pattern so that use-after-free writes can be spotted by the heap
	// walker. It only covers bytes past the free-list links.
	PoisonMargin int = 16
	// poisonMagicValue is the 4-byte pattern stamped across PoisonMargin bytes
	// of a freed payload
	poisonMagicValue uint32 = 0x7F84E666
)

// WritePoisonValue stamps the poison pattern across the provided freed payload
// bytes, whole words only. This method no-ops unless the debug_segheap build
// tag is present.
func WritePoisonValue(buf []byte) {
	words := len(buf) / 4
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], poisonMagicValue)
	}
}

// ValidatePoisonValue verifies that the pattern written by WritePoisonValue is
// still present. It returns true if the pattern is intact and false otherwise.
// This method no-ops unless the debug_segheap build tag is present.
func ValidatePoisonValue(buf []byte) bool {
	words := len(buf) / 4
	for i := 0; i < words; i++ {
		if binary.LittleEndian.Uint32(buf[i*4:]) != poisonMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_segheap build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_segheap build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
