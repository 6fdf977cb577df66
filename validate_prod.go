//go:build !debug_segheap

package segheap

const (
	// PoisonMargin is the number of freed payload bytes that are stamped with a
	// poison pattern so that use-after-free writes can be spotted by the heap
	// walker. It only covers bytes past the free-list links.
	PoisonMargin int = 0
)

// ValidatePoisonValue verifies that the pattern written by WritePoisonValue is
// still present. It returns true if the pattern is intact and false otherwise.
// This method no-ops unless the debug_segheap build tag is present.
func ValidatePoisonValue(buf []byte) bool {
	return true
}

// WritePoisonValue stamps the poison pattern across the provided freed payload
// bytes, whole words only. This method no-ops unless the debug_segheap build
// tag is present.
func WritePoisonValue(buf []byte) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_segheap build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_segheap build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
