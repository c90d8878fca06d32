package memutils

// Validatable is implemented by types that can check their own internal consistency. DebugValidate
// runs the check in builds with the debug_mem_utils tag.
type Validatable interface {
	Validate() error
}
