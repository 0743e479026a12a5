package v3d

// Validatable is implemented by types with internal invariants DebugValidate
// can check when the debug_v3d build tag is present.
type Validatable interface {
	Validate() error
}
