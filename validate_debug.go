//go:build debug_v3d

package v3d

// DebugValidate calls Validate on the provided object and panics on any
// error. This method no-ops unless the debug_v3d build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
