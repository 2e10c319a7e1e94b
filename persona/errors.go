package persona

import (
	"errors"
	"fmt"
)

// Failure is a classified persona-subsystem failure. Kind is one of the
// Kind* constants; the remaining fields carry diagnostics for logs and
// event envelopes.
type Failure struct {
	Kind      string
	Details   string
	Attempts  int
	CorrID    string
	TimeoutMs int64
}

func (f *Failure) Error() string {
	if f.Details == "" {
		return f.Kind
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Details)
}

// FailureKind extracts the failure kind from an error chain, or "".
func FailureKind(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
