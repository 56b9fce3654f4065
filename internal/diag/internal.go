package diag

import "fmt"

// InternalError is a broken core invariant. It never describes a problem
// with the user's input.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Msg
}

// Internal aborts the current operation with an InternalError.
func Internal(format string, args ...any) {
	panic(&InternalError{Msg: fmt.Sprintf(format, args...)})
}

// Recover turns a panic raised by Internal into an error stored in *errp.
// Other panics are re-raised. Use as `defer diag.Recover(&err)`.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ie, ok := r.(*InternalError); ok {
		*errp = ie
		return
	}
	panic(r)
}
