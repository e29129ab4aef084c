package supervisor

import (
	"fmt"
	"runtime/debug"
)

// Fault is an error captured at a fault boundary. It carries the raw
// panic value and the stack at the capture site.
type Fault struct {
	Value any
	Stack []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("captured fault: %v", f.Value)
}

// Unwrap exposes an error panic value for errors.Is/As.
func (f *Fault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// Capture runs fn inside a fault boundary and returns the fault that
// escaped it, if any. This is the only place a panic is intercepted;
// every boundary in the supervisor is a visible Capture call.
func Capture(fn func()) (fault error) {
	defer func() {
		if v := recover(); v != nil {
			fault = &Fault{Value: v, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}
