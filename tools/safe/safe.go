package safe

import (
	"fmt"
	"reflect"

	"PPAuth/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Recover logs a recovered panic; use as `defer safe.Recover(log, "what")`.
func Recover(log *zap.Logger, what string) {
	if r := recover(); r != nil {
		if log == nil {
			log = zap.NewNop()
		}
		log.Error("panic recovered", zap.String("where", what), zap.Error(errs.ErrPanic(r)))
	}
}

// Go starts a goroutine that recovers from panic,
// so that a failing callback does not take the whole context down.
func Go(log *zap.Logger, what string, f func()) {
	go func() {
		defer Recover(log, what)
		f()
	}()
}
