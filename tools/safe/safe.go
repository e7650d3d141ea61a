package safe

import (
	"fmt"
	"reflect"

	"PPSync/logger"
	"PPSync/tools/errs"

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
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts a new goroutine that recovers from panic,
// so that a broken callback doesn't crash the whole client.
// Recovered panics are reported as errors with a stack.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f and recovers from a panic in it.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("[SafeGo] panic recovered",
				zap.String("task", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
		}
	}()
	f()
}
