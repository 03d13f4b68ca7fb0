package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

const PanicError = 1500

func ErrPanic(r any) error {
	return ErrPanicMsg(r, PanicError, "panic error")
}

func ErrPanicMsg(r any, code int, msg string) error {
	if r == nil {
		return nil
	}
	err := &CodeError{
		Code:   code,
		Msg:    msg,
		Detail: fmt.Sprint(r),
	}
	return pkgerrors.WithStack(err)
}
