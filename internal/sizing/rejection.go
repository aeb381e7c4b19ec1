package sizing

import (
	"errors"
	"fmt"
)

type RejectCode string

const (
	InstrumentNotFound    RejectCode = "InstrumentNotFound"
	BelowMinimumOrderSize RejectCode = "BelowMinimumOrderSize"
	InvalidMarkPrice      RejectCode = "InvalidMarkPrice"
	InsufficientBalance   RejectCode = "InsufficientBalance"
	ZeroTargetSize        RejectCode = "ZeroTargetSize"
)

// Rejection is a permanent sizing outcome: re-running the same signal
// would reproduce it.
type Rejection struct {
	Code   RejectCode
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
