package executor

import (
	"context"
	"errors"
	"net"

	"github.com/kjannette/trahn-copytrade/internal/exchange"
	"github.com/kjannette/trahn-copytrade/internal/httputil"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/sizing"
)

// Classify maps an execution error to the audit status it produces and
// whether the signal should be retried on a later tick.
//
//	sizing.Rejection     SKIPPED, permanent
//	exchange.APIError    FAILED, recorded verbatim, not retried
//	anything else        FAILED, retried (transport, 5xx, timeouts)
func Classify(err error) (status models.AuditStatus, reason string, retryable bool) {
	if err == nil {
		return models.StatusSuccess, "", false
	}
	if rej, ok := sizing.AsRejection(err); ok {
		return models.StatusSkipped, rej.Error(), false
	}
	if apiErr, ok := asAPIError(err); ok {
		return models.StatusFailed, apiErr.Error(), false
	}
	return models.StatusFailed, err.Error(), true
}

// IsTransient reports whether err is a known transport-level failure.
func IsTransient(err error) bool {
	var netErr net.Error
	return errors.Is(err, exchange.ErrTransient) ||
		errors.Is(err, httputil.ErrRetriesExhausted) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr)
}

func asAPIError(err error) (*exchange.APIError, bool) {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
