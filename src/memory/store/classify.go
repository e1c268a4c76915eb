package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
)

// classifyTransport marks connection-level failures. Timeouts, cancellations
// and network errors are retryable; anything else is fatal.
func classifyTransport(op string, err error) error {
	if err == nil || errs.Classified(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Retryable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Retryable(op, err)
	}
	return errs.Fatal(op, err)
}

// classifyHTTPStatus maps a non-2xx response onto the taxonomy.
func classifyHTTPStatus(op string, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return errs.Retryable(op, err)
	default:
		// 401/403 and malformed requests will fail again unchanged.
		return errs.Fatal(op, err)
	}
}
