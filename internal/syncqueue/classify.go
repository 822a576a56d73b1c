package syncqueue

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/careloop/caresync/internal/remote"
)

// errorClass partitions remote failures by how the drain loop reacts.
type errorClass int

const (
	// classTransient: timeouts, 5xx, temporary unavailability. Retried
	// with backoff; safe because every write carries an idempotency token.
	classTransient errorClass = iota
	// classConflict: the remote record is newer than our base version.
	// Resolved remote-wins; the operation still counts as applied.
	classConflict
	// classPermanent: validation or auth failures. Never retried
	// automatically; surfaced via failedCount.
	classPermanent
)

func (c errorClass) String() string {
	switch c {
	case classTransient:
		return "transient"
	case classConflict:
		return "conflict"
	default:
		return "permanent"
	}
}

// classify maps a remote call error to its class.
func classify(err error) errorClass {
	if errors.Is(err, remote.ErrConflict) {
		return classConflict
	}
	if errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrForbidden) || errors.Is(err, remote.ErrNotFound) {
		return classPermanent
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= 500:
			return classTransient
		case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode == http.StatusTooManyRequests:
			return classTransient
		default:
			return classPermanent
		}
	}

	// Everything else is a transport-level failure: connection refused,
	// DNS, context deadline. A timeout may have succeeded server-side,
	// which is exactly what the idempotency token makes safe to retry.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return classTransient
	}
	return classTransient
}
