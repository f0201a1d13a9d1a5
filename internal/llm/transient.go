package llm

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// isTransientNetError reports whether a transport failure may go away on its
// own. Local inference servers refuse or drop connections while a model is
// still loading, so those count as transient.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	// some proxies flatten the error into text
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// shouldRetryStatus covers rate limiting, request timeouts and server-side
// failures, including the 503 a server returns while loading its model.
func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		(status >= 500 && status <= 599)
}
