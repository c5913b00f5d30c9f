package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors classifying pipeline and delivery failures.
var (
	ErrAccessBlocked  = errors.New("access blocked")
	ErrLayoutChanged  = errors.New("page layout not recognized")
	ErrNoContent      = errors.New("no content")
	ErrNoSource       = errors.New("no source for host")
	ErrIntegrity      = errors.New("integrity")
	ErrNotFound       = errors.New("job not found")
	ErrStoreLocked    = errors.New("job store locked by another process")
	ErrOversized      = errors.New("artifact exceeds primary channel limit")
	ErrRelayTimeout   = errors.New("relay timeout")
	ErrChannelRejects = errors.New("channel rejected delivery")
)

// Failure reason prefixes recorded in the job store.
const (
	KindPipeline = "pipeline"
	KindDelivery = "delivery"
)

// PipelineReason formats a pipeline failure for the job store.
func PipelineReason(err error) string {
	return KindPipeline + ": " + err.Error()
}

// DeliveryReason formats a delivery failure for the job store.
func DeliveryReason(err error) string {
	return KindDelivery + ": " + err.Error()
}

// ReasonKind returns the prefix of a stored failure reason.
func ReasonKind(reason string) string {
	kind, _, found := strings.Cut(reason, ":")
	if !found {
		return ""
	}
	return kind
}

// FetchError describes a fetch that failed after the client gave up.
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// StatusClass groups HTTP response codes into coarse labels.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	case code == 0:
		return "error"
	default:
		return "other"
	}
}

// DefaultTransientStatusCodes lists the status codes retried by default.
var DefaultTransientStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}
