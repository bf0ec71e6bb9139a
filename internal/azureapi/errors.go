package azureapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is returned whenever an Azure REST call comes back with a
// status code >= 300. azRequest always promotes such responses to a
// StatusError so retrypolicy.Retryable can classify them without needing
// to know anything about HTTP.
type StatusError struct {
	Status   int
	Response []byte
	Header   http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("azure: request failed with status %d: %s", e.Status, string(e.Response))
}

// StatusCode implements retrypolicy.HTTPStatusError.
func (e *StatusError) StatusCode() int { return e.Status }

// RetryAfter implements retrypolicy.HTTPStatusError. It parses the
// integer-second Retry-After header Azure sends with 429 responses.
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	raw := e.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// IsNotFound reports whether err is a StatusError carrying a 404. Callers
// polling for deletion (spec.md §4.7 step 7, §4.9 rmproc) treat this as
// success rather than propagating it.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == http.StatusNotFound
}
