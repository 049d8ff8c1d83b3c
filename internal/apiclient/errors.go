package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Error kinds. An *APIError unwraps to exactly one of these.
var (
	ErrValidation  = errors.New("validation error")
	ErrAuth        = errors.New("authentication required")
	ErrForbidden   = errors.New("access denied")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrNetwork     = errors.New("network error")
)

// SessionExpiredMessage is the message of every 401 failure.
const SessionExpiredMessage = "Session expired. Please log in again."

// APIError is the single typed failure returned by the client. Message is
// already human readable; callers display it without further interpretation.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
	Kind       error
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *APIError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// AsAPIError returns the *APIError in err's chain, or nil.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrServer
	}
}

func newStatusError(status int, body []byte, requestID string) *APIError {
	return &APIError{
		StatusCode: status,
		Message:    errorMessage(status, body),
		RequestID:  requestID,
		Kind:       kindForStatus(status),
	}
}

func newNetworkError(err error, requestID string) *APIError {
	return &APIError{
		Message:   fmt.Sprintf("network error: %v", err),
		RequestID: requestID,
		Kind:      ErrNetwork,
		Err:       err,
	}
}

// errorMessage resolves an error body to one message. A list detail holds
// field validation errors and is joined as "field: msg; field: msg".
func errorMessage(status int, body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		if text := http.StatusText(status); text != "" {
			return text
		}
		return fmt.Sprintf("API error: %d", status)
	}

	detail := gjson.GetBytes(body, "detail")
	switch {
	case detail.IsArray():
		var parts []string
		detail.ForEach(func(_, item gjson.Result) bool {
			parts = append(parts, validationMessage(item))
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	case detail.Type == gjson.String && detail.String() != "":
		return detail.String()
	}

	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.String() != "" {
		return msg.String()
	}
	return fmt.Sprintf("API error: %d", status)
}

func validationMessage(item gjson.Result) string {
	msg := item.Get("msg").String()
	if msg == "" {
		msg = "Validation error"
	}
	loc := item.Get("loc").Array()
	if len(loc) == 0 {
		return msg
	}
	field := loc[len(loc)-1].String()
	if field == "" {
		return msg
	}
	return field + ": " + msg
}
