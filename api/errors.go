package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried by every error the client returns.
const (
	TextCodeInvalidURL     = "INVALID_URL"
	TextCodeRequestFailed  = "REQUEST_FAILED"
	TextCodeDecodingFailed = "DECODING_FAILED"
	TextCodeServerError    = "SERVER_ERROR"
	TextCodeSessionExpired = "SESSION_EXPIRED"
)

func errInvalidURL(raw string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, goerrors.CategoryBadInput, "Invalid URL").
		WithTextCode(TextCodeInvalidURL).
		WithMetadata(map[string]any{"url": raw})
}

func errRequestFailed(cause error) *goerrors.Error {
	return goerrors.Wrap(cause, goerrors.CategoryExternal, "Request failed").
		WithTextCode(TextCodeRequestFailed)
}

func errDecodingFailed(cause error) *goerrors.Error {
	return goerrors.Wrap(cause, goerrors.CategoryOperation, "Decoding failed").
		WithTextCode(TextCodeDecodingFailed)
}

func errServer(status int, message string) *goerrors.Error {
	return goerrors.New(message, categoryForStatus(status)).
		WithCode(status).
		WithTextCode(TextCodeServerError)
}

func errSessionExpired() *goerrors.Error {
	return goerrors.New("Session expired", goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(TextCodeSessionExpired)
}

func categoryForStatus(status int) goerrors.Category {
	switch {
	case status == http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case status == http.StatusForbidden:
		return goerrors.CategoryAuthz
	case status == http.StatusNotFound:
		return goerrors.CategoryNotFound
	case status == http.StatusConflict:
		return goerrors.CategoryConflict
	case status == http.StatusUnprocessableEntity:
		return goerrors.CategoryValidation
	case status == http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	case status >= 400 && status < 500:
		return goerrors.CategoryBadInput
	case status >= 500:
		return goerrors.CategoryExternal
	}
	return goerrors.CategoryInternal
}

// TextCode returns the classification of err, or "" when err did not come
// from this package.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// StatusCode returns the HTTP status attached to a server error, or 0.
func StatusCode(err error) int {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Code
	}
	return 0
}

// Message returns the user-facing message of err: the server's detail for
// server errors, the go-errors message otherwise.
func Message(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if cause := errors.Unwrap(richErr); cause != nil && richErr.TextCode != TextCodeServerError {
			return fmt.Sprintf("%s: %v", richErr.Message, cause)
		}
		return richErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsSessionExpired reports whether err is the terminal 401 returned after a
// failed token refresh.
func IsSessionExpired(err error) bool {
	return TextCode(err) == TextCodeSessionExpired
}

// IsUnauthorized reports whether err carries a 401, including SessionExpired.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

type errorDetail struct {
	Detail json.RawMessage `json:"detail"`
}

type validationIssue struct {
	Msg *string `json:"msg"`
}

// parseError builds a ServerError from a non-2xx response body. It accepts
// {"detail": "..."} and the validation form {"detail": [{"msg": "..."}]};
// anything else gets a synthesized message.
func parseError(body []byte, status int) *goerrors.Error {
	var envelope errorDetail
	err := json.Unmarshal(body, &envelope)
	if err == nil && len(envelope.Detail) > 0 && string(envelope.Detail) != "null" {
		var detail string
		if err := json.Unmarshal(envelope.Detail, &detail); err == nil {
			return errServer(status, detail)
		}

		var issues []validationIssue
		if err := json.Unmarshal(envelope.Detail, &issues); err == nil &&
			len(issues) > 0 && issues[0].Msg != nil {
			return errServer(status, *issues[0].Msg)
		}
	}
	return errServer(status, fmt.Sprintf("Server returned error code: %d", status))
}
