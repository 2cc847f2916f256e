// Package api provides functionality for interacting with the WorkOS User Management REST API.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

var rateLimitRe = regexp.MustCompile(`(?i)rate.?limit`)

var duplicateRe = regexp.MustCompile(`(?i)already.?(exists|assigned|a member)|duplicate`)

// Error represents a structured error response from the WorkOS API.
// Status is the HTTP status code; Code and Message come from the response body,
// and RequestID from the X-Request-ID header.
type Error struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("workos api error (status %d, code %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("workos api error (status %d): %s", e.Status, e.Message)
}

// IsNotFound reports whether the error is a 404.
func (e *Error) IsNotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsRateLimit reports whether the error indicates throttling, either by
// status code or by a rate-limit phrase in the message.
func (e *Error) IsRateLimit() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	return rateLimitRe.MatchString(e.Message) || rateLimitRe.MatchString(e.Code)
}

// IsDuplicate reports whether the error indicates the resource already exists.
// The API signals this with a 409 and an already-exists style code or message.
func (e *Error) IsDuplicate() bool {
	if e.Status != http.StatusConflict {
		return false
	}
	return duplicateRe.MatchString(e.Code) || duplicateRe.MatchString(e.Message)
}

// IsAuth reports whether the error is an authentication or authorization failure.
func (e *Error) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// errorBody mirrors the JSON shapes the API uses for error responses.
// Most endpoints return {"code": ..., "message": ...}; the OAuth-style
// endpoints return {"error": ..., "error_description": ...}.
type errorBody struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// newError builds an *Error from a non-2xx response, draining the body.
func newError(resp *http.Response) *Error {
	apiErr := &Error{
		Status:    resp.StatusCode,
		RequestID: resp.Header.Get("X-Request-ID"),
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		apiErr.RetryAfter = parseRetryAfter(ra)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(body) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}

	apiErr.Code = eb.Code
	apiErr.Message = eb.Message
	if apiErr.Code == "" {
		apiErr.Code = eb.ErrorCode
	}
	if apiErr.Message == "" {
		apiErr.Message = eb.ErrorDescription
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// parseRetryAfter interprets a Retry-After header value, which is either a
// delay in seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
