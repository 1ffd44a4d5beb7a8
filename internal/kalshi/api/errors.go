package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"unicode/utf8"
)

// StatusClass is the outcome category of an HTTP status code.
type StatusClass int

const (
	ClassUnexpected StatusClass = iota
	ClassSuccess
	ClassClientError
	ClassServerError
)

func (c StatusClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassClientError:
		return "client error"
	case ClassServerError:
		return "server error"
	default:
		return "unexpected status"
	}
}

// Classify maps a status code to its class. It looks at nothing but the code.
func Classify(status int) StatusClass {
	switch {
	case status >= 200 && status <= 299:
		return ClassSuccess
	case status >= 400 && status <= 499:
		return ClassClientError
	case status >= 500 && status <= 599:
		return ClassServerError
	default:
		return ClassUnexpected
	}
}

// RequestError is a response with a non-2xx status. Body holds the raw
// response body, which usually carries the exchange's error code and message.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Class      StatusClass
	Body       []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %s, status code %d: %s", e.Method, e.URL, e.Class, e.StatusCode, truncate(e.Body, maxErrorBody))
}

// Temporary reports whether a caller may retry: server errors only.
func (e *RequestError) Temporary() bool {
	return e.Class == ClassServerError
}

// TransportError means no usable HTTP response was received: dial failures,
// timeouts, resets, malformed responses or a body that could not be read.
// It has no status code.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// DecodeError is a 2xx response whose body did not match the expected type.
type DecodeError struct {
	Method string
	URL    string
	Body   []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s %s: couldn't decode response: %v: %s", e.Method, e.URL, e.Err, truncate(e.Body, maxErrorBody))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrorBody is the error shape Kalshi returns on 4xx and 5xx responses.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

// ExchangeError parses the exchange's error payload out of a RequestError
// body. ok is false when the body is not in that shape.
func (e *RequestError) ExchangeError() (ErrorBody, bool) {
	var body ErrorBody
	if err := unmarshal(e.Body, &body); err != nil || body.Error.Code == "" {
		return ErrorBody{}, false
	}
	return body, true
}

const maxErrorBody = 512

// truncate cuts b to at most n bytes without splitting a UTF-8 sequence.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "...(truncated)"
}
