// Package errors vends the error type shared by lanlinker components. Each
// error carries a code that maps onto an HTTP status so handlers can translate
// failures at the router boundary.
package errors

import (
	"errors"
	"net/http"
	"strings"
)

type Code string

const (
	CodeBadRequest     Code = "BadRequest"
	CodeForbidden      Code = "Forbidden"
	CodeNotFound       Code = "NotFound"
	CodeTooLarge       Code = "TooLarge"
	CodeServiceFailure Code = "ServiceFailure"
)

type Err struct {
	Code  Code
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

func (e *Err) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error. Prefer NewXxx(msg).WithCause(err)
// over a two-argument constructor so the cause is explicit at call sites.
func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

// Trace renders the error and its chain of causes, one per line.
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	depth := 1
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("\t", depth))
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		depth++
	}
	return b.String()
}

// StatusCode returns the http response status code associated with the error.
func (e *Err) StatusCode() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func NewBadInput(m string) *Err {
	return &Err{Code: CodeBadRequest, msg: m}
}

func NewForbidden(m string) *Err {
	return &Err{Code: CodeForbidden, msg: m}
}

func NewNotFound(m string) *Err {
	return &Err{Code: CodeNotFound, msg: m}
}

func NewTooLarge(m string) *Err {
	return &Err{Code: CodeTooLarge, msg: m}
}

func NewServiceFailure(m string) *Err {
	return &Err{Code: CodeServiceFailure, msg: m}
}

// As unwraps err into an *Err. Errors that are not an *Err are treated as
// service failures carrying err as their cause.
func As(err error) *Err {
	if err == nil {
		return nil
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	return NewServiceFailure("internal error").WithCause(err)
}
