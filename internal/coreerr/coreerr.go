// Package coreerr defines the typed error taxonomy shared by the Store,
// Queue, Gate Engine, Run Coordinator, and Worker. Every error that crosses
// a component boundary is one of these classes so callers can branch on
// classification instead of matching message strings.
package coreerr

import "fmt"

// Class identifies how a caller should react to an error.
type Class string

const (
	InvalidPlan       Class = "InvalidPlan"
	NotFound          Class = "NotFound"
	InvalidTransition Class = "InvalidTransition"
	AlreadyExists     Class = "AlreadyExists"
	Transient         Class = "Transient"
	Fatal             Class = "Fatal"
	Timeout           Class = "Timeout"
	DuplicateDelivery Class = "DuplicateDelivery"
)

// Retryable reports whether a worker should retry on this classification.
func (c Class) Retryable() bool {
	return c == Transient
}

// Error is the concrete typed error carrying a classification.
type Error struct {
	Class   Class
	Entity  string
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s %s", e.Class, e.Entity, e.Key)
	}
	return string(e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the Class from err, defaulting to Fatal for unclassified errors.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ce *Error
	if as(err, &ce) {
		return ce.Class
	}
	return Fatal
}

func as(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func NewNotFound(entity, key string) error {
	return &Error{Class: NotFound, Entity: entity, Key: key}
}

func NewAlreadyExists(entity, key string) error {
	return &Error{Class: AlreadyExists, Entity: entity, Key: key}
}

func NewInvalidTransition(msg string) error {
	return &Error{Class: InvalidTransition, Message: msg}
}

func NewInvalidPlan(msg string) error {
	return &Error{Class: InvalidPlan, Message: msg}
}

func NewFatal(msg string, err error) error {
	return &Error{Class: Fatal, Message: msg, Err: err}
}

func NewTransient(msg string, err error) error {
	return &Error{Class: Transient, Message: msg, Err: err}
}

func NewTimeout(msg string) error {
	return &Error{Class: Timeout, Message: msg}
}
