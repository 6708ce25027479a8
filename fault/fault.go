// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fault defines the error taxonomy of a reconstruction run.
// Every failure that influences how a run terminates is classified:
// resource failures may be retried locally by shrinking work,
// configuration failures are fatal at setup, numerical divergence halts
// the run, and coordination failures are resolved by policy at the
// aggregation barrier.
//
// Faults are plain values so that they survive gob encoding; remote
// workers report the class of a failure alongside its message, and the
// driver reconstructs an equivalent *Error.
package fault

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Class is the class of a fault.
type Class int

const (
	// Unknown is the class of errors that are not faults.
	Unknown Class = iota
	// Allocation indicates that device memory was exhausted. It is
	// retryable by reducing the batch size.
	Allocation
	// ShapeMismatch indicates that batch geometry does not fit the
	// current state (e.g., a probe footprint falls outside the object).
	ShapeMismatch
	// BatchTooLarge indicates that a single position does not fit the
	// device memory budget.
	BatchTooLarge
	// NumericalDivergence indicates a non-finite value in the forward
	// model or the objective.
	NumericalDivergence
	// PartitionTimeout indicates that one or more partitions failed to
	// report at the aggregation barrier in time.
	PartitionTimeout
	// Canceled indicates that the run was canceled by its caller.
	Canceled

	maxClass
)

var classes = [...]string{
	Unknown:             "unknown",
	Allocation:          "AllocationError",
	ShapeMismatch:       "ShapeMismatchError",
	BatchTooLarge:       "BatchTooLargeError",
	NumericalDivergence: "NumericalDivergenceError",
	PartitionTimeout:    "PartitionTimeoutError",
	Canceled:            "canceled",
}

// String returns the name of the class.
func (c Class) String() string {
	if c < 0 || c >= maxClass {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classes[c]
}

// Retryable tells whether a fault of this class may be retried
// locally.
func (c Class) Retryable() bool { return c == Allocation }

// Fatal tells whether a fault of this class is a configuration error
// that must never be retried.
func (c Class) Fatal() bool { return c == ShapeMismatch || c == BatchTooLarge }

// Error is a classified error.
type Error struct {
	// Class is the fault's class.
	Class Class
	// Op names the operation that failed.
	Op string
	// Err is the underlying error, if any.
	Err error
}

// E constructs a new fault of the given class. The remaining
// arguments are formatted into the error's message in the manner of
// fmt.Sprint; an argument of type error is kept as the underlying
// error.
func E(class Class, op string, args ...interface{}) *Error {
	e := &Error{Class: class, Op: op}
	var msg []string
	for _, arg := range args {
		if err, ok := arg.(error); ok && e.Err == nil {
			e.Err = err
			continue
		}
		msg = append(msg, fmt.Sprint(arg))
	}
	if len(msg) > 0 {
		text := strings.Join(msg, " ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %v", text, e.Err)
		} else {
			e.Err = errors.New(text)
		}
	}
	return e
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Class.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the fault class of err. Errors wrapped by
// github.com/grailbio/base/errors and errors that implement Unwrap are
// traversed. Context cancellation is reported as Canceled.
func ClassOf(err error) Class {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Class
		case *errors.Error:
			if e.Kind == errors.Canceled {
				return Canceled
			}
			err = e.Err
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			if err == context.Canceled {
				return Canceled
			}
			return Unknown
		}
	}
	return Unknown
}

// Is tells whether err is a fault of class c.
func Is(c Class, err error) bool {
	return err != nil && ClassOf(err) == c
}

// Message returns the message of err stripped of its fault
// decoration, suitable for reconstructing the fault remotely with
// E(ClassOf(err), op, Message(err)).
func Message(err error) string {
	if e, ok := err.(*Error); ok {
		if e.Err == nil {
			return ""
		}
		return e.Err.Error()
	}
	return err.Error()
}
