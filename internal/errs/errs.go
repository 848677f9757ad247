/*
Copyright 2024 The Deployrs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs defines the error kinds bubbled up to the CLI layer, per the
// deployment core's error handling design. Every kind wraps an underlying
// error through gravitational/trace so stack and cause information survive
// all the way to the top.
package errs

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind identifies one of the deployment core's error categories.
type Kind string

const (
	KindInput               Kind = "input"
	KindEvaluation          Kind = "evaluation"
	KindBuild               Kind = "build"
	KindPush                Kind = "push"
	KindActivation          Kind = "activation"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindRollback            Kind = "rollback"
	KindTransport           Kind = "transport"
)

// Error is a kind-tagged, trace-wrapped error. Diagnostics attached via
// WithFields are carried alongside the wrapped error for the CLI/status
// layer to render without re-parsing the message.
type Error struct {
	kind   Kind
	err    error
	Node    string
	Profile string
	Phase   string
}

func (e *Error) Error() string {
	if e.Node == "" && e.Profile == "" {
		return e.err.Error()
	}
	return e.Node + "/" + e.Profile + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports which of the spec's error categories this error belongs to.
func (e *Error) Kind() Kind { return e.kind }

// WithFields attaches diagnostic context and returns the receiver for
// chaining at the call site, e.g. `return errs.Build(err, "nix build
// failed").WithFields(node, profile, "Preparing")`.
func (e *Error) WithFields(node, profile, phase string) *Error {
	e.Node, e.Profile, e.Phase = node, profile, phase
	return e
}

func wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		err = trace.Errorf(format, args...)
	} else {
		err = trace.Wrap(err, format, args...)
	}
	return &Error{kind: kind, err: err}
}

func Input(err error, format string, args ...interface{}) *Error {
	return wrap(KindInput, err, format, args...)
}

func Evaluation(err error, format string, args ...interface{}) *Error {
	return wrap(KindEvaluation, err, format, args...)
}

func Build(err error, format string, args ...interface{}) *Error {
	return wrap(KindBuild, err, format, args...)
}

func Push(err error, format string, args ...interface{}) *Error {
	return wrap(KindPush, err, format, args...)
}

func Activation(err error, format string, args ...interface{}) *Error {
	return wrap(KindActivation, err, format, args...)
}

func ConfirmationTimeout(err error, format string, args ...interface{}) *Error {
	return wrap(KindConfirmationTimeout, err, format, args...)
}

func Rollback(err error, format string, args ...interface{}) *Error {
	return wrap(KindRollback, err, format, args...)
}

func Transport(err error, format string, args ...interface{}) *Error {
	return wrap(KindTransport, err, format, args...)
}

// KindOf reports the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}
