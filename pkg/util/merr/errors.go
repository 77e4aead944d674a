// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceUnavailable = newGuessrError("service unavailable", 2, true)
	ErrServiceInternal    = newGuessrError("service internal error", 5, false)
	ErrServiceTimeout     = newGuessrError("service timeout", 13, true)

	// Identity related
	// 仅 ErrCredentialInvalid 与 ErrDuplicateSession 会以事件形式暴露给客户端。
	ErrCredentialInvalid = newGuessrError("credential invalid", 100, false, WithErrorType(InputError))
	ErrUserNotFound      = newGuessrError("user not found", 101, false)

	// Session related
	ErrDuplicateSession         = newGuessrError("account already has a live session", 200, false)
	ErrSessionNotFound          = newGuessrError("session not found", 201, false)
	ErrSessionAlreadyRegistered = newGuessrError("session already registered", 202, false)
	ErrReconnectTargetStale     = newGuessrError("reconnect target game is gone", 203, false)

	// Transport related
	ErrTransportWrite = newGuessrError("transport write failed", 300, true)

	// Parameter related
	ErrParameterInvalid = newGuessrError("invalid parameter", 1100, false, WithErrorType(InputError))
	ErrParameterMissing = newGuessrError("missing parameter", 1101, false, WithErrorType(InputError))
	ErrInvalidTimezone  = newGuessrError("invalid timezone", 1102, false, WithErrorType(InputError))

	// Store related
	ErrStoreFailed = newGuessrError("user store operation failed", 1200, true)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to guessrError
	errUnexpected = newGuessrError("unexpected error", (1<<16)-1, false)

	// General
	ErrOperationNotSupported = newGuessrError("unsupported operation", 3000, false)
)

type errorOption func(*guessrError)

func WithErrorType(etype ErrorType) errorOption {
	return func(err *guessrError) {
		err.errType = etype
	}
}

type guessrError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newGuessrError(msg string, code int32, retriable bool, options ...errorOption) guessrError {
	err := guessrError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e guessrError) code() int32 {
	return e.errCode
}

func (e guessrError) Error() string {
	return e.msg
}

func (e guessrError) Detail() string {
	return e.detail
}

func (e guessrError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(guessrError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
