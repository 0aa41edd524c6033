// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Error carries an errno-style code next to a human readable message.
type Error struct {
	Code syscall.Errno
	Msg  string
	base *Error
}

func (e *Error) Error() string {
	return e.Msg
}

// Unwrap returns the sentinel an error was derived from with Wrapf.
func (e *Error) Unwrap() error {
	if e.base == nil {
		return nil
	}
	return e.base
}

func newError(code syscall.Errno, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf returns a metadata exception with the given errno.
func Newf(code syscall.Errno, format string, a ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, a...)}
}

// Wrapf derives a detailed error from a sentinel, errors.Is still matches the sentinel.
func Wrapf(base *Error, format string, a ...interface{}) *Error {
	return &Error{Code: base.Code, Msg: base.Msg + ": " + fmt.Sprintf(format, a...), base: base}
}

var (
	ErrNotFound        = newError(syscall.ENOENT, "no such file or directory")
	ErrExist           = newError(syscall.EEXIST, "file exists")
	ErrNotEmpty        = newError(syscall.ENOTEMPTY, "container not empty")
	ErrNotDir          = newError(syscall.ENOTDIR, "not a container")
	ErrInvalidArgument = newError(syscall.EINVAL, "invalid argument")
	ErrCorrupted       = newError(syscall.EBADMSG, "corrupted metadata")
	ErrNoContact       = newError(syscall.ENOTCONN, "no contact to storage node")
	ErrTimeout         = newError(syscall.ETIMEDOUT, "operation timed out")
	ErrPermission      = newError(syscall.EPERM, "operation not permitted")
	ErrAccess          = newError(syscall.EACCES, "permission denied")
	ErrNoSpace         = newError(syscall.ENOSPC, "no space left")
	ErrBusy            = newError(syscall.EBUSY, "resource busy")
	ErrAmbiguous       = newError(syscall.EALREADY, "repair refused, ground truth is ambiguous")
	ErrNotSupported    = newError(syscall.EOPNOTSUPP, "operation not supported")
	ErrStopped         = newError(syscall.ECANCELED, "service stopped")
	ErrIO              = newError(syscall.EIO, "input/output error")

	ErrNodeNotExist     = newError(syscall.ENODEV, "node does not exist")
	ErrNodeAlreadyExist = newError(syscall.EEXIST, "node already exists")
	ErrFsNotExist       = newError(syscall.ENODEV, "file system does not exist")
	ErrGroupNotExist    = newError(syscall.ENOENT, "group does not exist")
	ErrSpaceNotExist    = newError(syscall.ENOENT, "space does not exist")
	ErrNoAvailableFs    = newError(syscall.ENOSPC, "no available file system")
)

// Code maps any error to an errno, 0 for nil and EIO for unknown errors.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return int(e.Code)
	}
	return int(syscall.EIO)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}
