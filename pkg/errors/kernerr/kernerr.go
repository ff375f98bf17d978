// Copyright 2026 The vmsim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kernerr contains the kernel error codes used by the VM subsystem,
// exported as *errors.Error pointers so they can be compared directly.
package kernerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"

	"github.com/os161/vmsim/pkg/errors"
)

// Kernel errno numbers.
const (
	errnoENOSYS       errors.Errno = 1
	errnoEUNIMP       errors.Errno = 2
	errnoENOMEM       errors.Errno = 3
	errnoEAGAIN       errors.Errno = 4
	errnoEINTR        errors.Errno = 5
	errnoEFAULT       errors.Errno = 6
	errnoEINVAL       errors.Errno = 8
	errnoENPROC       errors.Errno = 12
	errnoENOEXEC      errors.Errno = 13
	errnoE2BIG        errors.Errno = 14
	errnoESRCH        errors.Errno = 15
	errnoECHILD       errors.Errno = 16
	errnoENOENT       errors.Errno = 19
	errnoEIO          errors.Errno = 32
	errnoENAMETOOLONG errors.Errno = 37
)

var (
	ENOSYS       = errors.New(errnoENOSYS, "no such system call")
	EUNIMP       = errors.New(errnoEUNIMP, "unimplemented feature")
	ENOMEM       = errors.New(errnoENOMEM, "out of memory")
	EAGAIN       = errors.New(errnoEAGAIN, "operation would block")
	EINTR        = errors.New(errnoEINTR, "interrupted system call")
	EFAULT       = errors.New(errnoEFAULT, "bad memory reference")
	EINVAL       = errors.New(errnoEINVAL, "invalid argument")
	ENPROC       = errors.New(errnoENPROC, "too many processes in system")
	ENOEXEC      = errors.New(errnoENOEXEC, "file is not executable")
	E2BIG        = errors.New(errnoE2BIG, "argument list too long")
	ESRCH        = errors.New(errnoESRCH, "no such process")
	ECHILD       = errors.New(errnoECHILD, "no child processes")
	ENOENT       = errors.New(errnoENOENT, "no such file or directory")
	EIO          = errors.New(errnoEIO, "hardware I/O error")
	ENAMETOOLONG = errors.New(errnoENAMETOOLONG, "string too long")
)

// unixErrnos maps kernel errors onto the closest host errno.
var unixErrnos = map[*errors.Error]unix.Errno{
	ENOSYS:       unix.ENOSYS,
	EUNIMP:       unix.ENOSYS,
	ENOMEM:       unix.ENOMEM,
	EAGAIN:       unix.EAGAIN,
	EINTR:        unix.EINTR,
	EFAULT:       unix.EFAULT,
	EINVAL:       unix.EINVAL,
	ENPROC:       unix.EAGAIN,
	ENOEXEC:      unix.ENOEXEC,
	E2BIG:        unix.E2BIG,
	ESRCH:        unix.ESRCH,
	ECHILD:       unix.ECHILD,
	ENOENT:       unix.ENOENT,
	EIO:          unix.EIO,
	ENAMETOOLONG: unix.ENAMETOOLONG,
}

// FromError returns the kernel error wrapped anywhere in err's chain.
func FromError(err error) (*errors.Error, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Equals returns true if err is, or wraps, e.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	got, ok := FromError(err)
	return ok && got == e
}

// ToUnix converts err to the host errno used for process exit statuses. Errors
// that carry no kernel error map to EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	e, ok := FromError(err)
	if !ok {
		return unix.EIO
	}
	if u, ok := unixErrnos[e]; ok {
		return u
	}
	return unix.EIO
}
