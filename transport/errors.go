package transport

import (
	"context"
	"errors"
	"strconv"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/dsmeta/errors"
)

const errnoKey = "x-errno"

var errnoCodes = map[syscall.Errno]codes.Code{
	syscall.ENOENT:     codes.NotFound,
	syscall.EEXIST:     codes.AlreadyExists,
	syscall.EINVAL:     codes.InvalidArgument,
	syscall.EBADMSG:    codes.DataLoss,
	syscall.ETIMEDOUT:  codes.DeadlineExceeded,
	syscall.EPERM:      codes.PermissionDenied,
	syscall.EACCES:     codes.PermissionDenied,
	syscall.ENOSPC:     codes.ResourceExhausted,
	syscall.EBUSY:      codes.Aborted,
	syscall.EOPNOTSUPP: codes.Unimplemented,
	syscall.ECANCELED:  codes.Canceled,
}

var errnoSentinels = map[syscall.Errno]*apierrors.Error{
	syscall.ENOENT:     apierrors.ErrNotFound,
	syscall.EEXIST:     apierrors.ErrExist,
	syscall.ENOTEMPTY:  apierrors.ErrNotEmpty,
	syscall.EINVAL:     apierrors.ErrInvalidArgument,
	syscall.EBADMSG:    apierrors.ErrCorrupted,
	syscall.ENOTCONN:   apierrors.ErrNoContact,
	syscall.ETIMEDOUT:  apierrors.ErrTimeout,
	syscall.EPERM:      apierrors.ErrPermission,
	syscall.EACCES:     apierrors.ErrAccess,
	syscall.ENOSPC:     apierrors.ErrNoSpace,
	syscall.EBUSY:      apierrors.ErrBusy,
	syscall.EOPNOTSUPP: apierrors.ErrNotSupported,
	syscall.ECANCELED:  apierrors.ErrStopped,
	syscall.ENODEV:     apierrors.ErrFsNotExist,
}

// toStatus turns a handler error into a grpc status and sends the errno as
// trailer, so the client gets the same error back.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	errno := syscall.Errno(apierrors.Code(err))
	grpc.SetTrailer(ctx, metadata.Pairs(errnoKey, strconv.Itoa(int(errno))))
	code, ok := errnoCodes[errno]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus is the reverse of toStatus, transport failures are no contact.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.Wrapf(apierrors.ErrTimeout, "%s", err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return apierrors.Wrapf(apierrors.ErrNoContact, "%s", err)
	}
	if vals := trailer.Get(errnoKey); len(vals) > 0 {
		if n, perr := strconv.Atoi(vals[0]); perr == nil {
			if base, ok := errnoSentinels[syscall.Errno(n)]; ok {
				return apierrors.Wrapf(base, "%s", st.Message())
			}
			return apierrors.Newf(syscall.Errno(n), "%s", st.Message())
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return apierrors.Wrapf(apierrors.ErrTimeout, "%s", st.Message())
	case codes.Unavailable, codes.Canceled:
		return apierrors.Wrapf(apierrors.ErrNoContact, "%s", st.Message())
	default:
		return apierrors.Wrapf(apierrors.ErrIO, "%s", st.Message())
	}
}
