package rpcx

import (
	"errors"
	"strings"

	"github.com/cuemby/vdisk/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeToGRPC maps the management surface's normalised error taxonomy
// (spec.md §7) onto the closest grpc status code, so generic grpc
// middleware (retries, logging, load balancers) still makes sensible
// decisions even though the wire payload is JSON rather than protobuf.
var codeToGRPC = map[types.ErrorCode]codes.Code{
	types.ErrObjectNotFound:               codes.NotFound,
	types.ErrInvalidOperation:             codes.InvalidArgument,
	types.ErrSnapshotNotFound:             codes.NotFound,
	types.ErrSnapshotNameAlreadyExists:    codes.AlreadyExists,
	types.ErrFileExists:                   codes.AlreadyExists,
	types.ErrInsufficientResources:        codes.ResourceExhausted,
	types.ErrPreviousSnapshotNotOnBackend: codes.FailedPrecondition,
	types.ErrObjectStillHasChildren:       codes.FailedPrecondition,
	types.ErrRemoteTimeout:                codes.DeadlineExceeded,
	types.ErrRequestTimeout:               codes.DeadlineExceeded,
	types.ErrObjectNotRunningHere:         codes.Unavailable,
}

// ToStatus converts a *types.Error (or any other error) into a grpc status
// error. The original ErrorCode is carried in the message as "code: text"
// so FromStatus can recover it without protobuf status details, which the
// JSON codec has no representation for.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var te *types.Error
	if !errors.As(err, &te) {
		return status.Error(codes.Internal, err.Error())
	}
	grpcCode, ok := codeToGRPC[te.Code]
	if !ok {
		grpcCode = codes.Unknown
	}
	return status.Error(grpcCode, string(te.Code)+": "+te.Message)
}

// FromStatus recovers a *types.Error from an error returned by a Call, when
// the server produced it with ToStatus. Errors that do not carry a
// recognised code prefix are returned as grpc status errors unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	sep := strings.Index(msg, ": ")
	if sep < 0 {
		return err
	}
	code := types.ErrorCode(msg[:sep])
	if _, known := codeToGRPC[code]; !known {
		return err
	}
	return &types.Error{Code: code, Message: msg[sep+2:]}
}
