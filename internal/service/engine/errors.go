package engine

import (
	"google.golang.org/grpc/codes"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/graceful"
)

func init() {
	graceful.RegisterErrorMap(map[error]graceful.ErrorMapEntry{
		pkgerrors.ErrOperationNotFound:   {Code: codes.NotFound, Msg: "operation not found"},
		pkgerrors.ErrServiceNotFound:     {Code: codes.NotFound, Msg: "service not found"},
		pkgerrors.ErrUnknownEnvironment:  {Code: codes.NotFound, Msg: "unknown environment"},
		pkgerrors.ErrCircularDependency:  {Code: codes.FailedPrecondition, Msg: "dependency graph has a circular dependency"},
		pkgerrors.ErrDanglingDependency:  {Code: codes.FailedPrecondition, Msg: "dependency graph has a dangling reference"},
		pkgerrors.ErrValidationFailed:    {Code: codes.FailedPrecondition, Msg: "pre-condition validation failed"},
		pkgerrors.ErrOperationInProgress: {Code: codes.AlreadyExists, Msg: "an operation is already running for this environment"},
		pkgerrors.ErrOperationNotActive:  {Code: codes.FailedPrecondition, Msg: "operation is not active"},
		pkgerrors.ErrInvalidTransition:   {Code: codes.FailedPrecondition, Msg: "operation status does not allow this"},
		pkgerrors.ErrInvalidInput:        {Code: codes.InvalidArgument, Msg: "invalid input"},
	})
}
