package backend

import (
	"context"

	"github.com/pkg/errors"
)

type validator interface {
	Validate() error
}

func invoke[T any, PT interface {
	*T
	validator
}](ctx context.Context, b Identity, fn string, payload any) (*T, error) {
	out := PT(new(T))
	if err := b.Invoke(ctx, fn, payload, out); err != nil {
		return nil, errors.Wrapf(err, "[backend.%s]", fn)
	}
	if err := out.Validate(); err != nil {
		return nil, errors.Wrapf(err, "[backend.%s]", fn)
	}
	return (*T)(out), nil
}

// StartImpersonation writes the audit record and mints a short-lived session for the target.
func StartImpersonation(ctx context.Context, b Identity, req StartImpersonationRequest) (*ImpersonationStartResult, error) {
	return invoke[ImpersonationStartResult](ctx, b, FnStartImpersonation, req)
}

// StopImpersonation marks the audit record ended.
func StopImpersonation(ctx context.Context, b Identity, req StopImpersonationRequest) (*ImpersonationStopResult, error) {
	return invoke[ImpersonationStopResult](ctx, b, FnStopImpersonation, req)
}

func CreateTeamAndOwner(ctx context.Context, b Identity, req CreateTeamRequest) (*CreateTeamResult, error) {
	return invoke[CreateTeamResult](ctx, b, FnCreateTeamAndOwner, req)
}

func InviteMember(ctx context.Context, b Identity, req InviteMemberRequest) (*InviteMemberResult, error) {
	return invoke[InviteMemberResult](ctx, b, FnInviteMember, req)
}

func TransferOwnership(ctx context.Context, b Identity, req TransferOwnershipRequest) error {
	if err := b.Invoke(ctx, FnTransferOwnership, req, nil); err != nil {
		return errors.Wrapf(err, "[backend.%s]", FnTransferOwnership)
	}
	return nil
}
