package datafetcher

import (
	"context"
	"errors"
	"net"

	"github.com/hupe1980/loanmesh/core"
)

// Reason classifies a collaborator failure.
func Reason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.ReasonNotFound
	case errors.Is(err, core.ErrRateLimited):
		return core.ReasonRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return core.ReasonTimeout
	case errors.Is(err, core.ErrServiceUnavailable):
		return core.ReasonUnavailable
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return core.ReasonTimeout
		}
		return core.ReasonNetwork
	default:
		return core.ReasonUnavailable
	}
}

// collaboratorError maps err onto CollaboratorUnavailable. Cancellation is
// passed through untouched so the registry reports it as Cancelled.
func collaboratorError(collaborator string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if e, ok := core.AsError(err); ok {
		return e
	}
	return core.WrapError(core.CodeCollaboratorUnavail, err, "%s: %v", collaborator, err).
		WithDetail("reason", Reason(err)).
		WithDetail("collaborator", collaborator)
}
