/**
 * @description
 * The no-op payout rail used for deterministic testing and local
 * development. Eligibility always succeeds and dispatch always succeeds
 * synchronously with a constructed reference, so the engine's own branching
 * can be exercised without any external calls.
 */

package mockrail

import (
	"context"

	"github.com/claimlink/payout-service/internal/provider"
)

// Rail is the always-succeed adapter.
type Rail struct {
	name string
}

// New creates a mock rail with a display name.
func New(name string) *Rail {
	if name == "" {
		name = "mock"
	}
	return &Rail{name: name}
}

func (r *Rail) Name() string {
	return r.name
}

func (r *Rail) CheckEligibility(ctx context.Context, req provider.PayoutRequest) provider.EligibilityResult {
	return provider.EligibilityResult{Status: provider.StatusSuccess}
}

func (r *Rail) Dispatch(ctx context.Context, phase provider.Phase, req provider.PayoutRequest) provider.DispatchResult {
	if phase == provider.PhasePrecheck {
		return provider.DispatchResult{Status: provider.StatusSuccess}
	}
	reference := req.Reference
	if reference == "" {
		reference = r.name + ":" + req.AttemptID.String()
	}
	return provider.DispatchResult{
		Status:            provider.StatusSuccess,
		ProviderReference: reference,
	}
}
