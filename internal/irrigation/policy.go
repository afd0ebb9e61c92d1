package irrigation

import "fmt"

// ExpiryPolicy decides what happens to a request whose approval deadline
// passed without an answer.
type ExpiryPolicy interface {
	// AutoApprove reports whether r should be approved instead of expired.
	AutoApprove(r *Request) bool
	Name() string
}

// ExpirePolicy expires every unanswered request.
type ExpirePolicy struct{}

// AutoApprove implements ExpiryPolicy.
func (ExpirePolicy) AutoApprove(*Request) bool { return false }

// Name implements ExpiryPolicy.
func (ExpirePolicy) Name() string { return "expire" }

// LowRiskAutoApprovePolicy approves unanswered requests whose dose is at
// most MaxVolumeML and that were never delayed. Anything else expires.
type LowRiskAutoApprovePolicy struct {
	MaxVolumeML float64
}

// AutoApprove implements ExpiryPolicy.
func (p LowRiskAutoApprovePolicy) AutoApprove(r *Request) bool {
	return p.MaxVolumeML > 0 && r.DelayCount == 0 && r.RequestedVolumeML <= p.MaxVolumeML
}

// Name implements ExpiryPolicy.
func (LowRiskAutoApprovePolicy) Name() string { return "auto_approve_low_risk" }

// PolicyByName returns the policy configured as name. An empty name is
// ExpirePolicy.
func PolicyByName(name string, maxVolumeML float64) (ExpiryPolicy, error) {
	switch name {
	case "", "expire":
		return ExpirePolicy{}, nil
	case "auto_approve_low_risk":
		return LowRiskAutoApprovePolicy{MaxVolumeML: maxVolumeML}, nil
	default:
		return nil, fmt.Errorf("unknown irrigation expiry policy %q", name)
	}
}
