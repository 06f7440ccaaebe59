package engine

const (
	// EgressCostPerGB is the assumed cost of moving one GB out of the current provider.
	EgressCostPerGB = 0.09

	// MaxBreakEvenHours is the longest a move may take to pay for itself.
	MaxBreakEvenHours = 24.0
)

// EgressGuard decides whether relocating a workload is worth its data transfer cost.
type EgressGuard struct {
	CostPerGB         float64
	MaxBreakEvenHours float64
}

// NewEgressGuard returns a guard with the default constants.
func NewEgressGuard() EgressGuard {
	return EgressGuard{CostPerGB: EgressCostPerGB, MaxBreakEvenHours: MaxBreakEvenHours}
}

// IsSafeToMove reports whether moving datasetGB from an instance costing
// current per hour to one costing target per hour breaks even in time.
// A target that is not cheaper is never safe.
func (g EgressGuard) IsSafeToMove(target, current float64, datasetGB int) bool {
	savings := current - target
	if savings <= 0 {
		return false
	}

	moveCost := float64(datasetGB) * g.CostPerGB
	return moveCost/savings < g.MaxBreakEvenHours
}
