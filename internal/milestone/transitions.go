package milestone

// edges is the complete set of persisted status transitions. Anything not
// listed here is illegal, including reverse moves.
var edges = map[Status][]Status{
	StatusPendingFund: {StatusFunded},
	StatusFunded: {
		StatusDelivered,
		StatusDisputedByClient,
		StatusDisputedByFreelancer,
		StatusCancelled,
	},
	// Re-delivery replaces the proposed work while awaiting approval.
	StatusDelivered: {
		StatusDelivered,
		StatusApproved,
		StatusDisputedByClient,
		StatusDisputedByFreelancer,
	},
	StatusSubmitted: {
		StatusDelivered,
		StatusApproved,
		StatusDisputedByClient,
		StatusDisputedByFreelancer,
	},
	StatusApproved:                {StatusReleased},
	StatusDisputedByClient:        {StatusDisputedWithCounterSide},
	StatusDisputedByFreelancer:    {StatusDisputedWithCounterSide},
	StatusDisputedWithCounterSide: {StatusResolvedToBuyer, StatusResolvedToVendor},
}

// CanTransition reports whether from -> to is a single legal step.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func Next(s Status) []Status {
	out := make([]Status, len(edges[s]))
	copy(out, edges[s])
	return out
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusReleased, StatusResolvedToBuyer, StatusResolvedToVendor, StatusCancelled:
		return true
	}
	return false
}

// Reachable reports whether to can be reached from from in one or more steps.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range edges[cur] {
			if n == to {
				return true
			}
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}
