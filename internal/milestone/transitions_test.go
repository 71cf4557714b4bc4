package milestone

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingFund, StatusFunded, true},
		{StatusFunded, StatusDelivered, true},
		{StatusDelivered, StatusDelivered, true},
		{StatusSubmitted, StatusApproved, true},
		{StatusDelivered, StatusApproved, true},
		{StatusApproved, StatusReleased, true},
		{StatusFunded, StatusDisputedByClient, true},
		{StatusDelivered, StatusDisputedByFreelancer, true},
		{StatusDisputedByClient, StatusDisputedWithCounterSide, true},
		{StatusDisputedWithCounterSide, StatusResolvedToBuyer, true},
		{StatusDisputedWithCounterSide, StatusResolvedToVendor, true},
		{StatusFunded, StatusCancelled, true},

		{StatusPendingFund, StatusDelivered, false},
		{StatusFunded, StatusApproved, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusApproved, StatusDisputedByClient, false},
		{StatusDisputedByClient, StatusResolvedToBuyer, false},
		{StatusReleased, StatusFunded, false},
		{StatusFunded, StatusPendingFund, false},
		{StatusCancelled, StatusFunded, false},
		{StatusFunded, StatusSubmitted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestReachable(t *testing.T) {
	assert.True(t, Reachable(StatusPendingFund, StatusReleased))
	assert.True(t, Reachable(StatusFunded, StatusResolvedToVendor))
	assert.True(t, Reachable(StatusDelivered, StatusDelivered))
	assert.False(t, Reachable(StatusApproved, StatusCancelled))
	assert.False(t, Reachable(StatusReleased, StatusReleased))
	assert.False(t, Reachable(StatusDisputedByClient, StatusApproved))
}

func TestTransitionProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	statusGen := gen.OneConstOf(
		StatusPendingFund, StatusFunded, StatusSubmitted, StatusDelivered,
		StatusApproved, StatusReleased, StatusDisputedByClient,
		StatusDisputedByFreelancer, StatusDisputedWithCounterSide,
		StatusResolvedToBuyer, StatusResolvedToVendor, StatusCancelled,
	)

	properties.Property("terminal statuses have no outgoing edges", prop.ForAll(
		func(from, to Status) bool {
			return !IsTerminal(from) || !CanTransition(from, to)
		},
		statusGen, statusGen,
	))

	properties.Property("no edge ever writes the legacy submitted value", prop.ForAll(
		func(from Status) bool {
			return !CanTransition(from, StatusSubmitted)
		},
		statusGen,
	))

	properties.Property("no edge returns to pending_fund", prop.ForAll(
		func(from Status) bool {
			return !CanTransition(from, StatusPendingFund)
		},
		statusGen,
	))

	properties.Property("every single step is also reachable", prop.ForAll(
		func(from, to Status) bool {
			return !CanTransition(from, to) || Reachable(from, to)
		},
		statusGen, statusGen,
	))

	properties.Property("a random walk only visits statuses reachable from its start", prop.ForAll(
		func(choices []int) bool {
			cur := StatusPendingFund
			for _, c := range choices {
				next := Next(cur)
				if len(next) == 0 {
					return IsTerminal(cur)
				}
				to := next[c%len(next)]
				if !Reachable(StatusPendingFund, to) || !CanTransition(cur, to) {
					return false
				}
				cur = to
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 16)),
	))

	properties.TestingRun(t)
}

func TestStatus_Helpers(t *testing.T) {
	assert.Equal(t, StatusDelivered, StatusSubmitted.Effective())
	assert.Equal(t, StatusFunded, StatusFunded.Effective())
	assert.True(t, StatusDisputedWithCounterSide.IsDisputed())
	assert.False(t, StatusResolvedToBuyer.IsDisputed())
	assert.True(t, Status("disputedByClient").Valid())
	assert.False(t, Status("disputed_by_client").Valid())
}
