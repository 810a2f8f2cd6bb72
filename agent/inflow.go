package agent

import (
	"fmt"
	"sort"

	"github.com/hydronetics/watergrid-simulator/core"
)

// Schedule maps simulation time to a flow rate.
type Schedule func(now float64) float64

// Constant returns a schedule that always yields rate.
func Constant(rate float64) Schedule {
	return func(float64) float64 { return rate }
}

// StepEntry starts a new rate at time From.
type StepEntry struct {
	From float64
	Rate float64
}

// Steps builds a piecewise-constant schedule: the rate of the latest entry
// whose From is not after now, or 0 before the first entry.
func Steps(entries ...StepEntry) Schedule {
	sorted := make([]StepEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	return func(now float64) float64 {
		rate := 0.0
		for _, e := range sorted {
			if e.From > now {
				break
			}
			rate = e.Rate
		}
		return rate
	}
}

// InflowSource drives a head component's inflow from a time schedule,
// standing in for an upstream catchment or demand forecast.
type InflowSource struct {
	id       string
	target   core.FlowAccumulator
	schedule Schedule
}

// NewInflowSource constructs the agent.
func NewInflowSource(id string, target core.FlowAccumulator, schedule Schedule) (*InflowSource, error) {
	if target == nil {
		return nil, fmt.Errorf("agent: %s: nil target", id)
	}
	if schedule == nil {
		return nil, fmt.Errorf("agent: %s: nil schedule", id)
	}
	return &InflowSource{id: id, target: target, schedule: schedule}, nil
}

// ID implements core.Agent.
func (s *InflowSource) ID() string { return s.id }

// Priority implements core.Prioritized: inflow sources run before the
// default-priority perception and control agents so twins observe the
// tick's inflow.
func (s *InflowSource) Priority() int { return -10 }

// Run implements core.Agent.
func (s *InflowSource) Run(now float64) error {
	s.target.SetInflow(s.schedule(now))
	return nil
}
