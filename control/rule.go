package control

import (
	"fmt"
	"sort"

	"github.com/hydronetics/watergrid-simulator/core"
)

// ThresholdRule maps an observation threshold to a fixed output.
type ThresholdRule struct {
	Threshold float64
	Output    float64
}

// Rules is a stateless rule-table controller: the output of the highest rule
// whose threshold the observed value reaches, or Default below all of them.
// Outputs are clamped to [MinOutput, MaxOutput].
type Rules struct {
	rules     []ThresholdRule // descending by threshold
	def       float64
	minOutput float64
	maxOutput float64
}

// NewRules constructs a rule-table controller.
func NewRules(rules []ThresholdRule, def, minOutput, maxOutput float64) (*Rules, error) {
	if minOutput >= maxOutput {
		return nil, fmt.Errorf("control: min output %v must be below max output %v", minOutput, maxOutput)
	}
	sorted := make([]ThresholdRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Threshold > sorted[j].Threshold
	})
	return &Rules{
		rules:     sorted,
		def:       def,
		minOutput: minOutput,
		maxOutput: maxOutput,
	}, nil
}

// ComputeControlAction implements core.Controller.
func (r *Rules) ComputeControlAction(obs core.Observation, dt float64) (float64, error) {
	pv, ok := obs[core.ObservationProcessVariable]
	if !ok {
		return 0, fmt.Errorf("control: observation missing %q", core.ObservationProcessVariable)
	}

	out := r.def
	for _, rule := range r.rules {
		if pv >= rule.Threshold {
			out = rule.Output
			break
		}
	}

	if out > r.maxOutput {
		out = r.maxOutput
	} else if out < r.minOutput {
		out = r.minOutput
	}
	return out, nil
}
