package core

// Snapshot records every component's state at the end of one tick.
type Snapshot struct {
	Time   float64
	States map[string]State
}

// History returns the per-tick snapshots recorded so far, one per completed
// tick, in order. The returned slice shares snapshots with the harness and
// must be treated as read-only.
func (h *Harness) History() []Snapshot {
	out := make([]Snapshot, len(h.history))
	copy(out, h.history)
	return out
}

// LastSnapshot returns the most recent snapshot, if any.
func (h *Harness) LastSnapshot() (Snapshot, bool) {
	if len(h.history) == 0 {
		return Snapshot{}, false
	}
	return h.history[len(h.history)-1], true
}
