package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeComponent is a minimal FlowAccumulator component whose outflow equals
// its inflow scaled by gain.
type fakeComponent struct {
	gain    float64
	inflow  float64
	outflow float64
	stepped int
	stepErr error
	lastAct Action
}

func newFakeComponent(gain float64) *fakeComponent { return &fakeComponent{gain: gain} }

func (f *fakeComponent) GetState() State {
	return State{"inflow": f.inflow, StateOutflow: f.outflow}
}

func (f *fakeComponent) SetState(s State) {
	f.inflow = s["inflow"]
	f.outflow = s[StateOutflow]
}

func (f *fakeComponent) SetInflow(v float64) { f.inflow = v }
func (f *fakeComponent) Inflow() float64     { return f.inflow }

func (f *fakeComponent) Step(action Action, dt float64) (State, error) {
	if f.stepErr != nil {
		return nil, f.stepErr
	}
	f.stepped++
	f.lastAct = action
	f.outflow = f.inflow * f.gain
	return f.GetState(), nil
}

// sourceComponent produces a fixed outflow regardless of inflow.
type sourceComponent struct {
	rate float64
}

func (s *sourceComponent) GetState() State  { return State{StateOutflow: s.rate} }
func (s *sourceComponent) SetState(_ State) {}
func (s *sourceComponent) Step(Action, float64) (State, error) {
	return State{StateOutflow: s.rate}, nil
}

type fakeAgent struct {
	id       string
	priority int
	runErr   error
	doPanic  bool
	calls    *[]string
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Run(now float64) error {
	if a.calls != nil {
		*a.calls = append(*a.calls, a.id)
	}
	if a.doPanic {
		panic("agent exploded")
	}
	return a.runErr
}

type prioAgent struct {
	fakeAgent
}

func (a *prioAgent) Priority() int { return a.priority }

type fixedController struct {
	out float64
	err error
}

func (c *fixedController) ComputeControlAction(Observation, float64) (float64, error) {
	return c.out, c.err
}

func mustHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	h, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	return h
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewHarness(Config{StartTime: 0, EndTime: 10, Dt: 0}); err == nil {
		t.Fatal("NewHarness accepted zero dt")
	}
	if _, err := NewHarness(Config{StartTime: 10, EndTime: 10, Dt: 1}); err == nil {
		t.Fatal("NewHarness accepted empty time window")
	}
}

func TestTickCount(t *testing.T) {
	tests := []struct {
		cfg  Config
		want int
	}{
		{Config{EndTime: 100, Dt: 10}, 10},
		{Config{EndTime: 105, Dt: 10}, 11},
		{Config{StartTime: 50, EndTime: 100, Dt: 10}, 5},
	}
	for _, tt := range tests {
		if got := tt.cfg.TickCount(); got != tt.want {
			t.Errorf("TickCount(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestAddComponentRejectsDuplicates(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	if err := h.AddComponent("a", newFakeComponent(1)); err != nil {
		t.Fatalf("AddComponent: %v", err)
	}
	if err := h.AddComponent("a", newFakeComponent(1)); err == nil {
		t.Fatal("duplicate component id accepted")
	}
}

func TestAddConnectionValidation(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	_ = h.AddComponent("a", newFakeComponent(1))

	if err := h.AddConnection("a", "a"); err == nil {
		t.Fatal("self-loop accepted")
	}
	if err := h.AddConnection("a", "ghost"); err == nil {
		t.Fatal("unknown downstream accepted")
	}
	if err := h.AddConnection("ghost", "a"); err == nil {
		t.Fatal("unknown upstream accepted")
	}
}

func TestRegistrationFrozenAfterBuild(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	_ = h.AddComponent("a", newFakeComponent(1))
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.AddComponent("b", newFakeComponent(1)); !errors.Is(err, ErrAlreadyBuilt) {
		t.Fatalf("AddComponent after Build = %v, want ErrAlreadyBuilt", err)
	}
	if err := h.Build(); !errors.Is(err, ErrAlreadyBuilt) {
		t.Fatalf("second Build = %v, want ErrAlreadyBuilt", err)
	}
}

func TestBuildOrdersTopologically(t *testing.T) {
	// Register out of flow order on purpose.
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	for _, id := range []string{"c", "a", "b"} {
		_ = h.AddComponent(id, newFakeComponent(1))
	}
	_ = h.AddConnection("a", "b")
	_ = h.AddConnection("b", "c")

	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	pos := map[string]int{}
	for i, id := range h.Order() {
		pos[id] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Fatalf("Order() = %v, want a before b before c", h.Order())
	}
}

func TestBuildReportsCycle(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	for _, id := range []string{"a", "b", "c"} {
		_ = h.AddComponent(id, newFakeComponent(1))
	}
	_ = h.AddConnection("a", "b")
	_ = h.AddConnection("b", "c")
	_ = h.AddConnection("c", "a")

	err := h.Build()
	var cycErr *CyclicTopologyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("Build = %v, want *CyclicTopologyError", err)
	}
	if len(cycErr.Remaining) != 3 {
		t.Fatalf("Remaining = %v, want all three components", cycErr.Remaining)
	}
}

func TestStepRequiresBuild(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	if err := h.Step(1); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("Step before Build = %v, want ErrNotBuilt", err)
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("Run before Build = %v, want ErrNotBuilt", err)
	}
}

func TestStepPropagatesFlowSameTick(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	src := &sourceComponent{rate: 8}
	mid := newFakeComponent(0.5)
	sink := newFakeComponent(1)
	_ = h.AddComponent("src", src)
	_ = h.AddComponent("mid", mid)
	_ = h.AddComponent("sink", sink)
	_ = h.AddConnection("src", "mid")
	_ = h.AddConnection("mid", "sink")
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Step(1); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if mid.inflow != 8 {
		t.Fatalf("mid inflow = %v, want 8", mid.inflow)
	}
	// No one-tick lag: sink already sees mid's output from this same tick.
	if sink.inflow != 4 {
		t.Fatalf("sink inflow = %v, want 4", sink.inflow)
	}
}

func TestStepAggregatesUpstreamOutflows(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	_ = h.AddComponent("a", &sourceComponent{rate: 3})
	_ = h.AddComponent("b", &sourceComponent{rate: 4})
	sink := newFakeComponent(1)
	_ = h.AddComponent("sink", sink)
	_ = h.AddConnection("a", "sink")
	_ = h.AddConnection("b", "sink")
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Step(1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if sink.inflow != 7 {
		t.Fatalf("sink inflow = %v, want 7", sink.inflow)
	}
}

func TestHeadComponentKeepsExternalInflow(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	head := newFakeComponent(1)
	head.SetInflow(42)
	down := newFakeComponent(1)
	_ = h.AddComponent("head", head)
	_ = h.AddComponent("down", down)
	_ = h.AddConnection("head", "down")
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Step(1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if head.inflow != 42 {
		t.Fatalf("head inflow = %v, want externally set 42", head.inflow)
	}
}

func TestControllerDrivesControlledComponent(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	observed := newFakeComponent(1)
	observed.outflow = 9
	controlled := newFakeComponent(1)
	_ = h.AddComponent("observed", observed)
	_ = h.AddComponent("controlled", controlled)

	if err := h.AddController("ctl", &fixedController{out: 0.7}, "controlled", "observed", StateOutflow); err != nil {
		t.Fatalf("AddController: %v", err)
	}
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.Step(1); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if got, ok := controlled.lastAct[ActionControlSignal]; !ok || got != 0.7 {
		t.Fatalf("controlled action = %v, want control_signal 0.7", controlled.lastAct)
	}
}

func TestControllerErrorSkipsControlAction(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	controlled := newFakeComponent(1)
	_ = h.AddComponent("controlled", controlled)
	_ = h.AddController("ctl", &fixedController{err: errors.New("sensor offline")}, "controlled", "controlled", StateOutflow)
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Step(1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if _, ok := controlled.lastAct[ActionControlSignal]; ok {
		t.Fatal("control action applied despite controller error")
	}
	if controlled.stepped != 1 {
		t.Fatalf("component stepped %d times, want 1", controlled.stepped)
	}
}

func TestComponentStepErrorAbortsRun(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 10, Dt: 1})
	broken := newFakeComponent(1)
	broken.stepErr = errors.New("numerical blow-up")
	_ = h.AddComponent("broken", broken)
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	err := h.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite component step error")
	}
	if got := err.Error(); !containsAll(got, "broken", "t=0") {
		t.Fatalf("error %q does not identify component and time", got)
	}
}

func TestRunRecordsHistoryPerTick(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 5, Dt: 1})
	comp := newFakeComponent(1)
	comp.SetInflow(2)
	_ = h.AddComponent("a", comp)
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := h.History()
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	for i, snap := range history {
		if snap.Time != float64(i) {
			t.Fatalf("snapshot %d time = %v, want %d", i, snap.Time, i)
		}
		if snap.States["a"] == nil {
			t.Fatalf("snapshot %d missing component state", i)
		}
	}
	if h.Now() != 5 {
		t.Fatalf("Now() = %v after run, want 5", h.Now())
	}
	if h.RunID() == "" {
		t.Fatal("RunID empty after run")
	}
}

func TestRunInvokesAgentsInPriorityThenRegistrationOrder(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 1, Dt: 1})
	_ = h.AddComponent("a", newFakeComponent(1))

	var calls []string
	early := &prioAgent{fakeAgent: fakeAgent{id: "early", calls: &calls}}
	early.priority = -5
	late := &prioAgent{fakeAgent: fakeAgent{id: "late", calls: &calls}}
	late.priority = 5
	for _, a := range []Agent{late, &fakeAgent{id: "plain1", calls: &calls}, early, &fakeAgent{id: "plain2", calls: &calls}} {
		_ = h.AddAgent(a)
	}
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"early", "plain1", "plain2", "late"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("agent order = %v, want %v", calls, want)
	}
}

func TestAgentFailuresDoNotAbortRun(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 2, Dt: 1})
	_ = h.AddComponent("a", newFakeComponent(1))

	var calls []string
	_ = h.AddAgent(&fakeAgent{id: "boom", doPanic: true, calls: &calls})
	_ = h.AddAgent(&fakeAgent{id: "err", runErr: errors.New("nope"), calls: &calls})
	_ = h.AddAgent(&fakeAgent{id: "ok", calls: &calls})
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// All three agents ran on both ticks.
	if len(calls) != 6 {
		t.Fatalf("agent calls = %v, want 6 entries", calls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := mustHarness(t, Config{EndTime: 1000, Dt: 1})
	_ = h.AddComponent("a", newFakeComponent(1))

	ctx, cancel := context.WithCancel(context.Background())
	stopAfter := 3
	_ = h.AddAgent(cancelAgent{cancel: cancel, after: &stopAfter})
	if err := h.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	err := h.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := len(h.History()); got >= 1000 {
		t.Fatalf("history length = %d, run never stopped early", got)
	}
}

type cancelAgent struct {
	cancel context.CancelFunc
	after  *int
}

func (c cancelAgent) ID() string { return "cancel" }

func (c cancelAgent) Run(float64) error {
	*c.after--
	if *c.after <= 0 {
		c.cancel()
	}
	return nil
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
