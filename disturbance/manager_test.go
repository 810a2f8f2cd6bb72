package disturbance

import (
	"testing"

	"github.com/hydronetics/watergrid-simulator/bus"
	"github.com/hydronetics/watergrid-simulator/core"
)

type fakeAccumulator struct {
	inflow float64
}

func (f *fakeAccumulator) GetState() core.State { return core.State{"inflow": f.inflow} }
func (f *fakeAccumulator) SetState(core.State)  {}
func (f *fakeAccumulator) Step(core.Action, float64) (core.State, error) {
	return f.GetState(), nil
}
func (f *fakeAccumulator) SetInflow(v float64) { f.inflow = v }
func (f *fakeAccumulator) Inflow() float64     { return f.inflow }

type fakeActuator struct {
	fakeAccumulator
	efficiency float64
}

func (f *fakeActuator) SetEfficiency(v float64) { f.efficiency = v }
func (f *fakeActuator) Efficiency() float64     { return f.efficiency }

type fakeNoisyAgent struct {
	noise map[string]float64
}

func (f *fakeNoisyAgent) ID() string          { return "twin" }
func (f *fakeNoisyAgent) Run(float64) error   { return nil }
func (f *fakeNoisyAgent) SetObservationNoise(key string, stddev float64) {
	if f.noise == nil {
		f.noise = map[string]float64{}
	}
	if stddev <= 0 {
		delete(f.noise, key)
		return
	}
	f.noise[key] = stddev
}

func (f *fakeNoisyAgent) ObservationNoise(key string) float64 { return f.noise[key] }

type fakeResolver struct {
	components map[string]core.Component
	agents     map[string]core.Agent
}

func (r *fakeResolver) Component(id string) (core.Component, bool) {
	c, ok := r.components[id]
	return c, ok
}

func (r *fakeResolver) AgentByID(id string) (core.Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(&fakeResolver{})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty id", Config{Type: TypeInflowOverride, TargetID: "a", StartTime: 0, EndTime: 1}},
		{"unknown type", Config{ID: "d", Type: "volcano", TargetID: "a", StartTime: 0, EndTime: 1}},
		{"empty target", Config{ID: "d", Type: TypeInflowOverride, StartTime: 0, EndTime: 1}},
		{"empty window", Config{ID: "d", Type: TypeInflowOverride, TargetID: "a", StartTime: 5, EndTime: 5}},
		{"inverted window", Config{ID: "d", Type: TypeInflowOverride, TargetID: "a", StartTime: 5, EndTime: 1}},
		{"intensity above 1", Config{ID: "d", Type: TypeInflowOverride, TargetID: "a", StartTime: 0, EndTime: 1, Intensity: 1.5}},
	}
	for _, tt := range tests {
		if err := m.Register(tt.cfg); err == nil {
			t.Errorf("%s: Register accepted invalid config", tt.name)
		}
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	m := NewManager(&fakeResolver{})
	cfg := Config{
		ID: "d", Type: TypeInflowOverride, TargetID: "a",
		StartTime: 0, EndTime: 1, Parameters: map[string]any{"inflow_rate": 1.0},
	}
	if err := m.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(cfg); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestWindowExactness(t *testing.T) {
	target := &fakeAccumulator{inflow: 5}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	if err := m.Register(Config{
		ID: "flood", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 10, EndTime: 20,
		Parameters: map[string]any{"inflow_rate": 99.0},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for tick := 0.0; tick < 30; tick++ {
		m.Update(tick)
		wantActive := tick >= 10 && tick < 20
		if got := m.ActiveCount() == 1; got != wantActive {
			t.Fatalf("active = %v at t=%v, want %v", got, tick, wantActive)
		}
		if wantActive && target.inflow != 99 {
			t.Fatalf("inflow = %v inside window at t=%v", target.inflow, tick)
		}
	}
}

func TestWindowIsTerminal(t *testing.T) {
	target := &fakeAccumulator{}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	_ = m.Register(Config{
		ID: "flood", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 10, EndTime: 20,
		Parameters: map[string]any{"inflow_rate": 99.0},
	})

	m.Update(15)
	m.Update(25)
	// Time jumping back inside the window must not reactivate it.
	m.Update(15)
	if m.ActiveCount() != 0 {
		t.Fatal("closed disturbance reactivated")
	}
	if got := m.Status()[0].State; got != StateDone {
		t.Fatalf("state = %v, want done", got)
	}
}

func TestInflowOverrideReversibility(t *testing.T) {
	target := &fakeAccumulator{inflow: 7}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	_ = m.Register(Config{
		ID: "flood", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 1, EndTime: 3,
		Parameters: map[string]any{"inflow_rate": 50.0},
	})

	m.Update(0)
	m.Update(1)
	m.Update(2)
	if target.inflow != 50 {
		t.Fatalf("inflow = %v inside window, want 50", target.inflow)
	}
	m.Update(3)
	if target.inflow != 7 {
		t.Fatalf("inflow = %v after window, want restored 7", target.inflow)
	}
}

func TestActuatorDegradationReversibility(t *testing.T) {
	target := &fakeActuator{efficiency: 1}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"gate": target}})
	_ = m.Register(Config{
		ID: "jam", Type: TypeActuatorDegradation, TargetID: "gate",
		StartTime: 0, EndTime: 10, Intensity: 0.4,
	})

	m.Update(0)
	if target.efficiency != 0.6 {
		t.Fatalf("efficiency = %v inside window, want 0.6", target.efficiency)
	}
	m.Update(10)
	if target.efficiency != 1 {
		t.Fatalf("efficiency = %v after window, want restored 1", target.efficiency)
	}
}

func TestOverlappingActuatorWindowsRestoreBaseline(t *testing.T) {
	target := &fakeActuator{efficiency: 1}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"gate": target}})
	_ = m.Register(Config{
		ID: "jam_early", Type: TypeActuatorDegradation, TargetID: "gate",
		StartTime: 0, EndTime: 10,
		Parameters: map[string]any{"efficiency": 0.5},
	})
	_ = m.Register(Config{
		ID: "jam_late", Type: TypeActuatorDegradation, TargetID: "gate",
		StartTime: 5, EndTime: 20,
		Parameters: map[string]any{"efficiency": 0.3},
	})

	for tick := 0.0; tick <= 25; tick++ {
		m.Update(tick)
		switch {
		case tick < 5:
			if target.efficiency != 0.5 {
				t.Fatalf("efficiency = %v at t=%v, want 0.5", target.efficiency, tick)
			}
		case tick < 20:
			// The later activation wins the overlap and survives the
			// earlier window's close.
			if target.efficiency != 0.3 {
				t.Fatalf("efficiency = %v at t=%v, want 0.3", target.efficiency, tick)
			}
		default:
			if target.efficiency != 1 {
				t.Fatalf("efficiency = %v after both windows closed, want restored 1", target.efficiency)
			}
		}
	}
}

func TestNestedActuatorWindowRevertsToOuter(t *testing.T) {
	target := &fakeActuator{efficiency: 1}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"gate": target}})
	_ = m.Register(Config{
		ID: "jam_outer", Type: TypeActuatorDegradation, TargetID: "gate",
		StartTime: 0, EndTime: 20,
		Parameters: map[string]any{"efficiency": 0.5},
	})
	_ = m.Register(Config{
		ID: "jam_inner", Type: TypeActuatorDegradation, TargetID: "gate",
		StartTime: 5, EndTime: 10,
		Parameters: map[string]any{"efficiency": 0.3},
	})

	m.Update(5)
	if target.efficiency != 0.3 {
		t.Fatalf("efficiency = %v inside inner window, want 0.3", target.efficiency)
	}
	m.Update(10)
	if target.efficiency != 0.5 {
		t.Fatalf("efficiency = %v after inner window, want outer 0.5", target.efficiency)
	}
	m.Update(20)
	if target.efficiency != 1 {
		t.Fatalf("efficiency = %v after outer window, want restored 1", target.efficiency)
	}
}

func TestOverlappingInflowOverridesRestoreBaseline(t *testing.T) {
	target := &fakeAccumulator{inflow: 7}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	_ = m.Register(Config{
		ID: "flood_a", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 0, EndTime: 10,
		Parameters: map[string]any{"inflow_rate": 50.0},
	})
	_ = m.Register(Config{
		ID: "flood_b", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 5, EndTime: 20,
		Parameters: map[string]any{"inflow_rate": 80.0},
	})

	m.Update(0)
	if target.inflow != 50 {
		t.Fatalf("inflow = %v at t=0, want 50", target.inflow)
	}
	m.Update(5)
	if target.inflow != 80 {
		t.Fatalf("inflow = %v in overlap, want later override 80", target.inflow)
	}
	// The earlier window's per-tick re-assertion must not overwrite the
	// later one while both are active.
	m.Update(6)
	if target.inflow != 80 {
		t.Fatalf("inflow = %v in overlap after a tick, want 80", target.inflow)
	}
	m.Update(10)
	if target.inflow != 80 {
		t.Fatalf("inflow = %v after first window, want 80", target.inflow)
	}
	m.Update(20)
	if target.inflow != 7 {
		t.Fatalf("inflow = %v after both windows, want restored 7", target.inflow)
	}
}

func TestOverlappingNetworkImpairmentsKeepSurvivingRule(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()

	m := NewManager(&fakeResolver{}, WithBus(b))
	_ = m.Register(Config{
		ID: "outage_a", Type: TypeNetworkImpairment, TargetID: "state.canal",
		StartTime: 0, EndTime: 10,
		Parameters: map[string]any{"drop_rate": 1.0},
	})
	_ = m.Register(Config{
		ID: "outage_b", Type: TypeNetworkImpairment, TargetID: "state.canal",
		StartTime: 5, EndTime: 20,
		Parameters: map[string]any{"drop_rate": 0.4},
	})

	m.Update(10)
	rule, ok := b.Impairment("state.canal")
	if !ok {
		t.Fatal("surviving impairment erased when the first window closed")
	}
	if rule.DropRate != 0.4 {
		t.Fatalf("drop rate = %v after first window, want surviving 0.4", rule.DropRate)
	}
	m.Update(20)
	if _, ok := b.Impairment("state.canal"); ok {
		t.Fatal("impairment still installed after both windows closed")
	}
}

func TestSensorNoiseRestoresPriorNoise(t *testing.T) {
	twin := &fakeNoisyAgent{}
	twin.SetObservationNoise("water_level", 0.05)
	m := NewManager(&fakeResolver{agents: map[string]core.Agent{"twin": twin}})
	_ = m.Register(Config{
		ID: "drift", Type: TypeSensorNoise, TargetID: "twin",
		StartTime: 0, EndTime: 5,
		Parameters: map[string]any{"key": "water_level", "stddev": 0.2},
	})

	m.Update(0)
	if twin.noise["water_level"] != 0.2 {
		t.Fatalf("noise = %v inside window, want 0.2", twin.noise)
	}
	m.Update(5)
	if twin.noise["water_level"] != 0.05 {
		t.Fatalf("noise = %v after window, want prior 0.05", twin.noise)
	}
}

func TestSensorNoiseReversibility(t *testing.T) {
	twin := &fakeNoisyAgent{}
	m := NewManager(&fakeResolver{agents: map[string]core.Agent{"twin": twin}})
	_ = m.Register(Config{
		ID: "drift", Type: TypeSensorNoise, TargetID: "twin",
		StartTime: 0, EndTime: 5,
		Parameters: map[string]any{"key": "water_level", "stddev": 0.2},
	})

	m.Update(0)
	if twin.noise["water_level"] != 0.2 {
		t.Fatalf("noise = %v inside window, want 0.2", twin.noise)
	}
	m.Update(5)
	if len(twin.noise) != 0 {
		t.Fatalf("noise = %v after window, want removed", twin.noise)
	}
}

func TestNetworkImpairmentDrivesBus(t *testing.T) {
	b := bus.New()
	defer b.Shutdown()

	delivered := 0
	_ = b.Subscribe("state.canal", func(bus.Payload) { delivered++ })

	m := NewManager(&fakeResolver{}, WithBus(b))
	_ = m.Register(Config{
		ID: "outage", Type: TypeNetworkImpairment, TargetID: "state.canal",
		StartTime: 0, EndTime: 10,
		Parameters: map[string]any{"drop_rate": 1.0},
	})

	m.Update(0)
	_ = b.Publish("state.canal", bus.Payload{})
	if delivered != 0 {
		t.Fatal("message delivered while impairment active")
	}

	m.Update(10)
	_ = b.Publish("state.canal", bus.Payload{})
	if delivered != 1 {
		t.Fatalf("delivered = %d after impairment cleared, want 1", delivered)
	}
}

func TestMissingTargetDisablesPermanently(t *testing.T) {
	m := NewManager(&fakeResolver{})
	_ = m.Register(Config{
		ID: "typo", Type: TypeInflowOverride, TargetID: "no-such-component",
		StartTime: 0, EndTime: 100,
		Parameters: map[string]any{"inflow_rate": 1.0},
	})

	m.Update(0)
	if got := m.Status()[0].State; got != StateDisabled {
		t.Fatalf("state = %v, want disabled", got)
	}
	// Retries must not resurrect it.
	m.Update(1)
	m.Update(2)
	if got := m.Status()[0].State; got != StateDisabled {
		t.Fatalf("state = %v after further ticks, want disabled", got)
	}
	if m.ActiveCount() != 0 {
		t.Fatal("disabled disturbance counted as active")
	}
}

func TestMalformedParametersDisable(t *testing.T) {
	target := &fakeAccumulator{}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	_ = m.Register(Config{
		ID: "broken", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 0, EndTime: 10,
		// Missing the required inflow_rate parameter.
	})

	m.Update(0)
	if got := m.Status()[0].State; got != StateDisabled {
		t.Fatalf("state = %v, want disabled", got)
	}
}

func TestLateRegistrationPastWindowGoesDone(t *testing.T) {
	target := &fakeAccumulator{inflow: 3}
	m := NewManager(&fakeResolver{components: map[string]core.Component{"res": target}})
	_ = m.Register(Config{
		ID: "stale", Type: TypeInflowOverride, TargetID: "res",
		StartTime: 0, EndTime: 5,
		Parameters: map[string]any{"inflow_rate": 50.0},
	})

	m.Update(20)
	if got := m.Status()[0].State; got != StateDone {
		t.Fatalf("state = %v, want done without activation", got)
	}
	if target.inflow != 3 {
		t.Fatalf("inflow = %v, target mutated by stale disturbance", target.inflow)
	}
}

func TestStatusKeepsRegistrationOrder(t *testing.T) {
	m := NewManager(&fakeResolver{})
	for _, id := range []string{"c", "a", "b"} {
		_ = m.Register(Config{
			ID: id, Type: TypeInflowOverride, TargetID: "x",
			StartTime: 0, EndTime: 1, Parameters: map[string]any{"inflow_rate": 1.0},
		})
	}
	status := m.Status()
	if status[0].ID != "c" || status[1].ID != "a" || status[2].ID != "b" {
		t.Fatalf("status order = %v", status)
	}
}
