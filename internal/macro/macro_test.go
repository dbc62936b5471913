package macro

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nscnc/grbl-server/internal/config"
	"github.com/nscnc/grbl-server/internal/fixture"
	"github.com/nscnc/grbl-server/internal/grbl"
)

type fakeEngine struct {
	mu       sync.Mutex
	snapshot grbl.Snapshot
	sent     []string
	onSend   func(line string) grbl.CommandResult
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{snapshot: grbl.Snapshot{State: "Idle"}}
}

func (f *fakeEngine) SendCommand(ctx context.Context, line string) (grbl.CommandResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, line)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		return hook(line), nil
	}
	return grbl.CommandResult{Kind: grbl.ResultOk}, nil
}

func (f *fakeEngine) Snapshot() grbl.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeEngine) setSnapshot(s grbl.Snapshot) {
	f.mu.Lock()
	f.snapshot = s
	f.mu.Unlock()
}

func (f *fakeEngine) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeEngine) sentContains(substr string) bool {
	for _, l := range f.sentLines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *recordingPublisher) Publish(msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) all() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.MacroConfig {
	return config.MacroConfig{
		PlateThickness: 22.0,
		ToolDiameter:   6.35,
		ToolChangeX:    -2,
		ToolChangeY:    -418,
	}
}

// newTestEngine builds a MacroEngine with fast-polling overrides so tests
// don't pay the real 2s wait-idle leave phase.
func newTestEngine(engine *fakeEngine, pub *recordingPublisher, fixtures FixtureStore) *MacroEngine {
	m := New(testLogger(), engine, pub, fixtures, testConfig())
	m.leaveTimeout = 5 * time.Millisecond
	m.poll = time.Millisecond
	return m
}

func TestMacroEngine_Run_RejectsUnknownMacro(t *testing.T) {
	m := newTestEngine(newFakeEngine(), &recordingPublisher{}, nil)
	if err := m.Run(context.Background(), "does_not_exist", Params{}); err == nil {
		t.Fatal("expected an error for an unknown macro name")
	}
}

func TestMacroEngine_Run_RejectsConcurrentRun(t *testing.T) {
	engine := newFakeEngine()
	blocked := make(chan struct{})
	engine.onSend = func(line string) grbl.CommandResult {
		<-blocked
		return grbl.CommandResult{Kind: grbl.ResultOk}
	}
	m := newTestEngine(engine, &recordingPublisher{}, nil)

	if err := m.Run(context.Background(), "probe_z", Params{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	deadline := time.After(time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for macro to start running")
		case <-time.After(time.Millisecond):
		}
	}

	if err := m.Run(context.Background(), "set_z", Params{}); err == nil {
		t.Fatal("expected second Run to be rejected while a macro is in progress")
	}

	close(blocked)
}

func TestMacroEngine_Cancel_UnblocksWaitContinue(t *testing.T) {
	m := newTestEngine(newFakeEngine(), &recordingPublisher{}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- m.waitContinue(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	m.Cancel()

	select {
	case err := <-errCh:
		if err != errCancelled {
			t.Fatalf("expected errCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled waitContinue to return")
	}
}

func TestMacroEngine_Continue_UnblocksWaitContinue(t *testing.T) {
	m := newTestEngine(newFakeEngine(), &recordingPublisher{}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- m.waitContinue(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	m.Continue()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil error from a plain Continue(), got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for waitContinue to return")
	}
}

func TestMacroEngine_WaitIdle_SecondPhaseTimesOut(t *testing.T) {
	engine := newFakeEngine()
	engine.setSnapshot(grbl.Snapshot{State: "Run"})
	m := newTestEngine(engine, &recordingPublisher{}, nil)

	err := m.waitIdle(context.Background(), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected waitIdle to time out when the machine never returns to Idle")
	}
}

func TestMacroEngine_WaitIdle_SucceedsWhenAlreadyIdle(t *testing.T) {
	m := newTestEngine(newFakeEngine(), &recordingPublisher{}, nil)
	if err := m.waitIdle(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("expected waitIdle to succeed, got %v", err)
	}
}

func TestProbeZBody_SendsExpectedProbeSequence(t *testing.T) {
	engine := newFakeEngine()
	engine.setSnapshot(grbl.Snapshot{State: "Idle", MPos: grbl.Position{Z: -10}})
	pub := &recordingPublisher{}
	m := newTestEngine(engine, pub, nil)

	if err := m.Run(context.Background(), "probe_z", Params{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for m.Running() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for probe_z to finish")
		case <-time.After(time.Millisecond):
		}
	}

	if !engine.sentContains("G38.2 Z-11 F50") {
		t.Errorf("expected the fast Z probe command, got %v", engine.sentLines())
	}
	if !engine.sentContains("G38.2 Z-3 F10") {
		t.Errorf("expected the slow Z probe command, got %v", engine.sentLines())
	}
	if !engine.sentContains("G10 L20 P1 Z22.000") {
		t.Errorf("expected the plate-thickness zero command, got %v", engine.sentLines())
	}

	foundDone := false
	for _, msg := range pub.all() {
		if _, ok := msg.(macroDoneMessage); ok {
			foundDone = true
		}
	}
	if !foundDone {
		t.Error("expected a macro_done message")
	}
}

func TestToolChangeBody_RequiresSetZFirst(t *testing.T) {
	engine := newFakeEngine()
	pub := &recordingPublisher{}
	m := newTestEngine(engine, pub, nil)

	if err := m.Run(context.Background(), "tool_change", Params{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.After(time.Second)
	for m.Running() {
		select {
		case <-deadline:
			t.Fatal("timed out")
		case <-time.After(time.Millisecond):
		}
	}

	foundError := false
	for _, msg := range pub.all() {
		if em, ok := msg.(macroErrorMessage); ok {
			foundError = true
			if !strings.Contains(em.Reason, "SetZ") {
				t.Errorf("expected precondition error mentioning SetZ, got %q", em.Reason)
			}
		}
	}
	if !foundError {
		t.Fatal("expected a macro_error for tool_change run before set_z")
	}
}

func TestSetZThenToolChange_Succeeds(t *testing.T) {
	engine := newFakeEngine()
	engine.setSnapshot(grbl.Snapshot{State: "Idle", MPos: grbl.Position{Z: -10}})
	pub := &recordingPublisher{}
	m := newTestEngine(engine, pub, nil)

	if err := m.Run(context.Background(), "set_z", Params{}); err != nil {
		t.Fatalf("Run set_z: %v", err)
	}
	waitUntilIdleEngine(t, m)

	if err := m.Run(context.Background(), "tool_change", Params{}); err != nil {
		t.Fatalf("Run tool_change: %v", err)
	}

	// tool_change blocks on wait-continue; release it only once the macro
	// has actually published its "waiting" status, to avoid a lost signal.
	waitForWaitingStatus(t, pub)
	m.Continue()
	waitUntilIdleEngine(t, m)

	foundDone := false
	for _, msg := range pub.all() {
		if dm, ok := msg.(macroDoneMessage); ok && dm.Name == "tool_change" {
			foundDone = true
		}
	}
	if !foundDone {
		t.Fatal("expected tool_change to complete with a macro_done message")
	}
}

func waitUntilIdleEngine(t *testing.T, m *MacroEngine) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.Running() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for macro to finish")
		case <-time.After(time.Millisecond):
		}
	}
}

// waitForWaitingStatus blocks until the publisher has recorded a
// macro_status message with Waiting==true, avoiding the race where a test
// calls Continue() before the macro has actually reached wait-continue.
func waitForWaitingStatus(t *testing.T, pub *recordingPublisher) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, msg := range pub.all() {
			if st, ok := msg.(macroStatusMessage); ok && st.Waiting {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a waiting macro_status message")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCircumcenter_EquilateralTriangle(t *testing.T) {
	p1 := circlePoint{x: 10, y: 0}
	p2 := circlePoint{x: -5, y: 8.660254}
	p3 := circlePoint{x: -5, y: -8.660254}

	center, radius, err := circumcenter(p1, p2, p3)
	if err != nil {
		t.Fatalf("circumcenter: %v", err)
	}
	if abs(center.x) > 0.01 || abs(center.y) > 0.01 {
		t.Errorf("expected center near origin, got %+v", center)
	}
	if abs(radius-10) > 0.01 {
		t.Errorf("expected radius ~10, got %v", radius)
	}
}

func TestCircumcenter_CollinearPointsError(t *testing.T) {
	_, _, err := circumcenter(circlePoint{0, 0}, circlePoint{1, 0}, circlePoint{2, 0})
	if err == nil {
		t.Fatal("expected an error for collinear points")
	}
}

func TestProbeFixtureBody_AlwaysReenablesHardLimits(t *testing.T) {
	engine := newFakeEngine()
	engine.setSnapshot(grbl.Snapshot{State: "Idle"})

	// Every lateral probe move trips an immediate (simulated) hard-limit
	// alarm at the same work point, for every one of the three angles —
	// that gives circumcenter three identical (collinear) contact points,
	// forcing probe_fixture to fail *after* $21=0 has already been sent.
	// The defer-based cleanup must still re-enable hard limits.
	engine.onSend = func(line string) grbl.CommandResult {
		switch {
		case strings.HasPrefix(line, "G1 X") || strings.HasPrefix(line, "G1 Y"):
			engine.setSnapshot(grbl.Snapshot{State: "Alarm", WPos: grbl.Position{X: 1, Y: 0}})
		case line == "$X":
			engine.setSnapshot(grbl.Snapshot{State: "Idle", WPos: grbl.Position{X: 1, Y: 0}})
		}
		return grbl.CommandResult{Kind: grbl.ResultOk}
	}

	registry := fixture.NewRegistry()
	m := newTestEngine(engine, &recordingPublisher{}, registry)

	if err := m.Run(context.Background(), "probe_fixture", Params{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitUntilIdleEngine(t, m)

	reenableCount := 0
	for _, l := range engine.sentLines() {
		if l == "$21=1" {
			reenableCount++
		}
	}
	if reenableCount == 0 {
		t.Fatal("expected hard limits to be re-enabled at least once, even on a failed probe_fixture run")
	}
	if len(registry.List()) != 0 {
		t.Fatal("expected no fixture to be registered on a failed circumcenter solve")
	}
}
