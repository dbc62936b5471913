package grbl

import "testing"

func TestMachineState_ApplyStatus_RecomputesWPos(t *testing.T) {
	m := NewMachineState()

	mpos := Position{X: 10, Y: 20, Z: -5}
	wco := Position{X: 1, Y: 2, Z: 3}
	m.applyStatus(StatusReport{State: "Idle", MPos: &mpos, WCO: &wco})

	snap := m.Snapshot()
	want := Position{X: 9, Y: 18, Z: -8}
	if snap.WPos != want {
		t.Fatalf("expected WPos %+v, got %+v", want, snap.WPos)
	}
}

func TestMachineState_ApplyStatus_RecomputesWPosWhenOnlyMPosChanges(t *testing.T) {
	m := NewMachineState()

	wco := Position{X: 1, Y: 1, Z: 1}
	m.applyStatus(StatusReport{State: "Idle", MPos: &Position{X: 5, Y: 5, Z: 5}, WCO: &wco})

	mpos2 := Position{X: 6, Y: 6, Z: 6}
	m.applyStatus(StatusReport{State: "Run", MPos: &mpos2})

	snap := m.Snapshot()
	want := Position{X: 5, Y: 5, Z: 5}
	if snap.WPos != want {
		t.Fatalf("expected WPos %+v after MPos-only update, got %+v", want, snap.WPos)
	}
	if snap.WCO != wco {
		t.Fatalf("expected WCO to persist at %+v, got %+v", wco, snap.WCO)
	}
}

func TestMachineState_ApplyAlarm_DoesNotClearOtherFields(t *testing.T) {
	m := NewMachineState()
	mpos := Position{X: 1}
	m.applyStatus(StatusReport{State: "Run", MPos: &mpos})

	m.applyAlarm()

	snap := m.Snapshot()
	if snap.State != "Alarm" {
		t.Errorf("expected state Alarm, got %q", snap.State)
	}
	if snap.MPos.X != 1 {
		t.Errorf("expected MPos preserved after alarm, got %+v", snap.MPos)
	}
}

func TestMachineState_Snapshot_SettingsAreCopied(t *testing.T) {
	m := NewMachineState()
	m.applySetting("$131", "400.000")

	snap := m.Snapshot()
	snap.Settings["$131"] = "tampered"

	v, ok := m.Snapshot().Setting("$131")
	if !ok || v != "400.000" {
		t.Fatalf("expected original setting unaffected by mutation of snapshot copy, got %q", v)
	}
}

func TestMachineState_ApplyProbeAndG28(t *testing.T) {
	m := NewMachineState()
	m.applyProbe(Probe{Success: true, Z: -5.5})
	m.applyG28(Position{X: 1, Y: 2, Z: 3})

	snap := m.Snapshot()
	if !snap.LastProbe.Success || snap.LastProbe.Z != -5.5 {
		t.Errorf("unexpected probe: %+v", snap.LastProbe)
	}
	if snap.G28Position != (Position{X: 1, Y: 2, Z: 3}) {
		t.Errorf("unexpected G28 position: %+v", snap.G28Position)
	}
}
