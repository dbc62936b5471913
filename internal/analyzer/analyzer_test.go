package analyzer

import "testing"

func TestAnalyze_FeedAndPlungeSplit(t *testing.T) {
	lines := []string{
		"G90",
		"G0 X0 Y0 Z5",
		"G1 Z-1 F100",  // plunge: descending Z
		"G1 X10 F300",  // cut: lateral, not descending
	}
	r := Analyze(lines)

	if r.MaxPlunge != 100 {
		t.Errorf("expected max_plunge 100, got %v", r.MaxPlunge)
	}
	if r.MaxFeed != 300 {
		t.Errorf("expected max_feed 300, got %v", r.MaxFeed)
	}
	if r.TotalMinutes <= 0 {
		t.Errorf("expected positive total minutes, got %v", r.TotalMinutes)
	}
	if len(r.PerLineCumulativeMinutes) != len(lines) {
		t.Fatalf("expected per-line minutes length %d, got %d", len(lines), len(r.PerLineCumulativeMinutes))
	}
}

func TestAnalyze_SpindleMinMax(t *testing.T) {
	lines := []string{
		"M3 S1000",
		"G1 X10 F100",
		"M3 S500",
		"G1 X20 F100",
		"M3 S2000",
	}
	r := Analyze(lines)

	if r.MinSpindle != 500 {
		t.Errorf("expected min spindle 500, got %v", r.MinSpindle)
	}
	if r.MaxSpindle != 2000 {
		t.Errorf("expected max spindle 2000, got %v", r.MaxSpindle)
	}
}

func TestAnalyze_ToolChangeIndices(t *testing.T) {
	lines := []string{
		"G0 X0",
		"M6 T2",
		"G1 X10 F100",
		"M06 T3",
	}
	r := Analyze(lines)

	if len(r.ToolChangeLineIndices) != 2 || r.ToolChangeLineIndices[0] != 1 || r.ToolChangeLineIndices[1] != 3 {
		t.Fatalf("expected tool change indices [1 3], got %v", r.ToolChangeLineIndices)
	}
}

func TestAnalyze_MinutesToNextToolChange(t *testing.T) {
	lines := []string{
		"G1 X10 F60",
		"M6 T1",
		"G1 X20 F60",
	}
	r := Analyze(lines)

	if len(r.PerLineMinutesToNextToolChange) != len(lines) {
		t.Fatalf("expected length %d, got %d", len(lines), len(r.PerLineMinutesToNextToolChange))
	}
	// The value counts the minutes left after a line completes; the tool
	// change comes right after line 0, so line 0's value is 0.
	if r.PerLineMinutesToNextToolChange[0] < 0 {
		t.Errorf("expected non-negative minutes-to-next-tool-change, got %v", r.PerLineMinutesToNextToolChange[0])
	}
	// After the last tool change, minutes-to-next should measure to end of program.
	if r.PerLineMinutesToNextToolChange[2] < 0 {
		t.Errorf("expected non-negative minutes-to-end, got %v", r.PerLineMinutesToNextToolChange[2])
	}
}

func TestAnalyze_RelativeModeAccumulatesFromCurrentPosition(t *testing.T) {
	lines := []string{
		"G90",
		"G0 X0 Y0 Z0",
		"G91",
		"G1 X10 F60", // relative: moves to X=10
		"G1 X10 F60", // relative: moves to X=20
	}
	r := Analyze(lines)

	if r.BoundsXYZ.MaxX != 20 {
		t.Fatalf("expected bounds max X 20 after two relative +10 moves, got %v", r.BoundsXYZ.MaxX)
	}
}

func TestAnalyze_G28AndG53AreWarnings(t *testing.T) {
	lines := []string{
		"G28 Z0",
		"G1 X10 F60",
		"G53 G0 Z0",
	}
	r := Analyze(lines)

	if len(r.Warnings) != 2 {
		t.Fatalf("expected 2 warnings (G28, G53), got %d: %+v", len(r.Warnings), r.Warnings)
	}
	if r.Warnings[0].Code != "G28" || r.Warnings[0].Line != 0 {
		t.Errorf("expected first warning G28 at line 0, got %+v", r.Warnings[0])
	}
	if r.Warnings[1].Code != "G53" || r.Warnings[1].Line != 2 {
		t.Errorf("expected second warning G53 at line 2, got %+v", r.Warnings[1])
	}
}

func TestAnalyze_EmptyProgram(t *testing.T) {
	r := Analyze(nil)
	if r.TotalMinutes != 0 {
		t.Errorf("expected zero total minutes for empty program, got %v", r.TotalMinutes)
	}
	if len(r.PerLineCumulativeMinutes) != 0 {
		t.Errorf("expected empty per-line minutes, got %v", r.PerLineCumulativeMinutes)
	}
}
