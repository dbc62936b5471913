package wsserver

import "testing"

func TestScriptLibrary_SaveThenLoad(t *testing.T) {
	lib := newScriptLibrary(t.TempDir())

	if err := lib.Save("facing", "G0 Z5\nG1 X10 F200\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := lib.Load("facing")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "G0 Z5\nG1 X10 F200\n" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestScriptLibrary_LoadMissingReturnsError(t *testing.T) {
	lib := newScriptLibrary(t.TempDir())
	if _, err := lib.Load("absent"); err == nil {
		t.Fatal("expected error loading a script that was never saved")
	}
}

func TestScriptLibrary_RejectsPathEscapingNames(t *testing.T) {
	lib := newScriptLibrary(t.TempDir())
	if err := lib.Save("../escape", "G0"); err == nil {
		t.Fatal("expected Save to reject a name containing path separators")
	}
	if _, err := lib.Load("../../etc/passwd"); err == nil {
		t.Fatal("expected Load to reject a name containing path separators")
	}
}

func TestScriptLibrary_SaveOverwrites(t *testing.T) {
	lib := newScriptLibrary(t.TempDir())
	if err := lib.Save("probe", "v1"); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := lib.Save("probe", "v2"); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	got, err := lib.Load("probe")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "v2" {
		t.Errorf("expected overwritten content v2, got %q", got)
	}
}
