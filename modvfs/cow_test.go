package modvfs

import (
	"os"
	"path/filepath"
	"testing"
)

func buildSimpleOverlay(t *testing.T) (*Table, *Registry, string) {
	t.Helper()
	loopback, output := t.TempDir(), t.TempDir()
	writeFile(t, loopback, "Data/readme.txt", "original")

	reg := &Registry{
		Loopback: openMod(t, "loopback", loopback),
		Output:   openMod(t, "output", output),
	}
	table := NewTable(64)
	if err := BuildOverlay(table, reg); err != nil {
		t.Fatalf("BuildOverlay: %v", err)
	}
	return table, reg, output
}

func TestRedirectToOutputCopiesAndRetargets(t *testing.T) {
	table, reg, outputDir := buildSimpleOverlay(t)

	dataIdx, _ := table.FindDirentIndex(1, "Data")
	dataID := table.Entries(1)[dataIdx].Child
	fileIdx, _ := table.FindDirentIndex(dataID, "readme.txt")
	fileID := table.Entries(dataID)[fileIdx].Child

	if mod, _ := table.Mod(fileID); mod != reg.Loopback {
		t.Fatal("expected file initially backed by loopback")
	}

	if err := RedirectToOutput(table, reg, fileID); err != nil {
		t.Fatalf("RedirectToOutput: %v", err)
	}

	mod, relPath := table.Mod(fileID)
	if mod != reg.Output {
		t.Fatal("expected file retargeted to output")
	}
	if relPath != "Data/readme.txt" {
		t.Fatalf("relPath = %s, want Data/readme.txt", relPath)
	}

	got, err := os.ReadFile(filepath.Join(outputDir, "Data", "readme.txt"))
	if err != nil {
		t.Fatalf("expected copy to exist in output: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("copied content = %q, want %q", got, "original")
	}
}

func TestRedirectToOutputIsNoopWhenAlreadyOutput(t *testing.T) {
	table, reg, _ := buildSimpleOverlay(t)

	dataIdx, _ := table.FindDirentIndex(1, "Data")
	dataID := table.Entries(1)[dataIdx].Child
	fileIdx, _ := table.FindDirentIndex(dataID, "readme.txt")
	fileID := table.Entries(dataID)[fileIdx].Child

	if err := RedirectToOutput(table, reg, fileID); err != nil {
		t.Fatal(err)
	}
	if err := RedirectToOutput(table, reg, fileID); err != nil {
		t.Fatalf("second redirect should be a no-op, got: %v", err)
	}
}

func TestMakeOutputPathCreatesIntermediateDirs(t *testing.T) {
	table, reg, outputDir := buildSimpleOverlay(t)

	if _, err := MakeOutputPath(table, reg.Output, "Data"); err != nil {
		t.Fatalf("MakeOutputPath: %v", err)
	}

	if fi, err := os.Stat(filepath.Join(outputDir, "Data")); err != nil || !fi.IsDir() {
		t.Fatalf("expected Data directory created in output, err=%v", err)
	}

	dataIdx, _ := table.FindDirentIndex(1, "Data")
	dataID := table.Entries(1)[dataIdx].Child
	if mod, _ := table.Mod(dataID); mod != reg.Output {
		t.Fatal("expected Data directory retargeted to output")
	}
}
