package procscan

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestScannerFindsDeviceDescriptors(t *testing.T) {
	root := t.TempDir()

	game := setupProcEntry(t, root, 1234, "game\n")
	game.linkFD(t, "3", "/dev/null")
	game.linkFD(t, "5", "/dev/dri/renderD128")
	game.linkFD(t, "7", "/dev/dri/renderD128")

	other := setupProcEntry(t, root, 2000, "other\n")
	other.linkFD(t, "4", "/dev/dri/renderD129")

	card := setupProcEntry(t, root, 3000, "compositor\n")
	card.linkFD(t, "9", "/dev/dri/card0")
	card.linkFD(t, "10", "/dev/dri/card01")

	scanner, err := NewScanner(root, []string{"/dev/dri/renderD128", "/dev/dri/card0"}, Options{MaxPIDs: 100, MaxFDsPerPID: 16}, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	procs, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 processes, got %+v", procs)
	}

	if procs[0].PID != 1234 || procs[0].Name != "game" {
		t.Fatalf("unexpected first process %+v", procs[0])
	}
	if len(procs[0].FDs) != 2 || procs[0].FDs[0] != 5 || procs[0].FDs[1] != 7 {
		t.Fatalf("unexpected fds %v", procs[0].FDs)
	}

	if procs[1].PID != 3000 || len(procs[1].FDs) != 1 || procs[1].FDs[0] != 9 {
		t.Fatalf("card node match should be component-wise, got %+v", procs[1])
	}
}

func TestScannerSkipsProcessWithoutName(t *testing.T) {
	root := t.TempDir()

	proc := setupProcEntry(t, root, 42, "")
	proc.linkFD(t, "5", "/dev/dri/renderD128")
	if err := os.Remove(filepath.Join(proc.root, "comm")); err != nil {
		t.Fatalf("remove comm: %v", err)
	}

	scanner, err := NewScanner(root, []string{"/dev/dri/renderD128"}, Options{}, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	procs, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(procs) != 0 {
		t.Fatalf("expected process without comm to be skipped, got %+v", procs)
	}
}

func TestScannerHonoursFDLimit(t *testing.T) {
	root := t.TempDir()

	proc := setupProcEntry(t, root, 77, "busy\n")
	proc.linkFD(t, "1", "/dev/dri/renderD128")
	proc.linkFD(t, "2", "/dev/dri/renderD128")
	proc.linkFD(t, "3", "/dev/dri/renderD128")

	scanner, err := NewScanner(root, []string{"/dev/dri/renderD128"}, Options{MaxFDsPerPID: 2}, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	procs, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(procs) != 1 || len(procs[0].FDs) != 2 {
		t.Fatalf("expected fd limit to apply, got %+v", procs)
	}
}

func TestScannerHonoursPIDLimitInPIDOrder(t *testing.T) {
	root := t.TempDir()

	for _, pid := range []int{3000300, 3000010, 3000001, 3000002} {
		proc := setupProcEntry(t, root, pid, "client\n")
		proc.linkFD(t, "4", "/dev/dri/renderD128")
	}

	scanner, err := NewScanner(root, []string{"/dev/dri/renderD128"}, Options{MaxPIDs: 3}, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	for range 3 {
		procs, err := scanner.Scan()
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(procs) != 3 || procs[0].PID != 3000001 || procs[1].PID != 3000002 || procs[2].PID != 3000010 {
			t.Fatalf("expected the three lowest pids in order, got %+v", procs)
		}
	}
}

func TestNewScannerRequiresDevice(t *testing.T) {
	if _, err := NewScanner(t.TempDir(), nil, Options{}, nil); err == nil {
		t.Fatalf("expected error without device paths")
	}
}

type procFixture struct {
	root string
	pid  int
}

func setupProcEntry(t *testing.T, root string, pid int, comm string) procFixture {
	t.Helper()
	p := procFixture{
		root: filepath.Join(root, strconv.Itoa(pid)),
		pid:  pid,
	}
	mustMkdir(t, filepath.Join(p.root, "fd"))
	mustMkdir(t, filepath.Join(p.root, "fdinfo"))
	writeFile(t, filepath.Join(p.root, "comm"), comm)
	return p
}

func (p procFixture) linkFD(t *testing.T, fd, target string) {
	t.Helper()
	if err := os.Symlink(target, filepath.Join(p.root, "fd", fd)); err != nil {
		t.Fatalf("symlink fd %s: %v", fd, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}
