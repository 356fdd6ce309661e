package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/fatih/color"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("stordrv %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestTableAlignsColouredCells(t *testing.T) {
	saved := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = saved }()

	tbl := &table{}
	tbl.add(okColor("ok"), "x")
	tbl.add("timed out", "y")
	var buf bytes.Buffer
	if err := tbl.write(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	// "timed out" is 9 cells wide; both second columns start at 11.
	if ansi.Strip(lines[0]) != "ok"+strings.Repeat(" ", 9)+"x" || lines[1] != "timed out  y" {
		t.Fatalf("table = %q", lines)
	}
}

func TestScanCommand(t *testing.T) {
	out := execute(t, "scan")
	for _, want := range []string{"00:1f.2", "ahci", "00:04.0", "virtio-scsi", "1af4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("scan output missing %q:\n%s", want, out)
		}
	}
}

func TestProbeCommand(t *testing.T) {
	out := execute(t, "probe")
	for _, want := range []string{"ahci", "ok", "1.0 MiB", "TINYRNGE", "SATA", "ATAPI"} {
		if !strings.Contains(out, want) {
			t.Fatalf("probe output missing %q:\n%s", want, out)
		}
	}
}

func TestReadCommand(t *testing.T) {
	image := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, 16*512)
	copy(data[512:], "stordrv block 1")
	if err := os.WriteFile(image, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, "--image", image, "read", "1")
	if !strings.Contains(out, "stordrv block 1") {
		t.Fatalf("read output:\n%s", out)
	}
	if strings.Count(out, "\n") != 32 {
		t.Fatalf("expected 32 dump lines for one block:\n%s", out)
	}
}

func TestReadCommandRejectsRangeBeyondDisk(t *testing.T) {
	tests := [][]string{
		{"read", "0", "-n", "18446744073709551615"},
		{"read", "2047", "-n", "2"},
		{"read", "4096"},
	}
	for _, args := range tests {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "beyond") {
			t.Fatalf("stordrv %s: err = %v", strings.Join(args, " "), err)
		}
	}
}

func TestConfigCommandRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stordrv.yaml")
	execute(t, "--backend", "sim", "config", "-o", path)

	out := execute(t, "--config", path, "config")
	if !strings.Contains(out, "backend: sim") || !strings.Contains(out, "transport: queue") {
		t.Fatalf("config output:\n%s", out)
	}
}
