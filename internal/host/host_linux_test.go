//go:build linux

package host

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/stordrv/internal/hw"
)

// openFiles backs every device with a plain file so the backend can be
// exercised without privileges.
func openFiles(t *testing.T) (Backend, string) {
	t.Helper()
	dir := t.TempDir()
	port := filepath.Join(dir, "port")
	mem := filepath.Join(dir, "mem")
	pagemap := filepath.Join(dir, "pagemap")
	for path, size := range map[string]int{port: 0x10000, mem: 4 * hw.PageSize, pagemap: 0} {
		if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	b, err := Open(Options{PortDevice: port, MemoryDevice: mem, PagemapDevice: pagemap})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, mem
}

func TestPortIO(t *testing.T) {
	b, _ := openFiles(t)
	if err := b.Out32(0xCF8, 0x8000_F800); err != nil {
		t.Fatalf("Out32: %v", err)
	}
	v, err := b.In32(0xCF8)
	if err != nil || v != 0x8000_F800 {
		t.Fatalf("In32 = %#x, %v", v, err)
	}
	if err := b.Out8(0x80, 0xAB); err != nil {
		t.Fatalf("Out8: %v", err)
	}
	if v, err := b.In16(0x80); err != nil || v != 0x00AB {
		t.Fatalf("In16 = %#x, %v", v, err)
	}
}

func TestMappedMemory(t *testing.T) {
	b, mem := openFiles(t)

	if err := b.WriteMMIO(0x2000, []byte{1, 2, 3, 4}); err == nil {
		t.Fatalf("unmapped write succeeded")
	}
	if err := b.Map(0x2000, 0x3000, hw.FlagPresent); !errors.Is(err, hw.ErrMemoryMapping) {
		t.Fatalf("non-identity map err = %v", err)
	}
	if err := b.Map(0x2000, 0x2000, hw.FlagPresent|hw.FlagWritable); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if f, err := b.Translate(0x2000); err != nil || f != 0x2000 {
		t.Fatalf("Translate = %#x, %v", f, err)
	}
	if err := b.WriteMMIO(0x2010, []byte{0xEF, 0xBE, 0xAD, 0xDE}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	got := make([]byte, 4)
	if err := b.ReadMMIO(0x2010, got); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got[0] != 0xEF || got[3] != 0xDE {
		t.Fatalf("read % x", got)
	}

	data, err := os.ReadFile(mem)
	if err != nil {
		t.Fatal(err)
	}
	if data[0x2010] != 0xEF {
		t.Fatalf("write did not reach the memory device")
	}
}

func TestAllocateWithoutPagemap(t *testing.T) {
	b, _ := openFiles(t)
	if _, err := b.AllocateFrame(); !errors.Is(err, hw.ErrFrameAllocationFailed) {
		t.Fatalf("AllocateFrame err = %v", err)
	}
}
