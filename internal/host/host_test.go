package host

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/stordrv/internal/hw"
)

func TestDecodePagemapEntry(t *testing.T) {
	tests := []struct {
		entry uint64
		frame hw.Frame
		ok    bool
	}{
		{pagemapPresent | 0x1234, 0x1234000, true},
		{0x1234, 0, false},
		// Unprivileged readers get present pages with the PFN hidden.
		{pagemapPresent, 0, false},
		{pagemapPresent | 1<<55 | 0x10, 0x10000, true},
	}
	for _, tt := range tests {
		f, ok := decodePagemapEntry(tt.entry)
		if f != tt.frame || ok != tt.ok {
			t.Fatalf("decodePagemapEntry(%#x) = %#x, %v; want %#x, %v", tt.entry, f, ok, tt.frame, tt.ok)
		}
	}
}

func TestWidthAccess(t *testing.T) {
	page := make([]byte, hw.PageSize)
	for _, width := range []int{1, 2, 4, 8} {
		in := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}[:width]
		if err := storeWidth(page, 0x40, in); err != nil {
			t.Fatalf("store %d: %v", width, err)
		}
		out := make([]byte, width)
		if err := loadWidth(page, 0x40, out); err != nil {
			t.Fatalf("load %d: %v", width, err)
		}
		if !bytes.Equal(in, out) || !bytes.Equal(page[0x40:0x40+width], in) {
			t.Fatalf("width %d: stored % x, loaded % x", width, in, out)
		}
	}

	var ae *hw.AddressError
	if err := loadWidth(page, 0x41, make([]byte, 4)); !errors.As(err, &ae) {
		t.Fatalf("unaligned access err = %v", err)
	}
	if err := loadWidth(page, hw.PageSize-4, make([]byte, 8)); !errors.As(err, &ae) {
		t.Fatalf("page crossing err = %v", err)
	}
	if err := storeWidth(page, 0, make([]byte, 3)); !errors.Is(err, hw.ErrInvalidMemoryAddress) {
		t.Fatalf("3 byte access err = %v", err)
	}
}
