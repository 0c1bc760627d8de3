package lustre

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/sstack"
)

func setXattr(t *testing.T, path, name string, data []byte) {
	t.Helper()
	if err := unix.Lsetxattr(path, name, data, 0); err != nil {
		t.Skipf("Lsetxattr %s unsupported on this filesystem: %v", name, err)
	}
}

func encodeLOVv1(stripeCount uint16, stripeSize uint32, pattern uint32, osts []uint32) []byte {
	buf := make([]byte, 24+len(osts)*24)
	binary.LittleEndian.PutUint32(buf[0:4], lovMagicV1)
	binary.LittleEndian.PutUint32(buf[4:8], pattern)
	binary.LittleEndian.PutUint32(buf[12:16], stripeSize)
	binary.LittleEndian.PutUint16(buf[16:18], stripeCount)
	for i, idx := range osts {
		off := 24 + i*24
		binary.LittleEndian.PutUint32(buf[off+20:off+24], idx)
	}
	return buf
}

func encodeHSM(state, archiveID uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], state)
	binary.LittleEndian.PutUint32(buf[4:8], archiveID)
	return buf
}

func TestEnrichFuncDecodesLayoutAndHSM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	setXattr(t, path, "trusted.lov", encodeLOVv1(2, 1048576, 1, []uint32{3, 7}))
	setXattr(t, path, "trusted.hsm", encodeHSM(0x2, 5))

	enrich := EnrichFunc(&Context{})
	stack := sstack.New(4096)
	defer stack.Destroy()

	pairs, err := enrich(path, 0o100644, stack)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	var sawLayout, sawHSM bool
	for _, p := range pairs {
		switch p.Key {
		case "lustre.layout":
			sawLayout = true
		case "lustre.hsm":
			sawHSM = true
		}
	}
	if !sawLayout {
		t.Fatalf("pairs = %+v, missing lustre.layout", pairs)
	}
	if !sawHSM {
		t.Fatalf("pairs = %+v, missing lustre.hsm", pairs)
	}
}

func TestEnrichFuncIgnoresMissingXattrs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	enrich := EnrichFunc(&Context{})
	stack := sstack.New(4096)
	defer stack.Destroy()

	pairs, err := enrich(path, 0o100644, stack)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("pairs = %+v, want none", pairs)
	}
}

func TestReadLOVRejectsUnknownMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bogus := make([]byte, 28)
	binary.LittleEndian.PutUint32(bogus[0:4], 0xdeadbeef)
	setXattr(t, path, "trusted.lov", bogus)

	stack := sstack.New(4096)
	defer stack.Destroy()
	if _, err := readLOV(path, stack); !errors.Is(err, rbh.ErrNotSupported) {
		t.Fatalf("readLOV err = %v, want ErrNotSupported", err)
	}
}
