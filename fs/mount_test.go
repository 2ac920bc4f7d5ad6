package fs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// remount drops all in-memory state and builds a fresh instance over the
// same device image.
func remount(t *testing.T, dev flash.Device, cfg Config) *Fs {
	t.Helper()
	fsys, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := fsys.Mount(false); err != nil {
		t.Fatalf("non-purge Mount failed: %v", err)
	}
	return fsys
}

func writeFile(t *testing.T, fsys *Fs, dir *Node, name string, content []byte) {
	t.Helper()
	node := *dir
	if err := fsys.NewFile(&node, name); err != nil {
		t.Fatalf("NewFile(%q) failed: %v", name, err)
	}
	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream(%q) failed: %v", name, err)
	}
	if _, err := stream.Write(content); err != nil {
		t.Fatalf("Write(%q) failed: %v", name, err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream(%q) failed: %v", name, err)
	}
}

func readFile(t *testing.T, fsys *Fs, name string) []byte {
	t.Helper()
	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&node, name); err != nil {
		t.Fatalf("lookup of %q failed: %v", name, err)
	}
	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream(%q) failed: %v", name, err)
	}
	content := make([]byte, stream.Size())
	if _, err := stream.Read(content); err != nil {
		t.Fatalf("Read(%q) failed: %v", name, err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream(%q) failed: %v", name, err)
	}
	return content
}

func TestMountRoundTrip(t *testing.T) {
	cfg := roomyConfig()
	fsys, dev := newTestFs(t, cfg)

	var root Node
	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}

	contentA := bytes.Repeat([]byte("alpha "), 100)
	contentB := []byte("tiny")
	writeFile(t, fsys, &root, "a", contentA)
	writeFile(t, fsys, &root, "b", contentB)

	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewDirectory(&root, "sub"); err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}
	sub := root
	writeFile(t, fsys, &sub, "c", []byte("nested"))

	if err := fsys.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mounted := remount(t, dev, cfg)

	if got := readFile(t, mounted, "a"); !bytes.Equal(got, contentA) {
		t.Fatal("content of a lost across remount")
	}
	if got := readFile(t, mounted, "b"); !bytes.Equal(got, contentB) {
		t.Fatal("content of b lost across remount")
	}

	var node Node
	if err := mounted.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := mounted.FetchChildByName(&node, "sub"); err != nil {
		t.Fatalf("lookup of sub failed: %v", err)
	}
	if err := mounted.FetchChildByName(&node, "c"); err != nil {
		t.Fatalf("lookup of sub/c failed: %v", err)
	}
	if node.Name() != "c" {
		t.Fatalf("resolved %q, want c", node.Name())
	}

	checkCounters(t, mounted)
}

func TestMountContinuesIDAssignment(t *testing.T) {
	cfg := roomyConfig()
	fsys, dev := newTestFs(t, cfg)

	var root Node
	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	writeFile(t, fsys, &root, "old", []byte("x"))

	var before Node
	if err := fsys.FetchRoot(&before); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&before, "old"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if err := fsys.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mounted := remount(t, dev, cfg)

	var node Node
	if err := mounted.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := mounted.NewFile(&node, "new"); err != nil {
		t.Fatalf("NewFile after remount failed: %v", err)
	}
	if node.ID() <= before.ID() {
		t.Fatalf("new id %d not above preserved id %d", node.ID(), before.ID())
	}
}

// cuttableDevice silently discards all writes and erases once armed,
// simulating a power cut: everything after the cut never reaches the flash.
type cuttableDevice struct {
	*flash.MemDevice
	cut bool
}

func (d *cuttableDevice) Write(addr flash.Address, src []byte) error {
	if d.cut {
		return nil
	}
	return d.MemDevice.Write(addr, src)
}

func (d *cuttableDevice) EnsureErased(block uint32) error {
	if d.cut {
		return nil
	}
	return d.MemDevice.EnsureErased(block)
}

func TestMountAfterPowerCutDropsUnstampedRoot(t *testing.T) {
	cfg := specConfig()
	dev := &cuttableDevice{MemDevice: flash.NewMemDevice(cfg.Device)}

	fsys, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := fsys.Mount(true); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	var root Node
	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	writeFile(t, fsys, &root, "a", []byte("first"))
	writeFile(t, fsys, &root, "b", []byte("second"))
	if err := fsys.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// the cut: the transaction creating c runs entirely in RAM, its pages
	// and the root stamp never reach the device
	dev.cut = true
	writeFile(t, fsys, &root, "c", []byte("lost"))
	_ = fsys.Flush()

	mounted := remount(t, dev, cfg)

	if got := readFile(t, mounted, "a"); !bytes.Equal(got, []byte("first")) {
		t.Fatal("content of a lost after power cut")
	}
	if got := readFile(t, mounted, "b"); !bytes.Equal(got, []byte("second")) {
		t.Fatal("content of b lost after power cut")
	}

	var node Node
	if err := mounted.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := mounted.FetchChildByName(&node, "c"); !errors.Is(err, common.ErrNoSuchEntry) {
		t.Fatalf("c visible after power cut: %v", err)
	}

	checkCounters(t, mounted)
}
