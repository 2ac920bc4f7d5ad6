package fs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// fillPage stamps a recognizable pattern for one page index.
func fillPage(dst []byte, page uint32) {
	for i := range dst {
		dst[i] = byte(uint32(i) + page*31)
	}
}

func TestBlobPageResolution(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())
	node := createFileNode(t, fsys, "pages")

	payload := fsys.params.payload
	const pages = 7

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	chunk := make([]byte, payload)
	for p := uint32(0); p < pages; p++ {
		fillPage(chunk, p)
		if _, err := stream.Write(chunk); err != nil {
			t.Fatalf("Write page %d failed: %v", p, err)
		}
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	// every page index resolves through its digit chain to its content
	want := make([]byte, payload)
	for p := uint32(0); p < pages; p++ {
		buf, err := node.readPage(p)
		if err != nil {
			t.Fatalf("readPage(%d) failed: %v", p, err)
		}
		fillPage(want, p)
		if !bytes.Equal(buf.data[:payload], want) {
			node.release(buf)
			t.Fatalf("page %d resolved to wrong content", p)
		}
		node.release(buf)
	}
}

func TestBlobDepthGrowth(t *testing.T) {
	cfg := roomyConfig()
	fsys, _ := newTestFs(t, cfg)
	node := createFileNode(t, fsys, "deep")

	payload := fsys.params.payload
	base := fsys.params.base

	// one page past the single-index-level capacity forces a second level
	pages := base + 1

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	chunk := make([]byte, payload)
	for p := uint32(0); p < pages; p++ {
		fillPage(chunk, p)
		if _, err := stream.Write(chunk); err != nil {
			t.Fatalf("Write page %d failed: %v", p, err)
		}
		if err := fsys.FlushStream(&stream); err != nil {
			t.Fatalf("FlushStream page %d failed: %v", p, err)
		}
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	if got := fsys.params.highestLevel(pages - 1); got != 1 {
		t.Fatalf("highestLevel(%d) = %d, want 1", pages-1, got)
	}

	want := make([]byte, payload)
	for _, p := range []uint32{0, 1, base - 1, base} {
		buf, err := node.readPage(p)
		if err != nil {
			t.Fatalf("readPage(%d) failed: %v", p, err)
		}
		fillPage(want, p)
		if !bytes.Equal(buf.data[:payload], want) {
			node.release(buf)
			t.Fatalf("page %d resolved to wrong content after depth growth", p)
		}
		node.release(buf)
	}
	checkCounters(t, fsys)
}

func TestBlobUpdateFarBeyondEndRejected(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())
	node := createFileNode(t, fsys, "sparsely")

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := stream.Write(bytes.Repeat([]byte("z"), int(fsys.params.payload))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	buf, err := node.emptyPage()
	if err != nil {
		t.Fatalf("emptyPage failed: %v", err)
	}
	err = node.update(5, 6*fsys.params.payload, buf)
	if !errors.Is(err, common.ErrInvalidSeek) {
		t.Fatalf("update far beyond end: %v", err)
	}
}

func TestBlobRelocate(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())
	node := createFileNode(t, fsys, "mover")

	payload := fsys.params.payload
	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	content := bytes.Repeat([]byte("m"), int(payload)*3)
	if _, err := stream.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	// move the first data page
	buf, err := node.readPage(0)
	if err != nil {
		t.Fatalf("readPage failed: %v", err)
	}
	target := buf.addr
	node.release(buf)

	moved, err := node.relocate(&target)
	if err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if !moved {
		t.Fatal("page not relocated")
	}

	buf, err = node.readPage(0)
	if err != nil {
		t.Fatalf("readPage after relocate failed: %v", err)
	}
	if buf.addr != target {
		node.release(buf)
		t.Fatalf("page 0 now at %d, relocate reported %d", buf.addr, target)
	}
	if !bytes.Equal(buf.data[:payload], content[:payload]) {
		node.release(buf)
		t.Fatal("relocated page lost its content")
	}
	node.release(buf)

	// a page of another tree does not move
	foreign := fsys.meta.root
	moved, err = node.relocate(&foreign)
	if err != nil {
		t.Fatalf("foreign relocate failed: %v", err)
	}
	if moved {
		t.Fatal("blob tree moved a metadata page")
	}
}

func TestBlobDisposeReclaimsEverything(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())
	node := createFileNode(t, fsys, "doomed")

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := stream.Write(bytes.Repeat([]byte("d"), int(fsys.params.payload)*4)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	if err := node.dispose(); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if node.root != flash.InvalidAddress {
		t.Fatal("dispose left a root")
	}
	if node.hasData() {
		t.Fatal("dispose left the node a file")
	}
}
