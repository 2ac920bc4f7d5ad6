package fs

import (
	"bytes"
	"testing"
)

// Repeatedly rewriting file pages leaves stale pages behind; once the spare
// set shrinks to the threshold, the commit path must collect a block and the
// data must survive the moves.
func TestGCTriggersAndPreservesData(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "churn"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	payload := int(fsys.params.payload)
	content := make([]byte, payload*6)
	for i := range content {
		content[i] = byte(i % 251)
	}

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	// one page per transaction keeps stale copies accumulating
	for off := 0; off < len(content); off += payload {
		if _, err := stream.Write(content[off : off+payload]); err != nil {
			t.Fatalf("Write at %d failed: %v", off, err)
		}
		if err := fsys.FlushStream(&stream); err != nil {
			t.Fatalf("FlushStream at %d failed: %v", off, err)
		}
	}

	// a full rewrite pass doubles the churn without growing the live set
	if err := stream.Seek(SeekStart, 0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	for off := 0; off < len(content); off += payload {
		if _, err := stream.Write(content[off : off+payload]); err != nil {
			t.Fatalf("rewrite at %d failed: %v", off, err)
		}
		if err := fsys.FlushStream(&stream); err != nil {
			t.Fatalf("rewrite flush at %d failed: %v", off, err)
		}
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	if fsys.readonly.Load() {
		t.Fatal("filesystem went read-only, garbage collection failed")
	}
	if fsys.gcRuns.Load() == 0 {
		t.Fatalf("no gc pass ran; spare=%d threshold=%d", fsys.alloc.spare, fsys.alloc.maxLevels())
	}
	if fsys.alloc.spare <= fsys.alloc.maxLevels() {
		t.Fatalf("spare=%d still at or below threshold %d after gc", fsys.alloc.spare, fsys.alloc.maxLevels())
	}

	// every page written before and during collection is still readable
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	back := make([]byte, len(content))
	if n, err := stream.Read(back); err != nil || n != len(content) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
	if !bytes.Equal(back, content) {
		t.Fatal("content corrupted by garbage collection")
	}

	checkCounters(t, fsys)
}

// GC must relocate through the live node instance while a stream holds the
// file open.
func TestGCWithOpenStream(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "held"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	payload := int(fsys.params.payload)
	chunk := bytes.Repeat([]byte("y"), payload)

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		if _, err := stream.Write(chunk); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
		if err := fsys.FlushStream(&stream); err != nil {
			t.Fatalf("FlushStream %d failed: %v", i, err)
		}
	}

	if fsys.readonly.Load() {
		t.Fatal("filesystem went read-only with an open stream")
	}

	if err := stream.Seek(SeekStart, 0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	back := make([]byte, payload*8)
	if n, err := stream.Read(back); err != nil || n != len(back) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
}
