package fs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/intellect4all/flashfs/common"
)

func TestCreateAndListChildren(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var root Node
	for _, name := range []string{"foo", "bar", "baz"} {
		if err := fsys.FetchRoot(&root); err != nil {
			t.Fatalf("FetchRoot failed: %v", err)
		}
		if err := fsys.NewFile(&root, name); err != nil {
			t.Fatalf("NewFile(%q) failed: %v", name, err)
		}
	}

	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}

	seen := map[string]bool{}
	err := fsys.FetchFirstChild(&root)
	for err == nil {
		seen[root.Name()] = true
		err = fsys.FetchNextSibling(&root)
	}
	if !errors.Is(err, common.ErrNoSuchEntry) {
		t.Fatalf("listing ended with %v", err)
	}

	if len(seen) != 3 || !seen["foo"] || !seen["bar"] || !seen["baz"] {
		t.Fatalf("listed children %v, want foo, bar, baz", seen)
	}
}

func TestLookupByName(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewDirectory(&node, "home"); err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}
	homeID := node.ID()

	if err := fsys.NewFile(&node, "notes"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&node, "home"); err != nil {
		t.Fatalf("lookup of home failed: %v", err)
	}
	if !node.IsDirectory() || node.ID() != homeID {
		t.Fatalf("home resolved to id=%d dir=%v", node.ID(), node.IsDirectory())
	}

	if err := fsys.FetchChildByName(&node, "notes"); err != nil {
		t.Fatalf("lookup of notes failed: %v", err)
	}
	if node.IsDirectory() {
		t.Fatal("notes resolved to a directory")
	}

	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&node, "missing"); !errors.Is(err, common.ErrNoSuchEntry) {
		t.Fatalf("lookup of missing entry: %v", err)
	}
}

func TestLookupByID(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "tracked"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	id := node.ID()

	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByID(&node, id); err != nil {
		t.Fatalf("FetchChildByID failed: %v", err)
	}
	if node.Name() != "tracked" {
		t.Fatalf("resolved name %q, want tracked", node.Name())
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "once"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "once"); !errors.Is(err, common.ErrAlreadyExists) {
		t.Fatalf("second create of once: %v", err)
	}
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var dir Node
	if err := fsys.FetchRoot(&dir); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewDirectory(&dir, "d"); err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}

	child := dir
	if err := fsys.NewFile(&child, "f"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	var victim Node
	if err := fsys.FetchRoot(&victim); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&victim, "d"); err != nil {
		t.Fatalf("lookup of d failed: %v", err)
	}
	if err := fsys.RemoveNode(&victim); !errors.Is(err, common.ErrNotEmpty) {
		t.Fatalf("removing non-empty directory: %v", err)
	}

	// after removing the child the directory goes away cleanly
	if err := fsys.FetchRoot(&victim); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&victim, "d"); err != nil {
		t.Fatalf("lookup of d failed: %v", err)
	}
	if err := fsys.FetchChildByName(&victim, "f"); err != nil {
		t.Fatalf("lookup of f failed: %v", err)
	}
	if err := fsys.RemoveNode(&victim); err != nil {
		t.Fatalf("removing f failed: %v", err)
	}

	if err := fsys.FetchRoot(&victim); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&victim, "d"); err != nil {
		t.Fatalf("lookup of d failed: %v", err)
	}
	if err := fsys.RemoveNode(&victim); err != nil {
		t.Fatalf("removing empty d failed: %v", err)
	}

	if err := fsys.FetchRoot(&victim); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&victim, "d"); !errors.Is(err, common.ErrNoSuchEntry) {
		t.Fatalf("d still resolvable after removal: %v", err)
	}
	checkCounters(t, fsys)
}

func TestRemoveRootRejected(t *testing.T) {
	fsys, _ := newTestFs(t, specConfig())

	var root Node
	if err := fsys.FetchRoot(&root); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.RemoveNode(&root); !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("removing root: %v", err)
	}
}

func TestRemoveFileDropsContent(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())

	var node Node
	if err := fsys.FetchRoot(&node); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.NewFile(&node, "big"); err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	var stream Stream
	if err := fsys.OpenStream(&node, &stream); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fsys.CloseStream(&stream); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	if err := fsys.RemoveNode(&node); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	var probe Node
	if err := fsys.FetchRoot(&probe); err != nil {
		t.Fatalf("FetchRoot failed: %v", err)
	}
	if err := fsys.FetchChildByName(&probe, "big"); !errors.Is(err, common.ErrNoSuchEntry) {
		t.Fatalf("big still resolvable: %v", err)
	}
	checkCounters(t, fsys)
}

func TestManyEntriesAcrossDirectories(t *testing.T) {
	fsys, _ := newTestFs(t, roomyConfig())

	var dirs []uint32
	var node Node
	for d := 0; d < 3; d++ {
		if err := fsys.FetchRoot(&node); err != nil {
			t.Fatalf("FetchRoot failed: %v", err)
		}
		if err := fsys.NewDirectory(&node, fmt.Sprintf("dir-%d", d)); err != nil {
			t.Fatalf("NewDirectory failed: %v", err)
		}
		dirs = append(dirs, node.ID())
	}

	const perDir = 8
	for d, id := range dirs {
		for f := 0; f < perDir; f++ {
			if err := fsys.FetchRoot(&node); err != nil {
				t.Fatalf("FetchRoot failed: %v", err)
			}
			if err := fsys.FetchChildByID(&node, id); err != nil {
				t.Fatalf("fetch dir %d failed: %v", d, err)
			}
			if err := fsys.NewFile(&node, fmt.Sprintf("file-%d-%d", d, f)); err != nil {
				t.Fatalf("NewFile failed: %v", err)
			}
		}
	}

	// each directory lists exactly its own files
	for d, id := range dirs {
		if err := fsys.FetchRoot(&node); err != nil {
			t.Fatalf("FetchRoot failed: %v", err)
		}
		if err := fsys.FetchChildByID(&node, id); err != nil {
			t.Fatalf("fetch dir %d failed: %v", d, err)
		}

		count := 0
		err := fsys.FetchFirstChild(&node)
		for err == nil {
			count++
			err = fsys.FetchNextSibling(&node)
		}
		if !errors.Is(err, common.ErrNoSuchEntry) {
			t.Fatalf("listing dir %d ended with %v", d, err)
		}
		if count != perDir {
			t.Fatalf("dir %d listed %d entries, want %d", d, count, perDir)
		}
	}
	checkCounters(t, fsys)
}
