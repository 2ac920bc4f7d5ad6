package fs

import (
	"encoding/binary"

	"github.com/intellect4all/flashfs/flash"
)

// The three page payload layouts, as typed views over a buffer's payload
// bytes. A leaf (table) is a run of fixed-size elements terminated by the
// first one whose id is all-ones. An internal node is a branch count, K-1
// separator index keys and K child addresses. A blob index page is a flat
// run of child addresses.

type element struct {
	key   fullKey
	value treeRef
}

// tableView reads and writes leaf pages.
type tableView struct {
	p *params
	b []byte
}

// nodeView reads and writes internal B+tree pages.
type nodeView struct {
	p *params
	b []byte
}

// addrView reads and writes blob index pages.
type addrView struct {
	b []byte
}

func (fs *Fs) tableOf(b *buffer) tableView {
	return tableView{p: fs.params, b: b.data[:fs.params.payload]}
}

func (fs *Fs) nodeOf(b *buffer) nodeView {
	return nodeView{p: fs.params, b: b.data[:fs.params.payload]}
}

func (fs *Fs) addrsOf(b *buffer) addrView {
	return addrView{b: b.data[:fs.params.payload]}
}

//
// Leaf pages
//

func (t tableView) off(i int) int {
	return i * t.p.elemSize
}

func (t tableView) keyID(i int) uint32 {
	return binary.LittleEndian.Uint32(t.b[t.off(i)+8:])
}

func (t tableView) elementAt(i int) element {
	off := t.off(i)
	var e element
	e.key.indexed.parentID = binary.LittleEndian.Uint32(t.b[off:])
	e.key.indexed.hash = binary.LittleEndian.Uint32(t.b[off+4:])
	e.key.id = binary.LittleEndian.Uint32(t.b[off+8:])
	name := t.b[off+12 : off+12+t.p.nameLen+1]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	e.key.name = string(name[:n])
	e.value.root = flash.Address(binary.LittleEndian.Uint32(t.b[off+12+t.p.nameLen+1:]))
	e.value.size = binary.LittleEndian.Uint32(t.b[off+16+t.p.nameLen+1:])
	return e
}

func (t tableView) setElement(i int, key *fullKey, value treeRef) {
	off := t.off(i)
	binary.LittleEndian.PutUint32(t.b[off:], key.indexed.parentID)
	binary.LittleEndian.PutUint32(t.b[off+4:], key.indexed.hash)
	binary.LittleEndian.PutUint32(t.b[off+8:], key.id)
	name := t.b[off+12 : off+12+t.p.nameLen+1]
	n := copy(name, key.name)
	for ; n < len(name); n++ {
		name[n] = 0
	}
	binary.LittleEndian.PutUint32(t.b[off+12+t.p.nameLen+1:], uint32(value.root))
	binary.LittleEndian.PutUint32(t.b[off+16+t.p.nameLen+1:], value.size)
}

// setValue overwrites the value of an existing element in place.
func (t tableView) setValue(i int, value treeRef) {
	off := t.off(i)
	binary.LittleEndian.PutUint32(t.b[off+12+t.p.nameLen+1:], uint32(value.root))
	binary.LittleEndian.PutUint32(t.b[off+16+t.p.nameLen+1:], value.size)
}

func (t tableView) length() int {
	ret := 0
	for ret < t.p.maxElements {
		if t.keyID(ret) == invalidID {
			break
		}
		ret++
	}
	return ret
}

// terminate marks position idx as the end of the leaf.
func (t tableView) terminate(idx int) {
	if idx >= t.p.maxElements {
		return
	}
	off := t.off(idx)
	for i := 0; i < t.p.elemSize; i++ {
		t.b[off+i] = 0
	}
	binary.LittleEndian.PutUint32(t.b[off+8:], invalidID)
}

// makeRoom shifts elements [insIdx, nElements) up by one slot.
func (t tableView) makeRoom(insIdx, nElements int) {
	copy(t.b[t.off(insIdx+1):t.off(nElements+1)], t.b[t.off(insIdx):t.off(nElements)])
}

// removeElement shifts elements [insIdx+1, nElements) down and terminates.
func (t tableView) removeElement(insIdx, nElements int) {
	copy(t.b[t.off(insIdx):t.off(nElements-1)], t.b[t.off(insIdx+1):t.off(nElements)])
	t.terminate(nElements - 1)
}

// copyFrom copies one element slot from another leaf view.
func (t tableView) copyFrom(dst int, src tableView, srcIdx int) {
	copy(t.b[t.off(dst):t.off(dst+1)], src.b[src.off(srcIdx):src.off(srcIdx+1)])
}

//
// Internal pages
//

func (n nodeView) branches() int {
	return int(binary.LittleEndian.Uint32(n.b))
}

func (n nodeView) setBranches(v int) {
	binary.LittleEndian.PutUint32(n.b, uint32(v))
}

func (n nodeView) valOff(i int) int {
	return 4 + i*idxKeySize
}

func (n nodeView) childOff(i int) int {
	return 4 + (n.p.maxBranches-1)*idxKeySize + i*addrSize
}

func (n nodeView) valueAt(i int) indexKey {
	off := n.valOff(i)
	return indexKey{
		parentID: binary.LittleEndian.Uint32(n.b[off:]),
		hash:     binary.LittleEndian.Uint32(n.b[off+4:]),
	}
}

func (n nodeView) setValueAt(i int, k indexKey) {
	off := n.valOff(i)
	binary.LittleEndian.PutUint32(n.b[off:], k.parentID)
	binary.LittleEndian.PutUint32(n.b[off+4:], k.hash)
}

func (n nodeView) childAt(i int) flash.Address {
	return flash.Address(binary.LittleEndian.Uint32(n.b[n.childOff(i):]))
}

func (n nodeView) setChildAt(i int, a flash.Address) {
	binary.LittleEndian.PutUint32(n.b[n.childOff(i):], uint32(a))
}

// insert splits branch insIdx in two: the updated child keeps the slot, the
// new sibling goes right of it under the new separator.
func (n nodeView) insert(insIdx int, separator indexKey, updated, fresh flash.Address) {
	num := n.branches()
	for i := num - 1; i > insIdx; i-- {
		n.setValueAt(i, n.valueAt(i-1))
	}
	for i := num; i > insIdx+1; i-- {
		n.setChildAt(i, n.childAt(i-1))
	}
	n.setValueAt(insIdx, separator)
	n.setChildAt(insIdx, updated)
	n.setChildAt(insIdx+1, fresh)
	n.setBranches(num + 1)
}

// removeBranch merges branches delIdx and delIdx+1 into one child.
func (n nodeView) removeBranch(delIdx int, merged flash.Address) {
	num := n.branches()
	for i := delIdx; i < num-2; i++ {
		n.setValueAt(i, n.valueAt(i+1))
	}
	n.setChildAt(delIdx, merged)
	for i := delIdx + 1; i < num-1; i++ {
		n.setChildAt(i, n.childAt(i+1))
	}
	n.setBranches(num - 1)
}

//
// Blob index pages
//

func (a addrView) at(i uint32) flash.Address {
	return flash.Address(binary.LittleEndian.Uint32(a.b[i*addrSize:]))
}

func (a addrView) set(i uint32, addr flash.Address) {
	binary.LittleEndian.PutUint32(a.b[i*addrSize:], uint32(addr))
}
