package fs

import (
	"github.com/pkg/errors"

	"github.com/intellect4all/flashfs/common"
)

// Whence selects the reference point of a Seek.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// Stream is a byte cursor over one file. It keeps at most one data page
// pinned; crossing a page boundary or seeking away flushes a written page
// into the file tree through Node.update.
type Stream struct {
	node    *Node
	page    uint32
	offset  uint32
	buf     *buffer
	written bool
}

func (s *Stream) initialize(node *Node) {
	s.node = node
	s.page = 0
	s.offset = 0
	s.buf = nil
	s.written = false
}

// Position returns the cursor's byte offset.
func (s *Stream) Position() uint32 {
	return s.page*s.node.fs.params.payload + s.offset
}

// Size returns the current byte length of the file.
func (s *Stream) Size() uint32 {
	return s.node.size
}

func (s *Stream) fetchPage() error {
	if s.Position() > s.node.size {
		return common.ErrInvalidSeek
	}
	buf, err := s.node.readPage(s.page)
	if err != nil {
		return err
	}
	s.buf = buf
	return nil
}

// flushPage pushes a written page into the file tree, or just lets go of a
// page that was only read.
func (s *Stream) flushPage() error {
	if s.written {
		if s.node.fs.readonly.Load() {
			return common.ErrReadOnlyFs
		}
		s.node.dirty = true
		err := s.node.update(s.page, s.Position(), s.buf)
		s.buf = nil
		s.written = false
		return err
	}
	if s.buf != nil {
		s.node.release(s.buf)
		s.buf = nil
	}
	return nil
}

// access pins the page under the cursor and returns the span of it the
// caller may touch, at most size bytes and never across the page boundary.
// At the very end of the file a fresh page is handed out for writing.
func (s *Stream) access(size uint32) ([]byte, error) {
	payload := s.node.fs.params.payload

	if s.offset == payload {
		if err := s.flushPage(); err != nil {
			return nil, err
		}
		s.page++
		s.offset = 0
	}

	if spaceLeft := payload - s.offset; size > spaceLeft {
		size = spaceLeft
	}

	if s.buf == nil {
		if s.Position() == s.node.size && s.offset == 0 {
			if s.node.fs.readonly.Load() {
				return nil, common.ErrReadOnlyFs
			}
			buf, err := s.node.emptyPage()
			if err != nil {
				return nil, err
			}
			s.buf = buf
		} else {
			if err := s.fetchPage(); err != nil {
				return nil, err
			}
		}
	}

	span := s.buf.data[s.offset : s.offset+size]
	s.offset += size
	return span, nil
}

// Read copies up to len(p) bytes from the cursor onward; short counts mean
// end of file.
func (s *Stream) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		pos := s.Position()
		if pos >= s.node.size {
			break
		}
		chunk := uint32(len(p))
		if pos+chunk > s.node.size {
			chunk = s.node.size - pos
		}

		span, err := s.access(chunk)
		if err != nil {
			return total, err
		}
		copy(p, span)
		p = p[len(span):]
		total += len(span)
	}
	return total, nil
}

// Write copies p at the cursor, extending the file as needed.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		span, err := s.access(uint32(len(p)))
		if err != nil {
			return total, err
		}
		copy(span, p)
		s.written = true
		p = p[len(span):]
		total += len(span)
	}
	return total, nil
}

// Seek moves the cursor. Positions beyond the end of the file (plus any
// unflushed tail the cursor itself produced) are invalid.
func (s *Stream) Seek(whence Whence, offset int32) error {
	size := s.node.size
	if pos := s.Position(); pos > size {
		size = pos
	}

	var newPosition uint32
	switch whence {
	case SeekStart:
		if offset < 0 || uint32(offset) > size {
			return common.ErrInvalidSeek
		}
		newPosition = uint32(offset)
	case SeekCurrent:
		if offset < 0 && uint32(-offset) > s.Position() {
			return common.ErrInvalidSeek
		}
		newPosition = uint32(int64(s.Position()) + int64(offset))
	case SeekEnd:
		if offset > 0 || uint32(-offset) > size {
			return common.ErrInvalidSeek
		}
		newPosition = size - uint32(-offset)
	default:
		return common.ErrInvalidArgument
	}

	if newPosition > size {
		return common.ErrInvalidSeek
	}

	payload := s.node.fs.params.payload
	oldPage := s.page
	newPage := newPosition / payload

	if s.buf != nil {
		if s.written {
			if err := s.flushPage(); err != nil {
				return err
			}
		} else if oldPage != newPage {
			s.node.release(s.buf)
			s.buf = nil
		}
	}

	s.page = newPage
	s.offset = newPosition % payload
	return nil
}

// Flush pushes a written page into the file tree, or lets go of a page that
// was only read. The metadata entry is left to FlushStream.
func (s *Stream) Flush() error {
	return s.flushPage()
}

// OpenStream attaches a stream to a file node. One node instance at a time:
// opening a file that another instance already has open fails.
func (fs *Fs) OpenStream(n *Node, s *Stream) error {
	if !n.hasData() {
		return common.ErrIsDirectory
	}

	fs.nodesMu.Lock()
	if opened, ok := fs.openNodes[n.key.id]; ok && opened != n {
		fs.nodesMu.Unlock()
		return errors.Wrapf(common.ErrAlreadyInUse, "%q", n.key.name)
	}

	n.refs++
	s.initialize(n)

	if n.refs == 1 {
		fs.openNodes[n.key.id] = n
		fs.nodesMu.Unlock()

		// refresh the content reference from the tree
		var value treeRef
		found, err := fs.meta.get(&n.key, &value)
		if err != nil {
			return err
		}
		if !found {
			return common.ErrNoSuchEntry
		}
		n.setRef(value)
		return nil
	}

	fs.nodesMu.Unlock()
	return nil
}

// FlushStream pushes stream state down to the file tree and, if a page was
// written since the last metadata update, writes the new content reference
// into the metadata tree.
func (fs *Fs) FlushStream(s *Stream) error {
	if err := s.flushPage(); err != nil {
		return err
	}

	if !s.node.dirty {
		return nil
	}
	if fs.readonly.Load() {
		return common.ErrReadOnlyFs
	}

	s.node.dirty = false

	updated, err := fs.meta.update(&s.node.key, s.node.ref())
	if err != nil {
		return err
	}
	if !updated {
		return common.ErrNoSuchEntry
	}
	return nil
}

// CloseStream flushes and detaches the stream.
func (fs *Fs) CloseStream(s *Stream) error {
	if err := fs.FlushStream(s); err != nil {
		return err
	}

	fs.nodesMu.Lock()
	s.node.refs--
	if s.node.refs == 0 {
		delete(fs.openNodes, s.node.key.id)
	}
	fs.nodesMu.Unlock()

	s.node = nil
	return nil
}
