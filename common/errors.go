package common

import "errors"

var (
	ErrRead  = errors.New("device read failed")
	ErrWrite = errors.New("device write failed")

	ErrOutOfMemory     = errors.New("out of buffers")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrNoSuchEntry    = errors.New("no such entry")
	ErrAlreadyExists  = errors.New("entry already exists")
	ErrIsDirectory    = errors.New("entry is a directory")
	ErrIsNotDirectory = errors.New("entry is not a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrAlreadyInUse   = errors.New("entry already in use")

	ErrReadOnlyFs  = errors.New("filesystem is read-only")
	ErrInvalidSeek = errors.New("invalid seek")
)
