// Package ferr wraps the error taxonomy of the storage/VM subsystems with
// github.com/pkg/errors context so that a failing sector read can be traced
// back to the disk offset and device role that produced it, without forcing
// every call site to thread that information through defs.Err_t by hand.
package ferr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category names the local error taxonomy used across the storage and VM
// packages. These are not the defs.Err_t codes; they are the richer,
// contextualized errors produced by device, cache, freemap, inode, frame,
// swap, fault and mmapfile. They are returned to callers as they are, not
// converted to a defs.Err_t.
type Category int

const (
	ResourceExhausted Category = iota
	IoFailure
	NotFound
	InvalidArgument
	Conflict
	FileTooLarge
)

func (c Category) String() string {
	switch c {
	case ResourceExhausted:
		return "resource exhausted"
	case IoFailure:
		return "i/o failure"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case Conflict:
		return "conflict"
	case FileTooLarge:
		return "file too large"
	default:
		return "unknown"
	}
}

// taggedErr carries a Category alongside the wrapped cause so that callers
// above the device/freemap boundary can recover it with Categorize.
type taggedErr struct {
	cat Category
	err error
}

func (t *taggedErr) Error() string { return fmt.Sprintf("%s: %v", t.cat, t.err) }
func (t *taggedErr) Cause() error  { return t.err }
func (t *taggedErr) Unwrap() error { return t.err }

// New creates a categorized error with the given message, in the style of
// errors.New but tagged for later Categorize calls.
func New(cat Category, msg string) error {
	return &taggedErr{cat: cat, err: errors.New(msg)}
}

// Newf is New with a format string.
func Newf(cat Category, format string, args ...interface{}) error {
	return &taggedErr{cat: cat, err: errors.Errorf(format, args...)}
}

// Wrap annotates err with msg and tags it with cat. A nil err yields a nil
// result, matching github.com/pkg/errors.Wrap's convention.
func Wrap(err error, cat Category, msg string) error {
	if err == nil {
		return nil
	}
	return &taggedErr{cat: cat, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, cat Category, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &taggedErr{cat: cat, err: errors.Wrapf(err, format, args...)}
}

// Categorize recovers the Category tagged onto err by Wrap/New, walking the
// cause chain. ok is false if err was never tagged.
func Categorize(err error) (cat Category, ok bool) {
	for err != nil {
		if t, match := err.(*taggedErr); match {
			return t.cat, true
		}
		cause, has := err.(interface{ Cause() error })
		if !has {
			break
		}
		err = cause.Cause()
	}
	return 0, false
}
