package query

import (
	"iter"
	"slices"
)

// Cursor is a lazy, single pass sequence of matching paths. Close may be
// called at any point to abandon the remaining results.
//
//	for c.Next() {
//		use(c.Path())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor interface {
	Next() bool
	Path() string
	Err() error
	Close()
}

type pullCursor struct {
	next func() (string, error, bool)
	stop func()
	path string
	err  error
	done bool
}

// NewCursor returns a cursor over seq. The sequence is only started by the
// first call to Next. A non-nil error ends the cursor.
func NewCursor(seq iter.Seq2[string, error]) Cursor {
	next, stop := iter.Pull2(seq)
	return &pullCursor{next: next, stop: stop}
}

// PathCursor returns a cursor over a sequence that cannot fail.
func PathCursor(seq iter.Seq[string]) Cursor {
	return NewCursor(func(yield func(string, error) bool) {
		for p := range seq {
			if !yield(p, nil) {
				return
			}
		}
	})
}

// SliceCursor returns a cursor over paths.
func SliceCursor(paths []string) Cursor {
	return PathCursor(slices.Values(paths))
}

// EmptyCursor returns a cursor without results. A non-nil err is reported
// by Err.
func EmptyCursor(err error) Cursor {
	return NewCursor(func(yield func(string, error) bool) {
		if err != nil {
			yield("", err)
		}
	})
}

func (c *pullCursor) Next() bool {
	if c.done {
		return false
	}
	p, err, ok := c.next()
	if !ok {
		c.Close()
		return false
	}
	if err != nil {
		c.err = err
		c.Close()
		return false
	}
	c.path = p
	return true
}

func (c *pullCursor) Path() string { return c.path }

func (c *pullCursor) Err() error { return c.err }

func (c *pullCursor) Close() {
	if c.done {
		return
	}
	c.done = true
	c.path = ""
	c.stop()
}

// All adapts c to a range-over-func sequence. Breaking out of the loop
// closes c.
func All(c Cursor) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.Path(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield("", err)
		}
	}
}

// closingCursor also closes the cursors it reads from, which may not have
// been started yet.
type closingCursor struct {
	Cursor
	inner []Cursor
}

func (c *closingCursor) Close() {
	c.Cursor.Close()
	for _, in := range c.inner {
		in.Close()
	}
}

// Distinct drops paths already returned by c.
func Distinct(c Cursor) Cursor {
	out := NewCursor(func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		for p, err := range All(c) {
			if err != nil {
				yield("", err)
				return
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			if !yield(p, nil) {
				return
			}
		}
	})
	return &closingCursor{Cursor: out, inner: []Cursor{c}}
}

// Concat returns the results of each cursor in turn. Cursors not yet
// reached are closed when the result is closed.
func Concat(cursors ...Cursor) Cursor {
	out := NewCursor(func(yield func(string, error) bool) {
		for _, c := range cursors {
			for p, err := range All(c) {
				if !yield(p, err) || err != nil {
					return
				}
			}
		}
	})
	return &closingCursor{Cursor: out, inner: cursors}
}

// Collect drains c.
func Collect(c Cursor) ([]string, error) {
	var out []string
	for p, err := range All(c) {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}
