package query

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackedSeq yields paths and records whether it ran to completion or was
// cut short.
type trackedSeq struct {
	paths    []string
	started  bool
	finished bool
}

func (s *trackedSeq) cursor() Cursor {
	return NewCursor(func(yield func(string, error) bool) {
		s.started = true
		defer func() { s.finished = true }()
		for _, p := range s.paths {
			if !yield(p, nil) {
				return
			}
		}
	})
}

func TestCursor_Drain(t *testing.T) {
	paths, err := Collect(SliceCursor([]string{"/a", "/b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, paths)

	paths, err = Collect(SliceCursor(nil))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestCursor_Lazy(t *testing.T) {
	seq := &trackedSeq{paths: []string{"/a", "/b", "/c"}}
	c := seq.cursor()
	assert.False(t, seq.started)

	require.True(t, c.Next())
	assert.Equal(t, "/a", c.Path())
	assert.True(t, seq.started)
	assert.False(t, seq.finished)

	c.Close()
	assert.True(t, seq.finished)
	assert.False(t, c.Next())
	assert.NoError(t, c.Err())
	c.Close()
}

func TestCursor_Error(t *testing.T) {
	boom := stderrors.New("boom")
	c := NewCursor(func(yield func(string, error) bool) {
		if !yield("/a", nil) {
			return
		}
		yield("", boom)
	})
	paths, err := Collect(c)
	assert.Equal(t, []string{"/a"}, paths)
	assert.ErrorIs(t, err, boom)

	_, err = Collect(EmptyCursor(boom))
	assert.ErrorIs(t, err, boom)
	_, err = Collect(EmptyCursor(nil))
	assert.NoError(t, err)
}

func TestDistinct(t *testing.T) {
	paths, err := Collect(Distinct(SliceCursor([]string{"/a", "/b", "/a", "/c", "/b"})))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
}

func TestConcat(t *testing.T) {
	paths, err := Collect(Concat(
		SliceCursor([]string{"/a", "/b"}),
		SliceCursor(nil),
		SliceCursor([]string{"/c"}),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)

	boom := stderrors.New("boom")
	paths, err = Collect(Concat(SliceCursor([]string{"/a"}), EmptyCursor(boom), SliceCursor([]string{"/c"})))
	assert.Equal(t, []string{"/a"}, paths)
	assert.ErrorIs(t, err, boom)
}

func TestConcat_AbandonClosesInputs(t *testing.T) {
	first := &trackedSeq{paths: []string{"/a", "/b"}}
	second := &trackedSeq{paths: []string{"/c"}}
	c := Distinct(Concat(first.cursor(), second.cursor()))

	require.True(t, c.Next())
	assert.Equal(t, "/a", c.Path())
	c.Close()

	assert.True(t, first.finished)
	assert.False(t, second.started)
}

func TestAll_Break(t *testing.T) {
	seq := &trackedSeq{paths: []string{"/a", "/b", "/c"}}
	var got []string
	for p, err := range All(seq.cursor()) {
		require.NoError(t, err)
		got = append(got, p)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"/a", "/b"}, got)
	assert.True(t, seq.finished)
}
