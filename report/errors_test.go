package report

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfThroughWrapping(t *testing.T) {
	err := Wrap(KindSchema, "a.xlsx", errors.New("no STRING_ID"))
	wrapped := fmt.Errorf("read: %w", err)
	assert.Equal(t, KindSchema, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Nil(t, Wrap(KindStore, "", nil))
}

func TestErrCancelledMatchesAnyCancellation(t *testing.T) {
	err := Errorf(KindCancellation, "", "stopped after %d files", 3)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.False(t, errors.Is(Wrap(KindStore, "", errors.New("x")), ErrCancelled))
}

func TestResultAddError(t *testing.T) {
	r := NewResult("run", "build")
	r.AddError("a.xlsx", Wrap(KindFileOpen, "a.xlsx", errors.New("locked")), KindStore)
	r.AddError("b.xlsx", errors.New("boom"), KindStore)
	by := r.ErrorsByKind()
	require.Len(t, by[KindFileOpen], 1)
	require.Len(t, by[KindStore], 1)
	assert.Equal(t, "b.xlsx", by[KindStore][0].File)
}
