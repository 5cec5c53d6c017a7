package errno

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeRecoversWrappedErrno(t *testing.T) {
	err := New(NoEnt, "attr %q", "bogus")
	code, ok := Code(err)
	require.True(t, ok)
	assert.Equal(t, NoEnt, code)
}

func TestCodeRecoversBareErrno(t *testing.T) {
	var err error = Perm
	code, ok := Code(err)
	require.True(t, ok)
	assert.Equal(t, Perm, code)
}

func TestCodeFalseForForeignError(t *testing.T) {
	_, ok := Code(errors.New("boom"))
	assert.False(t, ok)
}

func TestIs(t *testing.T) {
	err := New(Again, "outbound buffer full")
	assert.True(t, Is(err, Again))
	assert.False(t, Is(err, TimedOut))
}

func TestNoDataIsDistinctFromError(t *testing.T) {
	// ENODATA is a terminator, not a failure; callers must special-case it.
	err := New(NoData, "stream ended")
	code, ok := Code(err)
	require.True(t, ok)
	assert.Equal(t, NoData, code)
}
