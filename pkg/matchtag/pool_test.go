package matchtag

import (
	"testing"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocNeverReturnsZero(t *testing.T) {
	p := New(4)
	for i := 0; i < 4; i++ {
		tag, err := p.Alloc()
		require.NoError(t, err)
		assert.NotZero(t, tag)
	}
}

func TestAllocIsUniqueUntilFreed(t *testing.T) {
	p := New(4)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		tag, err := p.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[tag], "tag %d allocated twice while outstanding", tag)
		seen[tag] = true
	}

	_, err := p.Alloc()
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.Again))

	// free one, should be reusable
	var freed uint32
	for tag := range seen {
		freed = tag
		break
	}
	p.Free(freed)
	tag, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, freed, tag)
}

func TestFreeUnallocatedIsNoOp(t *testing.T) {
	p := New(4)
	p.Free(0)
	p.Free(99)
	tag, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tag)
}

func TestAvail(t *testing.T) {
	p := New(4)
	assert.Equal(t, uint32(4), p.Avail())
	tag, err := p.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), p.Avail())
	p.Free(tag)
	assert.Equal(t, uint32(4), p.Avail())
}

func TestOutstanding(t *testing.T) {
	p := New(8)
	tags := make([]uint32, 0, 3)
	for i := 0; i < 3; i++ {
		tag, err := p.Alloc()
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Equal(t, 3, p.Outstanding())
	p.Free(tags[0])
	assert.Equal(t, 2, p.Outstanding())
}
