package jobid

import (
	"testing"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	id, err := Parse("42")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
}

func TestParseHex(t *testing.T) {
	id, err := Parse("0x2a")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
}

func TestParseDotHex(t *testing.T) {
	id, err := Parse("0000.0000.0000.002a")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
}

func TestParseKVSPath(t *testing.T) {
	id, err := Parse("job.0000.0000.0000.002a")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
}

func TestParseF58RoundTrip(t *testing.T) {
	id := ID(123456789)
	enc, err := id.Encode(FormF58)
	require.NoError(t, err)
	got, err := Parse(enc)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-an-id!!")
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.InvalidArg))
}

func TestEncodeAllForms(t *testing.T) {
	id := ID(42)
	dec, err := id.Encode(FormDec)
	require.NoError(t, err)
	assert.Equal(t, "42", dec)

	hex, err := id.Encode(FormHex)
	require.NoError(t, err)
	assert.Equal(t, "0x2a", hex)

	dh, err := id.Encode(FormDotHex)
	require.NoError(t, err)
	assert.Equal(t, "0000.0000.0000.002a", dh)

	kvs, err := id.Encode(FormKVS)
	require.NoError(t, err)
	assert.Equal(t, "job.0000.0000.0000.002a", kvs)
}

func TestEncodeUnknownForm(t *testing.T) {
	_, err := ID(1).Encode("bogus")
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.Proto))
}
