package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRanksSingleAndRange(t *testing.T) {
	ranks, err := parseRanks("0,2-4,7")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4, 7}, ranks)
}

func TestParseRanksRejectsGarbage(t *testing.T) {
	_, err := parseRanks("x-y")
	assert.Error(t, err)
}

func TestParseRanksRejectsEmpty(t *testing.T) {
	_, err := parseRanks("")
	assert.Error(t, err)
}
