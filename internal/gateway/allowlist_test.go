package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	a, err := NewAllowlist([]string{"197.97.145.144/28", "41.74.179.194", " "}, false)
	require.NoError(t, err)

	assert.True(t, a.Allows("197.97.145.159"))
	assert.False(t, a.Allows("197.97.145.160"))
	assert.True(t, a.Allows("41.74.179.194"))
	assert.True(t, a.Allows("::ffff:41.74.179.194"))
	assert.False(t, a.Allows("not-an-ip"))
	assert.False(t, a.Allows(""))
}

func TestAllowlist_Sandbox(t *testing.T) {
	a, err := NewAllowlist(nil, true)
	require.NoError(t, err)
	assert.True(t, a.Allows("8.8.8.8"))
}

func TestAllowlist_InvalidEntry(t *testing.T) {
	_, err := NewAllowlist([]string{"300.1.1.1/8"}, false)
	assert.Error(t, err)
}
