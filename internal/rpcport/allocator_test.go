package rpcport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_Allocate(t *testing.T) {
	a, err := NewAllocator(55550, 55552)
	require.NoError(t, err)

	port, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 55550, port)

	used := map[int]struct{}{55550: {}, 55551: {}}
	port, err = a.Allocate(used)
	require.NoError(t, err)
	assert.Equal(t, 55552, port)
}

func TestAllocator_Exhausted(t *testing.T) {
	a, err := NewAllocator(55550, 55551)
	require.NoError(t, err)

	used := map[int]struct{}{55550: {}, 55551: {}}
	_, err = a.Allocate(used)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestNewAllocator_InvalidRange(t *testing.T) {
	_, err := NewAllocator(100, 50)
	assert.Error(t, err)
}
