//go:build !windows

package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUnavailable(t *testing.T) {
	backend, err := New()
	assert.Nil(t, backend)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsAvailable())

	var b Backend
	assert.ErrorIs(t, b.NewBatch().Submit().Wait(), ErrUnavailable)
}
