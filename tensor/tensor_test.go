// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"testing"

	"github.com/born-ml/layergraph/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuffer(t *testing.T) {
	buf, err := tensor.NewBuffer(tensor.Shape{2, 3}, 4, tensor.Float16, nil)
	require.NoError(t, err)
	assert.Equal(t, 24, buf.Len())
	assert.Equal(t, 6, buf.ExampleSize())
	assert.False(t, buf.OnDevice())
	assert.ErrorIs(t, buf.Upload(), tensor.ErrNoDevice)

	_, err = tensor.NewBuffer(tensor.Shape{2, 0}, 1, tensor.Float32, nil)
	assert.Error(t, err)
}

func TestParsePrecision(t *testing.T) {
	for _, p := range []tensor.Precision{tensor.Float32, tensor.Float16, tensor.Float64} {
		got, err := tensor.ParsePrecision(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := tensor.ParsePrecision("bfloat16")
	assert.Error(t, err)
}

func TestDescriptor_Index(t *testing.T) {
	planar := tensor.Descriptor{Batch: 2, Channels: 3, Height: 4, Width: 5, Layout: tensor.Planar}
	interleaved := planar
	interleaved.Layout = tensor.Interleaved

	assert.Equal(t, ((1*3+2)*4+3)*5+4, planar.Index(1, 2, 3, 4))
	assert.Equal(t, ((1*4+3)*5+4)*3+2, interleaved.Index(1, 2, 3, 4))
	assert.Equal(t, tensor.Shape{3, 4, 5}, planar.Shape())
	assert.Equal(t, 120, planar.NumElements())
}
