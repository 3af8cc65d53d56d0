package tensor

import (
	"math"
	"testing"

	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_Basics(t *testing.T) {
	s := Shape{3, 4, 5}
	assert.Equal(t, 60, s.NumElements())
	assert.True(t, s.Is2D())
	assert.False(t, s.IsSeq())
	assert.Equal(t, Shape{4, 5}, s.Tail())
	assert.Equal(t, "[3 4 5]", s.String())
	assert.Equal(t, 1, Shape{}.NumElements())

	c := s.Clone()
	c[0] = 9
	assert.Equal(t, 3, s[0], "clone must not alias")

	assert.Error(t, Shape{2, 0}.Validate())
	assert.NoError(t, Shape{1}.Validate())
}

func TestPrecision_Round(t *testing.T) {
	v := 1.0 / 3.0
	assert.Equal(t, v, Float64.Round(v))
	assert.Equal(t, float64(float32(v)), Float32.Round(v))

	half := Float16.Round(v)
	assert.InDelta(t, v, half, 1e-3)
	assert.NotEqual(t, float64(float32(v)), half)

	// Half precision saturates to infinity above 65504.
	assert.True(t, math.IsInf(Float16.Round(1e6), 1))
	assert.False(t, Float64.DeviceCapable())
	assert.True(t, Float16.DeviceCapable())
}

func TestBuffer_ResizeReallocates(t *testing.T) {
	b, err := NewBuffer(Shape{2, 3}, 2, Float64, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, b.Len())
	assert.Equal(t, 6, b.ExampleSize())

	b.Host()[0] = 5
	require.NoError(t, b.Resize(3))
	assert.Equal(t, 18, b.Len())
	assert.Equal(t, 0.0, b.Host()[0], "resize yields fresh storage")
	assert.Len(t, b.Example(2), 6)

	assert.Error(t, b.Resize(0))
	assert.ErrorIs(t, b.Upload(), ErrNoDevice)
}

func TestBuffer_RejectsHostPrecisionOnDevice(t *testing.T) {
	_, err := NewBuffer(Shape{1}, 1, Float64, fakeDevice{})
	assert.Error(t, err)
}

func TestBuffer_RoundAndCopy(t *testing.T) {
	a, err := NewBuffer(Shape{4}, 1, Float16, nil)
	require.NoError(t, err)
	copy(a.Host(), []float64{0.1, 0.2, 0.3, 1e6})
	a.Round(parallel.Sequential())
	assert.InDelta(t, 0.1, a.Host()[0], 1e-4)
	assert.True(t, math.IsInf(a.Host()[3], 1))

	b, err := NewBuffer(Shape{4}, 1, Float16, nil)
	require.NoError(t, err)
	require.NoError(t, b.CopyFrom(a))
	assert.Equal(t, a.Host(), b.Host())

	c, err := NewBuffer(Shape{5}, 1, Float16, nil)
	require.NoError(t, err)
	assert.Error(t, c.CopyFrom(a))
}

func TestDescriptor_Planarize(t *testing.T) {
	d := Descriptor{Batch: 2, Channels: 3, Height: 2, Width: 2, Layout: Interleaved}
	require.NoError(t, d.Validate())

	src := make([]float32, d.NumElements())
	for b := 0; b < 2; b++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				for c := 0; c < 3; c++ {
					src[d.Index(b, c, y, x)] = float32(1000*b + 100*c + 10*y + x)
				}
			}
		}
	}

	dst := make([]float64, d.NumElements())
	require.NoError(t, d.Planarize(src, dst, parallel.DefaultConfig()))

	planar := d
	planar.Layout = Planar
	for b := 0; b < 2; b++ {
		for c := 0; c < 3; c++ {
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					assert.Equal(t, float64(1000*b+100*c+10*y+x), dst[planar.Index(b, c, y, x)])
				}
			}
		}
	}

	assert.Error(t, d.Planarize(src[:3], dst, parallel.DefaultConfig()))
	assert.Error(t, Descriptor{Batch: 1, Channels: 0, Height: 1, Width: 1}.Validate())
}

func TestArgEncoding(t *testing.T) {
	assert.Equal(t, uint32(7), U(7))
	assert.Equal(t, math.Float32bits(0.5), F(0.5))
}

type fakeDevice struct{}

func (fakeDevice) Name() string                   { return "fake" }
func (fakeDevice) Alloc(int) (Storage, error)     { return nil, nil }
func (fakeDevice) Write(Storage, []float32) error { return nil }
func (fakeDevice) WriteBytes(Storage, []byte) error {
	return nil
}
func (fakeDevice) Read(Storage, []float32) error { return nil }
func (fakeDevice) NewBatch() Batch               { return nil }
func (fakeDevice) Release()                      {}
