package nn_test

import (
	"math"
	"testing"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(exactConfig())
	require.NoError(t, err)
	return g
}

func newInput(t *testing.T, g *graph.Graph, shape tensor.Shape, batch int, values ...float64) *nn.Input {
	t.Helper()
	in, err := nn.NewInput(g, shape)
	require.NoError(t, err)
	if values == nil {
		values = make([]float64, batch*shape.NumElements())
		for i := range values {
			values[i] = float64(i%7) - 3
		}
	}
	require.NoError(t, in.SetValues(values, batch))
	return in
}

func TestDropout_Extremes(t *testing.T) {
	g := newGraph(t)
	in := newInput(t, g, tensor.Shape{8}, 2)
	keep, err := nn.NewDropout(g, in.ID(), 0)
	require.NoError(t, err)
	drop, err := nn.NewDropout(g, in.ID(), 1)
	require.NoError(t, err)

	for _, phase := range []graph.Phase{graph.Train, graph.Replay} {
		require.NoError(t, g.Forward(2, phase))
		out, err := g.Output(keep.ID())
		require.NoError(t, err)
		assert.Equal(t, in.Values(), out, phase.String())
		out, err = g.Output(drop.ID())
		require.NoError(t, err)
		for _, v := range out {
			assert.Zero(t, v, phase.String())
		}
	}

	require.NoError(t, g.Forward(2, graph.Inference))
	out, err := g.Output(drop.ID())
	require.NoError(t, err)
	assert.Equal(t, in.Values(), out, "inference is the identity")
}

func TestDropout_ScalesSurvivors(t *testing.T) {
	g := newGraph(t)
	in := newInput(t, g, tensor.Shape{200}, 1, repeat(1, 200)...)
	d, err := nn.NewDropout(g, in.ID(), 0.25)
	require.NoError(t, err)
	require.NoError(t, g.Forward(1, graph.Train))
	out, err := g.Output(d.ID())
	require.NoError(t, err)
	zeros := 0
	for _, v := range out {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 1/0.75, v, 1e-12)
	}
	assert.Greater(t, zeros, 20)
	assert.Less(t, zeros, 80)
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestVQ_NearestEntryAndCommitment(t *testing.T) {
	const beta = 0.25
	g := newGraph(t)
	// Two examples of two 2-D tokens.
	x := []float64{
		0.9, 1.1, -2, 0.2,
		0.1, -0.1, 3, 3,
	}
	in := newInput(t, g, tensor.Shape{2, 2}, 2, x...)
	vq, err := nn.NewVQ(g, in.ID(), 3, beta)
	require.NoError(t, err)
	codebook := []float64{0, 0, 1, 1, -2, 0}
	copy(vq.Codebook().Value.Host(), codebook)
	require.NoError(t, g.ParamChanged(vq.Codebook()))

	require.NoError(t, g.Forward(2, graph.Train))
	assign, err := vq.Assignment()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0, 1}, assign)

	out, err := g.Output(vq.ID())
	require.NoError(t, err)
	sum := 0.0
	for i, k := range assign {
		e := codebook[2*k : 2*k+2]
		assert.Equal(t, e, out[2*i:2*i+2], "token %d", i)
		for d := range e {
			sum += (x[2*i+d] - e[d]) * (x[2*i+d] - e[d])
		}
	}
	loss, err := g.Loss()
	require.NoError(t, err)
	assert.InDelta(t, (1+beta)*sum/8, loss, 1e-12)
}

func TestVQ_ReplayKeepsAssignment(t *testing.T) {
	g := newGraph(t)
	in := newInput(t, g, tensor.Shape{1, 2}, 1, 0.4, 0)
	vq, err := nn.NewVQ(g, in.ID(), 2, 0)
	require.NoError(t, err)
	copy(vq.Codebook().Value.Host(), []float64{0, 0, 1, 0})
	require.NoError(t, g.ParamChanged(vq.Codebook()))

	require.NoError(t, g.Forward(1, graph.Train))
	in.Values()[0] = 0.6
	require.NoError(t, in.Changed())

	require.NoError(t, g.Forward(1, graph.Replay))
	assign, err := vq.Assignment()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, assign, "replay keeps the reference assignment")
	out, err := g.Output(vq.ID())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, 0}, out, 1e-12, "x + e0 - x0")

	require.NoError(t, g.Forward(1, graph.Train))
	assign, err = vq.Assignment()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, assign)
}

func TestMSE_Value(t *testing.T) {
	g := newGraph(t)
	pred := newInput(t, g, tensor.Shape{2}, 2, 1, 2, 3, 4)
	target := newInput(t, g, tensor.Shape{2}, 2, 0, 2, 1, 5)
	_, err := nn.NewMSE(g, pred.ID(), target.ID(), 2)
	require.NoError(t, err)
	require.NoError(t, g.Forward(2, graph.Train))
	loss, err := g.Loss()
	require.NoError(t, err)
	// c/(B·n)·Σ(y-t)² = 2/4·(1+0+4+1)
	assert.InDelta(t, 3.0, loss, 1e-12)

	require.NoError(t, g.Backward())
	grad, err := g.Gradient(pred.ID())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 0, 2, -1}, grad, 1e-12)
}

func TestCrossEntropy(t *testing.T) {
	g := newGraph(t)
	logits := newInput(t, g, tensor.Shape{3}, 2, 0, 0, 0, 1, 2, 3)
	labels := newInput(t, g, tensor.Shape{1}, 2, 2, 0)
	ce, err := nn.NewCrossEntropy(g, logits.ID(), labels.ID())
	require.NoError(t, err)
	require.NoError(t, g.Forward(2, graph.Train))

	loss, err := g.Loss()
	require.NoError(t, err)
	lse := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	assert.InDelta(t, (math.Log(3)+lse-1)/2, loss, 1e-12)
	probs := ce.Probabilities().Host()
	assert.InDelta(t, 1.0/3, probs[0], 1e-12)

	require.NoError(t, labels.SetValues([]float64{3, 0}, 2))
	err = g.Forward(2, graph.Train)
	assert.ErrorIs(t, err, graph.ErrInvalidConfig)
}

func TestConcat_Layout(t *testing.T) {
	g := newGraph(t)
	a := newInput(t, g, tensor.Shape{1, 2}, 2, 1, 2, 3, 4)
	b := newInput(t, g, tensor.Shape{2, 2}, 2, 5, 6, 7, 8, 9, 10, 11, 12)
	c, err := nn.NewConcat(g, a.ID(), b.ID())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, c.Shape())

	require.NoError(t, g.Forward(2, graph.Train))
	out, err := g.Output(c.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 5, 6, 7, 8, 3, 4, 9, 10, 11, 12}, out)
}

func TestInput_BatchMismatch(t *testing.T) {
	g := newGraph(t)
	in := newInput(t, g, tensor.Shape{2}, 2)
	_, err := nn.NewAffine(g, in.ID(), 1, nn.Identity)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Forward(3, graph.Train), graph.ErrInvalidConfig)
	assert.ErrorIs(t, in.SetValues([]float64{1}, 1), graph.ErrInvalidConfig)
}

func TestInput_SetData(t *testing.T) {
	g := newGraph(t)
	in, err := nn.NewInput(g, tensor.Shape{2, 1, 2})
	require.NoError(t, err)
	desc := tensor.Descriptor{Batch: 1, Channels: 2, Height: 1, Width: 2, Layout: tensor.Interleaved}
	require.NoError(t, in.SetData([]float32{1, 10, 2, 20}, desc))
	assert.Equal(t, []float64{1, 2, 10, 20}, in.Values())

	desc.Channels = 3
	assert.ErrorIs(t, in.SetData(make([]float32, 6), desc), graph.ErrInvalidConfig)
}

func TestConstructionErrors(t *testing.T) {
	g := newGraph(t)
	flat := newInput(t, g, tensor.Shape{4}, 1).ID()
	img := newInput(t, g, tensor.Shape{2, 4, 4}, 1).ID()
	seq := newInput(t, g, tensor.Shape{3, 4}, 1).ID()
	other := newInput(t, g, tensor.Shape{5}, 1).ID()

	tests := []struct {
		name  string
		build func() error
		want  error
	}{
		{"affine zero units", func() error { _, err := nn.NewAffine(g, flat, 0, nn.ReLU); return err }, graph.ErrInvalidConfig},
		{"affine unknown activation", func() error { _, err := nn.NewAffine(g, flat, 2, nn.Activation(99)); return err }, graph.ErrInvalidConfig},
		{"affine_seq on flat", func() error { _, err := nn.NewAffineSeq(g, flat, 2, nn.ReLU); return err }, graph.ErrInvalidWiring},
		{"conv zero filters", func() error { _, err := nn.NewConv2D(g, img, nn.ConvConfig{Kernel: 3}); return err }, graph.ErrInvalidConfig},
		{"conv on sequence", func() error { _, err := nn.NewConv2D(g, seq, nn.ConvConfig{Filters: 1, Kernel: 1}); return err }, graph.ErrInvalidWiring},
		{"conv kernel too large", func() error { _, err := nn.NewConv2D(g, img, nn.ConvConfig{Filters: 1, Kernel: 5}); return err }, graph.ErrInvalidConfig},
		{"pool too large", func() error { _, err := nn.NewMaxPool2D(g, img, 5, 1); return err }, graph.ErrInvalidConfig},
		{"dropout probability", func() error { _, err := nn.NewDropout(g, flat, 1.5); return err }, graph.ErrInvalidConfig},
		{"jitter contrast", func() error { _, err := nn.NewColorJitter(g, img, 1, 0); return err }, graph.ErrInvalidConfig},
		{"flip probability", func() error { _, err := nn.NewFlip(g, img, -0.1); return err }, graph.ErrInvalidConfig},
		{"crop larger than input", func() error { _, err := nn.NewCrop(g, img, 5, 2); return err }, graph.ErrInvalidConfig},
		{"pad negative", func() error { _, err := nn.NewPad(g, img, -1); return err }, graph.ErrInvalidConfig},
		{"patch does not divide", func() error { _, err := nn.NewPatchEmbed(g, img, 3, 2); return err }, graph.ErrInvalidConfig},
		{"heads do not divide", func() error { _, err := nn.NewQuerySeq(g, seq, seq, 3); return err }, graph.ErrInvalidConfig},
		{"softmax heads", func() error { _, err := nn.NewSoftmaxSeq(g, seq, 2); return err }, graph.ErrInvalidWiring},
		{"sum shapes", func() error { _, err := nn.NewSum(g, flat, other); return err }, graph.ErrInvalidWiring},
		{"concat trailing dims", func() error { _, err := nn.NewConcat(g, seq, img); return err }, graph.ErrInvalidWiring},
		{"dot shapes", func() error { _, err := nn.NewDotProduct(g, flat, other); return err }, graph.ErrInvalidWiring},
		{"vq codes", func() error { _, err := nn.NewVQ(g, seq, 0, 0.25); return err }, graph.ErrInvalidConfig},
		{"vq rank", func() error { _, err := nn.NewVQ(g, flat, 2, 0.25); return err }, graph.ErrInvalidWiring},
		{"mse coefficient", func() error { _, err := nn.NewMSE(g, flat, flat, 0); return err }, graph.ErrInvalidConfig},
		{"norm on flat", func() error { _, err := nn.NewBatchNorm2D(g, flat); return err }, graph.ErrInvalidWiring},
		{"unknown predecessor", func() error { _, err := nn.NewActivation(g, graph.ID(99), nn.ReLU); return err }, graph.ErrInvalidWiring},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.build(), tt.want)
		})
	}
}

func TestFlip_Extremes(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	tests := []struct {
		name string
		cfg  nn.ResampleConfig
		want []float64
	}{
		{"never", nn.ResampleConfig{Op: nn.Flip, Prob: 0}, x},
		{"always", nn.ResampleConfig{Op: nn.Flip, Prob: 1}, []float64{3, 2, 1, 6, 5, 4}},
		{"never vertical", nn.ResampleConfig{Op: nn.Flip, Prob: 0, Vertical: true}, x},
		{"always vertical", nn.ResampleConfig{Op: nn.Flip, Prob: 1, Vertical: true}, []float64{4, 5, 6, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGraph(t)
			in := newInput(t, g, tensor.Shape{1, 2, 3}, 1, x...)
			flip, err := nn.NewResample(g, in.ID(), tt.cfg)
			require.NoError(t, err)
			// Every Train pass redraws; the outcome must not change.
			for range 3 {
				require.NoError(t, g.Forward(1, graph.Train))
				out, err := g.Output(flip.ID())
				require.NoError(t, err)
				assert.InDeltaSlice(t, tt.want, out, 1e-12)
			}
		})
	}
}

func TestColorJitter_ZeroIsIdentity(t *testing.T) {
	g := newGraph(t)
	in := newInput(t, g, tensor.Shape{2, 2, 2}, 3)
	jitter, err := nn.NewColorJitter(g, in.ID(), 0, 0)
	require.NoError(t, err)
	require.NoError(t, g.Forward(3, graph.Train))
	out, err := g.Output(jitter.ID())
	require.NoError(t, err)
	assert.Equal(t, in.Values(), out)
}

func TestSpatial_SinglePixel(t *testing.T) {
	x := []float64{3, -1}
	build := map[string]func(g *graph.Graph, id graph.ID) (graph.Node, error){
		"maxpool": func(g *graph.Graph, id graph.ID) (graph.Node, error) { return nn.NewMaxPool2D(g, id, 1, 1) },
		"global avgpool": func(g *graph.Graph, id graph.ID) (graph.Node, error) {
			return nn.NewGlobalAvgPool2D(g, id)
		},
		"crop":   func(g *graph.Graph, id graph.ID) (graph.Node, error) { return nn.NewCrop(g, id, 1, 1) },
		"rotate": func(g *graph.Graph, id graph.ID) (graph.Node, error) { return nn.NewRotate(g, id, 45) },
	}
	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			g := newGraph(t)
			in := newInput(t, g, tensor.Shape{2, 1, 1}, 1, x...)
			n, err := fn(g, in.ID())
			require.NoError(t, err)
			require.NoError(t, g.Forward(1, graph.Train))
			out, err := g.Output(n.Meta().ID())
			require.NoError(t, err)
			assert.InDeltaSlice(t, x, out, 1e-12)
		})
	}

	t.Run("batchnorm", func(t *testing.T) {
		g := newGraph(t)
		in := newInput(t, g, tensor.Shape{2, 1, 1}, 1, x...)
		bn, err := nn.NewBatchNorm2D(g, in.ID())
		require.NoError(t, err)
		require.NoError(t, g.Forward(1, graph.Train))
		out, err := g.Output(bn.ID())
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 0}, out)
	})

	t.Run("window too large", func(t *testing.T) {
		g := newGraph(t)
		in := newInput(t, g, tensor.Shape{2, 1, 1}, 1, x...)
		_, err := nn.NewMaxPool2D(g, in.ID(), 2, 2)
		assert.ErrorIs(t, err, graph.ErrInvalidConfig)
	})
}
