package nn_test

import (
	"fmt"
	"testing"

	"github.com/born-ml/layergraph/internal/backend/webgpu"
	"github.com/born-ml/layergraph/internal/gradcheck"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// layerCase wires one layer kind behind the harness head.
type layerCase struct {
	name  string
	shape tensor.Shape
	build gradcheck.Builder
}

// node adapts a constructor result to a Builder return value.
func node[N interface{ ID() graph.ID }](n N, err error) (graph.ID, error) {
	if err != nil {
		return 0, err
	}
	return n.ID(), nil
}

func layerCases() []layerCase {
	cases := []layerCase{
		{"affine", tensor.Shape{4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewAffine(g, x, 3, nn.Tanh))
		}},
		{"affine_seq", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewAffineSeq(g, x, 5, nn.GELU))
		}},
		{"conv2d", tensor.Shape{2, 5, 5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewConv2D(g, x, nn.ConvConfig{Filters: 3, Kernel: 3, Stride: 2, Pad: 1, Act: nn.SiLU}))
		}},
		{"maxpool2d", tensor.Shape{2, 4, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewMaxPool2D(g, x, 2, 2))
		}},
		{"avgpool2d", tensor.Shape{2, 5, 5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewAvgPool2D(g, x, 3, 2))
		}},
		{"global_avgpool2d", tensor.Shape{3, 3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewGlobalAvgPool2D(g, x))
		}},
		{"batchnorm2d", tensor.Shape{2, 3, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewBatchNorm2D(g, x))
		}},
		{"instancenorm2d", tensor.Shape{2, 3, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewInstanceNorm2D(g, x))
		}},
		{"layernorm2d", tensor.Shape{2, 3, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewLayerNorm2D(g, x))
		}},
		{"layernorm_seq", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewLayerNormSeq(g, x))
		}},
		{"flip", tensor.Shape{1, 4, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewFlip(g, x, 0.5))
		}},
		{"rotate", tensor.Shape{1, 5, 5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewRotate(g, x, 30))
		}},
		{"crop", tensor.Shape{1, 5, 5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewCrop(g, x, 3, 4))
		}},
		{"pad", tensor.Shape{1, 3, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewPad(g, x, 1))
		}},
		{"resize_crop_pad", tensor.Shape{1, 5, 5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewResizeCropPad(g, x, 0.7, 1.3))
		}},
		{"color_jitter", tensor.Shape{2, 3, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewColorJitter(g, x, 0.3, 0.2))
		}},
		{"dropout", tensor.Shape{6}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewDropout(g, x, 0.3))
		}},
		{"patch_embed", tensor.Shape{2, 4, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewPatchEmbed(g, x, 2, 3))
		}},
		{"query_seq", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewQuerySeq(g, x, x, 2))
		}},
		{"attention", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			q, err := nn.NewAffineSeq(g, x, 4, nn.Identity)
			if err != nil {
				return 0, err
			}
			score, err := nn.NewQuerySeq(g, q.ID(), x, 2)
			if err != nil {
				return 0, err
			}
			weights, err := nn.NewSoftmaxSeq(g, score.ID(), 2)
			if err != nil {
				return 0, err
			}
			return node(nn.NewValueSeq(g, x, weights.ID(), 2))
		}},
		{"avgpool_seq", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewAvgPoolSeq(g, x))
		}},
		{"sum", tensor.Shape{4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			a, err := nn.NewAffine(g, x, 4, nn.Tanh)
			if err != nil {
				return 0, err
			}
			return node(nn.NewSum(g, x, a.ID(), x))
		}},
		{"multiply", tensor.Shape{4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			a, err := nn.NewAffine(g, x, 4, nn.Sigmoid)
			if err != nil {
				return 0, err
			}
			return node(nn.NewMultiply(g, x, a.ID(), x))
		}},
		{"concat", tensor.Shape{2, 3}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			a, err := nn.NewAffineSeq(g, x, 3, nn.Tanh)
			if err != nil {
				return 0, err
			}
			return node(nn.NewConcat(g, x, a.ID(), x))
		}},
		{"dot_product", tensor.Shape{4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			a, err := nn.NewAffine(g, x, 4, nn.Tanh)
			if err != nil {
				return 0, err
			}
			return node(nn.NewDotProduct(g, x, a.ID()))
		}},
		{"vq_seq", tensor.Shape{3, 4}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewVQ(g, x, 5, 0.25))
		}},
		{"vq_2d", tensor.Shape{3, 2, 2}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewVQ(g, x, 4, 0.5))
		}},
	}
	for _, a := range []nn.Activation{nn.ReLU, nn.LeakyReLU, nn.Sigmoid, nn.Tanh, nn.GELU, nn.SiLU, nn.Softplus} {
		cases = append(cases, layerCase{"activation_" + a.String(), tensor.Shape{5}, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
			return node(nn.NewActivation(g, x, a))
		}})
	}
	return cases
}

func exactConfig() graph.Config {
	cfg := graph.DefaultConfig()
	cfg.Precision = tensor.Float64
	return cfg
}

func TestGradients(t *testing.T) {
	opts := gradcheck.DefaultOptions()
	opts.Epsilon = 1e-5
	for _, tc := range layerCases() {
		t.Run(tc.name, func(t *testing.T) {
			h, err := gradcheck.Embed(exactConfig(), tc.shape, 2, tc.build)
			require.NoError(t, err)

			r, err := h.CheckInput(opts)
			require.NoError(t, err)
			assert.NoError(t, r.Err(1e-7))

			reports, err := h.CheckParams(opts)
			require.NoError(t, err)
			for _, r := range reports {
				assert.NoError(t, r.Err(1e-7))
			}
		})
	}
}

func TestGradients_CrossEntropy(t *testing.T) {
	g, err := graph.New(exactConfig())
	require.NoError(t, err)
	x, err := nn.NewInput(g, tensor.Shape{3})
	require.NoError(t, err)
	labels, err := nn.NewInput(g, tensor.Shape{1})
	require.NoError(t, err)
	logits, err := nn.NewAffine(g, x.ID(), 4, nn.Identity)
	require.NoError(t, err)
	_, err = nn.NewCrossEntropy(g, logits.ID(), labels.ID())
	require.NoError(t, err)

	require.NoError(t, x.SetValues([]float64{0.5, -1, 0.2, 1.5, 0.3, -0.7, 0, 0.1, 0.9}, 3))
	require.NoError(t, labels.SetValues([]float64{0, 3, 1}, 3))

	opts := gradcheck.DefaultOptions()
	opts.Epsilon, opts.Batch = 1e-5, 3
	r, err := gradcheck.CheckInput(g, x, opts)
	require.NoError(t, err)
	assert.NoError(t, r.Err(1e-7))
	for _, p := range logits.Params() {
		r, err := gradcheck.CheckParam(g, p, opts)
		require.NoError(t, err)
		assert.NoError(t, r.Err(1e-7))
	}
}

func newDevice(t *testing.T) tensor.Device {
	t.Helper()
	backend, err := webgpu.New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(backend.Release)
	return backend
}

// compare asserts |want-got| <= tol·(1+|want|) elementwise.
func compare(t *testing.T, want, got []float64, tol float64, what string) {
	t.Helper()
	require.Len(t, got, len(want), what)
	for i := range want {
		bound := tol * (1 + abs(want[i]))
		if !assert.InDelta(t, want[i], got[i], bound, "%s[%d]", what, i) {
			return
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// runParity evaluates the same harness on both targets and compares the
// layer output, loss, input gradient and every parameter gradient.
func runParity(t *testing.T, dev tensor.Device, tc layerCase, precision tensor.Precision, tol float64) {
	cpuCfg := graph.DefaultConfig()
	cpuCfg.Precision = precision
	gpuCfg := cpuCfg
	gpuCfg.Target, gpuCfg.Device = graph.GPU, dev

	cpuH, err := gradcheck.Embed(cpuCfg, tc.shape, 3, tc.build)
	require.NoError(t, err)
	gpuH, err := gradcheck.Embed(gpuCfg, tc.shape, 3, tc.build)
	require.NoError(t, err)
	defer gpuH.Graph.Release()

	for _, h := range []*gradcheck.Harness{cpuH, gpuH} {
		require.NoError(t, h.Graph.Forward(h.Batch, graph.Train))
		require.NoError(t, h.Graph.Backward())
		require.NoError(t, h.Graph.SyncParamGrads())
	}

	want, err := cpuH.Graph.Output(cpuH.Node)
	require.NoError(t, err)
	got, err := gpuH.Graph.Output(gpuH.Node)
	require.NoError(t, err)
	compare(t, want, got, tol, "output")

	wantLoss, err := cpuH.Graph.Loss()
	require.NoError(t, err)
	gotLoss, err := gpuH.Graph.Loss()
	require.NoError(t, err)
	assert.InDelta(t, wantLoss, gotLoss, tol*(1+abs(wantLoss)), "loss")

	want, err = cpuH.Graph.Gradient(cpuH.Input.ID())
	require.NoError(t, err)
	got, err = gpuH.Graph.Gradient(gpuH.Input.ID())
	require.NoError(t, err)
	compare(t, want, got, tol, "input gradient")

	cpuParams, gpuParams := cpuH.Graph.Params(), gpuH.Graph.Params()
	require.Len(t, gpuParams, len(cpuParams))
	for i := range cpuParams {
		compare(t, cpuParams[i].Grad.Host(), gpuParams[i].Grad.Host(), tol, fmt.Sprintf("%s grad", cpuParams[i].Name))
	}
}

func TestParity(t *testing.T) {
	dev := newDevice(t)
	for _, tc := range layerCases() {
		t.Run(tc.name, func(t *testing.T) {
			runParity(t, dev, tc, tensor.Float32, 1e-3)
		})
	}
}

func TestParity_Half(t *testing.T) {
	dev := newDevice(t)
	for _, tc := range layerCases() {
		switch tc.name {
		case "affine", "conv2d", "layernorm_seq", "activation_tanh":
		default:
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			runParity(t, dev, tc, tensor.Float16, 5e-3)
		})
	}
}
