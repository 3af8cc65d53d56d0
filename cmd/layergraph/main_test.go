package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/born-ml/layergraph/internal/backend/webgpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, args ...string) regressConfig {
	t.Helper()
	cfg, err := parseRegress(args, io.Discard)
	require.NoError(t, err)
	return cfg
}

// TestRegress_LossNonIncreasing trains Input(1) → Affine(5) → Affine(1) → MSE
// with plain gradient descent.
func TestRegress_LossNonIncreasing(t *testing.T) {
	for _, act := range []string{"tanh", "sigmoid", "softplus"} {
		t.Run(act, func(t *testing.T) {
			cfg := testConfig(t, "-precision", "float64", "-activation", act, "-steps", "300", "-lr", "0.05")
			var out bytes.Buffer
			losses, err := regress(cfg, &out)
			require.NoError(t, err)
			require.Len(t, losses, 300)

			for i := 5; i < len(losses); i++ {
				assert.LessOrEqual(t, losses[i], losses[i-1]+1e-12, "step %d", i)
			}
			assert.Less(t, losses[len(losses)-1], losses[0])
			assert.Contains(t, out.String(), "step   299")
		})
	}
}

func TestRegress_Optimizers(t *testing.T) {
	for _, name := range []string{"momentum", "adam", "radam", "amsbound"} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, "-optimizer", name, "-steps", "200", "-lr", "0.01", "-every", "0")
			losses, err := regress(cfg, io.Discard)
			require.NoError(t, err)
			assert.Less(t, losses[len(losses)-1], losses[0])
		})
	}
}

func TestRegress_GPUMatchesCPU(t *testing.T) {
	if !webgpu.IsAvailable() {
		t.Skip("WebGPU not available")
	}
	cpu, err := regress(testConfig(t, "-steps", "20", "-every", "0"), io.Discard)
	require.NoError(t, err)
	gpu, err := regress(testConfig(t, "-steps", "20", "-every", "0", "-target", "gpu"), io.Discard)
	require.NoError(t, err)
	require.Len(t, gpu, len(cpu))
	for i := range cpu {
		assert.InDelta(t, cpu[i], gpu[i], 1e-3*(1+cpu[i]), "step %d", i)
	}
}

func TestParseRegress(t *testing.T) {
	cfg := testConfig(t, "-target", "gpu", "-precision", "float16", "-activation", "gelu", "-seed", "7")
	assert.Equal(t, graph.GPU, cfg.target)
	assert.Equal(t, tensor.Float16, cfg.precision)
	assert.Equal(t, nn.GELU, cfg.activation)
	assert.Equal(t, int64(7), cfg.seed)

	for _, args := range [][]string{
		{"-target", "tpu"},
		{"-precision", "float8"},
		{"-activation", "swish"},
		{"-steps", "0"},
		{"-unknown"},
	} {
		_, err := parseRegress(args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out, io.Discard))
	assert.Equal(t, "layergraph "+version+"\n", out.String())

	out.Reset()
	require.NoError(t, run(nil, &out, io.Discard))
	assert.Contains(t, out.String(), "regress")

	out.Reset()
	require.NoError(t, run([]string{"devices"}, &out, io.Discard))
	assert.Contains(t, out.String(), "cpu        available")

	assert.Error(t, run([]string{"serve"}, io.Discard, io.Discard))
	assert.Error(t, run([]string{"regress", "-optimizer", "lion", "-steps", "1"}, io.Discard, io.Discard))
}
