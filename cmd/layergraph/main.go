// Package main provides the layergraph CLI.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/born-ml/layergraph/internal/backend/webgpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/optim"
	"github.com/born-ml/layergraph/internal/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "layergraph:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "layergraph %s\n", version)
		return nil
	case "devices":
		return devices(stdout)
	case "regress":
		cfg, err := parseRegress(args[1:], stderr)
		if err != nil {
			return err
		}
		_, err = regress(cfg, stdout)
		return err
	default:
		usage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "layergraph %s - differentiable layer graphs on CPU and WebGPU\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version    Show version")
	fmt.Fprintln(w, "  devices    List execution targets")
	fmt.Fprintln(w, "  regress    Fit a small regression network (-h for flags)")
}

func devices(w io.Writer) error {
	fmt.Fprintln(w, "cpu        available")
	backend, err := webgpu.New()
	if err != nil {
		fmt.Fprintf(w, "gpu        unavailable (%v)\n", err)
		return nil
	}
	defer backend.Release()
	fmt.Fprintf(w, "gpu        %s\n", backend.Name())
	return nil
}

// regressConfig drives the regression demo.
type regressConfig struct {
	target     graph.Target
	precision  tensor.Precision
	optimizer  string
	activation nn.Activation
	lr         float64
	steps      int
	samples    int
	every      int
	seed       int64
	logger     *slog.Logger
}

func parseRegress(args []string, stderr io.Writer) (regressConfig, error) {
	fs := flag.NewFlagSet("regress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("target", "cpu", "execution target: cpu or gpu")
	precision := fs.String("precision", "float32", "buffer precision: float32, float16 or float64")
	opt := fs.String("optimizer", "sgd", "sgd, momentum, adam, amsgrad, radam, adabound or amsbound")
	act := fs.String("activation", "tanh", "hidden activation")
	lr := fs.Float64("lr", 0.05, "learning rate")
	steps := fs.Int("steps", 500, "training iterations")
	samples := fs.Int("samples", 64, "synthetic examples per batch")
	every := fs.Int("every", 50, "print the loss every n steps")
	seed := fs.Int64("seed", 1, "initialization seed")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return regressConfig{}, err
	}

	cfg := regressConfig{
		optimizer: *opt,
		lr:        *lr,
		steps:     *steps,
		samples:   *samples,
		every:     *every,
		seed:      *seed,
	}
	switch *target {
	case "cpu":
		cfg.target = graph.CPU
	case "gpu":
		cfg.target = graph.GPU
	default:
		return cfg, fmt.Errorf("unknown target %q", *target)
	}
	var err error
	if cfg.precision, err = tensor.ParsePrecision(*precision); err != nil {
		return cfg, err
	}
	if cfg.activation, err = nn.ParseActivation(*act); err != nil {
		return cfg, err
	}
	if cfg.steps <= 0 || cfg.samples <= 0 {
		return cfg, errors.New("steps and samples must be positive")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	cfg.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return cfg, nil
}

// regress fits y = 0.5·sin(πx) on [-1, 1] with
// Input(1) → Affine(5) → Affine(1) → MSE and returns the loss of every step.
func regress(cfg regressConfig, w io.Writer) ([]float64, error) {
	gcfg := graph.DefaultConfig()
	gcfg.Target = cfg.target
	gcfg.Precision = cfg.precision
	gcfg.Seed = cfg.seed
	if cfg.logger != nil {
		gcfg.Logger = cfg.logger
	}
	if cfg.target == graph.GPU {
		backend, err := webgpu.New()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", graph.ErrDevice, err)
		}
		defer backend.Release()
		gcfg.Device = backend
	}

	g, err := graph.New(gcfg)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	x, err := nn.NewInput(g, tensor.Shape{1})
	if err != nil {
		return nil, err
	}
	y, err := nn.NewInput(g, tensor.Shape{1})
	if err != nil {
		return nil, err
	}
	hidden, err := nn.NewAffine(g, x.ID(), 5, cfg.activation)
	if err != nil {
		return nil, err
	}
	out, err := nn.NewAffine(g, hidden.ID(), 1, cfg.activation)
	if err != nil {
		return nil, err
	}
	if _, err := nn.NewMSE(g, out.ID(), y.ID(), 1); err != nil {
		return nil, err
	}

	xs := make([]float64, cfg.samples)
	ys := make([]float64, cfg.samples)
	for i := range xs {
		xs[i] = -1 + 2*float64(i)/float64(max(cfg.samples-1, 1))
		ys[i] = 0.5 * math.Sin(math.Pi*xs[i])
	}
	if err := x.SetValues(xs, cfg.samples); err != nil {
		return nil, err
	}
	if err := y.SetValues(ys, cfg.samples); err != nil {
		return nil, err
	}

	ocfg := optim.DefaultConfig()
	ocfg.LR = cfg.lr
	ocfg.Logger = gcfg.Logger
	opt, err := optim.New(cfg.optimizer, ocfg)
	if err != nil {
		return nil, err
	}

	losses := make([]float64, 0, cfg.steps)
	for step := range cfg.steps {
		if err := g.Forward(cfg.samples, graph.Train); err != nil {
			return losses, err
		}
		loss, err := g.Loss()
		if err != nil {
			return losses, err
		}
		losses = append(losses, loss)
		if cfg.every > 0 && (step%cfg.every == 0 || step == cfg.steps-1) {
			fmt.Fprintf(w, "step %5d  loss %.6g\n", step, loss)
		}
		if err := g.Backward(); err != nil {
			return losses, err
		}
		if err := g.Apply(opt.Step); err != nil {
			return losses, err
		}
	}
	return losses, nil
}
