// Package gradcheck compares analytic gradients against central finite
// differences of the graph loss.
//
// A check runs one reference Train pass with its backward pass, snapshots
// the analytic gradient, then perturbs each checked coordinate by ±ε and
// re-evaluates the loss in the Replay phase. Replay keeps every random draw
// and straight-through snapshot of the reference pass, so the perturbed
// passes see exactly the function that was differentiated.
package gradcheck

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"gonum.org/v1/gonum/floats"
)

// ErrMismatch is returned by Report.Err when the aggregate error exceeds the
// tolerance.
var ErrMismatch = errors.New("gradient mismatch")

// Options configures a check.
type Options struct {
	// Epsilon is the finite-difference step.
	Epsilon float64

	// Max bounds the number of coordinates checked. Zero checks all of
	// them; otherwise Max coordinates spread evenly over the tensor are
	// used.
	Max int

	// Batch is the batch size of every pass. The graph inputs must hold
	// that many examples.
	Batch int

	// Logger receives one debug record per check. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns a step suited to Float64 graphs.
func DefaultOptions() Options {
	return Options{
		Epsilon: 1e-6,
		Max:     64,
		Batch:   2,
		Logger:  slog.Default(),
	}
}

func (o Options) validate() error {
	if o.Epsilon <= 0 || math.IsNaN(o.Epsilon) {
		return fmt.Errorf("%w: gradcheck epsilon %g", graph.ErrInvalidConfig, o.Epsilon)
	}
	if o.Max < 0 || o.Batch <= 0 {
		return fmt.Errorf("%w: gradcheck max %d, batch %d", graph.ErrInvalidConfig, o.Max, o.Batch)
	}
	return nil
}

// Result compares one coordinate.
type Result struct {
	Index    int
	Analytic float64
	Numeric  float64
	AbsErr   float64
	RelErr   float64
}

// Report holds the outcome of one check.
type Report struct {
	Target  string
	Results []Result

	// Aggregate is ‖a-n‖/(‖a‖+‖n‖) over the checked coordinates, zero when
	// both gradients vanish.
	Aggregate float64
	MaxAbs    float64
	MaxRel    float64
}

// Err returns ErrMismatch when the aggregate error exceeds tol.
func (r Report) Err(tol float64) error {
	if r.Aggregate > tol || math.IsNaN(r.Aggregate) {
		return fmt.Errorf("%w: %s: aggregate %.3g > %.3g (max abs %.3g, max rel %.3g)",
			ErrMismatch, r.Target, r.Aggregate, tol, r.MaxAbs, r.MaxRel)
	}
	return nil
}

// CheckParam checks the gradient of the loss with respect to p.
func CheckParam(g *graph.Graph, p *graph.Param, opts Options) (Report, error) {
	return check(g, "param "+p.Name, opts,
		func() ([]float64, error) { return p.Grad.Host(), nil },
		p.Value.Host(),
		func() error { return g.ParamChanged(p) },
	)
}

// CheckInput checks the gradient of the loss with respect to the data held
// by in.
func CheckInput(g *graph.Graph, in *nn.Input, opts Options) (Report, error) {
	return check(g, "input "+in.Name(), opts,
		func() ([]float64, error) { return g.Gradient(in.ID()) },
		in.Values(),
		in.Changed,
	)
}

func check(g *graph.Graph, target string, opts Options, grad func() ([]float64, error), values []float64, changed func() error) (Report, error) {
	if err := opts.validate(); err != nil {
		return Report{}, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := g.Forward(opts.Batch, graph.Train); err != nil {
		return Report{}, fmt.Errorf("gradcheck: reference forward: %w", err)
	}
	if err := g.Backward(); err != nil {
		return Report{}, fmt.Errorf("gradcheck: reference backward: %w", err)
	}
	if err := g.SyncParamGrads(); err != nil {
		return Report{}, err
	}
	reference, err := grad()
	if err != nil {
		return Report{}, err
	}
	analytic := append([]float64(nil), reference...)
	if len(analytic) != len(values) {
		return Report{}, fmt.Errorf("%w: gradcheck: %s holds %d values, gradient %d", graph.ErrInvalidConfig, target, len(values), len(analytic))
	}

	loss := func(idx int, v float64) (float64, error) {
		values[idx] = v
		if err := changed(); err != nil {
			return 0, err
		}
		if err := g.Forward(opts.Batch, graph.Replay); err != nil {
			return 0, err
		}
		return g.Loss()
	}

	indices := coordinates(len(values), opts.Max)
	r := Report{Target: target, Results: make([]Result, 0, len(indices))}
	a := make([]float64, len(indices))
	num := make([]float64, len(indices))
	for j, idx := range indices {
		orig := values[idx]
		plus, err := loss(idx, orig+opts.Epsilon)
		if err != nil {
			return Report{}, fmt.Errorf("gradcheck: %s[%d]+ε: %w", target, idx, err)
		}
		minus, err := loss(idx, orig-opts.Epsilon)
		if err != nil {
			return Report{}, fmt.Errorf("gradcheck: %s[%d]-ε: %w", target, idx, err)
		}
		values[idx] = orig
		if err := changed(); err != nil {
			return Report{}, err
		}

		res := Result{Index: idx, Analytic: analytic[idx], Numeric: (plus - minus) / (2 * opts.Epsilon)}
		res.AbsErr = math.Abs(res.Analytic - res.Numeric)
		if scale := math.Abs(res.Analytic) + math.Abs(res.Numeric); scale > 0 {
			res.RelErr = res.AbsErr / scale
		}
		r.MaxAbs = math.Max(r.MaxAbs, res.AbsErr)
		r.MaxRel = math.Max(r.MaxRel, res.RelErr)
		r.Results = append(r.Results, res)
		a[j], num[j] = res.Analytic, res.Numeric
	}

	if denom := floats.Norm(a, 2) + floats.Norm(num, 2); denom > 0 {
		r.Aggregate = floats.Distance(a, num, 2) / denom
	}
	opts.Logger.Debug("gradient check", "target", target, "coordinates", len(indices),
		"aggregate", r.Aggregate, "max_abs", r.MaxAbs)
	return r, nil
}

// coordinates picks max indices spread evenly over [0, n), or all of them.
func coordinates(n, limit int) []int {
	if limit == 0 || limit >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, limit)
	for i := range out {
		out[i] = i * n / limit
	}
	return out
}
