package builtin

import (
	"fmt"
	"math"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/frame"
	"codeberg.org/mutker/spectractl/internal/plugin"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var baselineDescriptor = plugin.Descriptor{
	Name:         "baseline",
	Version:      version,
	Capabilities: plugin.ProducesTransformed,
	Fields: []plugin.Field{
		{Name: "degree", Kind: plugin.KindInt, Default: 3, Min: plugin.Bound(0), Max: plugin.Bound(15)},
		{Name: "max_iter", Kind: plugin.KindInt, Default: 100, Min: plugin.Bound(1)},
		{Name: "tolerance", Kind: plugin.KindFloat, Default: 1e-3, Min: plugin.Bound(0)},
	},
}

type baselineCorrector struct {
	degree    int
	maxIter   int
	tolerance float64
}

func newBaseline(opts plugin.Options) (plugin.Plugin, error) {
	return &baselineCorrector{
		degree:    opts.Int("degree"),
		maxIter:   opts.Int("max_iter"),
		tolerance: opts.Float("tolerance"),
	}, nil
}

func (p *baselineCorrector) Transform(f *frame.Frame) (*frame.Frame, error) {
	values := f.Intensities()
	if len(values) <= p.degree+1 {
		return nil, fmt.Errorf("%d pixels cannot fit a degree %d baseline", len(values), p.degree)
	}

	base, err := iModPolyBaseline(values, p.degree, p.maxIter, p.tolerance)
	if err != nil {
		return nil, err
	}
	floats.Sub(values, base)

	return f.WithIntensities(values).WithMetadata("baseline", "imodpoly"), nil
}

// iModPolyBaseline estimates the baseline of y with the improved modified
// polynomial method. Pixels above the first fit by more than one standard
// deviation of the residual are excluded as peak points. The remaining
// working spectrum is then refitted and clipped to fit+deviation until the
// deviation settles.
func iModPolyBaseline(y []float64, degree, maxIter int, tolerance float64) ([]float64, error) {
	n := len(y)
	vander := vandermonde(n, degree)

	work := make([]float64, n)
	copy(work, y)

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	fit, err := polyFit(vander, all, work)
	if err != nil {
		return nil, err
	}
	dev := stat.StdDev(residuals(work, fit, all), nil)

	keep := make([]int, 0, n)
	for _, i := range all {
		if work[i] <= fit[i]+dev {
			keep = append(keep, i)
		}
	}
	if len(keep) <= degree+1 {
		keep = all
	}

	for iter := 0; iter < maxIter; iter++ {
		if fit, err = polyFit(vander, keep, work); err != nil {
			return nil, err
		}

		next := stat.StdDev(residuals(work, fit, keep), nil)
		done := next == 0 || math.Abs(next-dev)/next < tolerance

		for _, i := range keep {
			work[i] = math.Min(work[i], fit[i]+next)
		}
		dev = next

		if done {
			break
		}
	}

	return fit, nil
}

// vandermonde maps pixel indices onto [-1, 1] to keep the fit well
// conditioned.
func vandermonde(n, degree int) *mat.Dense {
	v := mat.NewDense(n, degree+1, nil)
	for i := 0; i < n; i++ {
		x := 0.0
		if n > 1 {
			x = 2*float64(i)/float64(n-1) - 1
		}
		term := 1.0
		for j := 0; j <= degree; j++ {
			v.Set(i, j, term)
			term *= x
		}
	}

	return v
}

// polyFit fits the rows of vander selected by rows to work and evaluates the
// polynomial at every pixel.
func polyFit(vander *mat.Dense, rows []int, work []float64) ([]float64, error) {
	n, k := vander.Dims()

	a := mat.NewDense(len(rows), k, nil)
	b := mat.NewVecDense(len(rows), nil)
	for r, i := range rows {
		a.SetRow(r, vander.RawRowView(i))
		b.SetVec(r, work[i])
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(a, b); err != nil {
		// An ill-conditioned fit still yields a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("baseline fit: %w", err)
		}
	}

	fit := mat.NewVecDense(n, nil)
	fit.MulVec(vander, &coeffs)

	return fit.RawVector().Data, nil
}

func residuals(work, fit []float64, rows []int) []float64 {
	r := make([]float64, len(rows))
	for j, i := range rows {
		r[j] = work[i] - fit[i]
	}

	return r
}
