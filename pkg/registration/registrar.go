// Package registration drives multi-resolution nonrigid registration: it
// builds the image pyramids, minimizes the similarity metric over the
// transform parameters level by level with a bounded quasi-Newton method,
// and reports progress through an observer.
package registration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/metric"
	"nonrigid3d/pkg/pyramid"
	"nonrigid3d/pkg/transform"
)

// State is the optimizer's state machine position. Converged and
// MaxIterExceeded are both successful completions; Failed occurs only on
// non-finite metric/gradient values or an inconsistent configuration.
type State int

const (
	LevelInit State = iota
	Iterate
	Converged
	MaxIterExceeded
	Failed
)

func (s State) String() string {
	switch s {
	case LevelInit:
		return "LevelInit"
	case Iterate:
		return "Iterate"
	case Converged:
		return "Converged"
	case MaxIterExceeded:
		return "MaxIterExceeded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Params configures one registration run. Shrinks and Sigmas are the
// per-level pyramid schedule, listed coarsest level first; they must have
// equal length.
type Params struct {
	// Fixed is the reference volume; its grid defines the sample space.
	Fixed *models.Volume

	// Moving is the volume deformed into the fixed space.
	Moving *models.Volume

	// Transform is the identity-initialized model to optimize. It is
	// mutated in place; after the run it holds the final parameters.
	Transform transform.Transform

	// Shrinks holds one shrink factor per pyramid level.
	Shrinks []float64

	// Sigmas holds one smoothing sigma (physical units) per pyramid level.
	Sigmas []float64

	// MaxIterations caps the optimizer iterations per level.
	MaxIterations int

	// GradientTolerance stops a level when the metric gradient norm falls
	// below it.
	GradientTolerance float64

	// Sampling selects dense or seeded-random metric sampling.
	Sampling metric.Sampling

	// SamplingPercentage is the fraction of voxels evaluated under random
	// sampling.
	SamplingPercentage float64

	// Seed drives random sampling.
	Seed int64

	// Observer receives per-iteration events; may be nil.
	Observer Observer

	// Verbose enables per-level progress prints.
	Verbose bool
}

// Result summarizes a completed run.
type Result struct {
	// State is the terminal state: Converged or MaxIterExceeded.
	State State

	// FinalMetric is the metric value at the final parameters.
	FinalMetric float64

	// LevelMetrics holds the final metric value of each pyramid level.
	LevelMetrics []float64
}

// Registrar owns one registration run: created per invocation, discarded
// after.
type Registrar struct {
	params *Params
	state  State
}

// NewRegistrar creates a registrar for the given parameters.
func NewRegistrar(params *Params) *Registrar {
	return &Registrar{params: params, state: LevelInit}
}

// State returns the current state machine position.
func (r *Registrar) State() State { return r.state }

// validate resolves all configuration errors before the first iteration.
func (r *Registrar) validate() error {
	p := r.params
	if p.Fixed == nil || p.Moving == nil {
		return fmt.Errorf("%w: fixed and moving volumes are required", models.ErrConfig)
	}
	if err := p.Fixed.Validate(); err != nil {
		return err
	}
	if err := p.Moving.Validate(); err != nil {
		return err
	}
	if p.Transform == nil {
		return fmt.Errorf("%w: a transform is required", models.ErrConfig)
	}
	if len(p.Shrinks) != len(p.Sigmas) {
		return fmt.Errorf("%w: pyramid schedule lengths differ: %d shrink factors vs %d sigmas", models.ErrConfig, len(p.Shrinks), len(p.Sigmas))
	}
	if len(p.Shrinks) == 0 {
		return fmt.Errorf("%w: pyramid schedule is empty", models.ErrConfig)
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("%w: iteration cap %d, must be >= 1", models.ErrConfig, p.MaxIterations)
	}
	if !(p.GradientTolerance > 0) {
		return fmt.Errorf("%w: gradient tolerance %g, must be strictly positive", models.ErrConfig, p.GradientTolerance)
	}
	if p.Sampling == metric.Random && !(p.SamplingPercentage > 0 && p.SamplingPercentage <= 1) {
		return fmt.Errorf("%w: sampling percentage %g, must be in (0,1]", models.ErrConfig, p.SamplingPercentage)
	}
	return nil
}

// levels zips the shrink/sigma schedules.
func (r *Registrar) levels() []pyramid.Level {
	out := make([]pyramid.Level, len(r.params.Shrinks))
	for i := range out {
		out[i] = pyramid.Level{Shrink: r.params.Shrinks[i], Sigma: r.params.Sigmas[i]}
	}
	return out
}

// Run executes the full multi-resolution schedule. The returned error is
// non-nil only in the Failed state; the transform then still carries the
// last valid parameter vector.
func (r *Registrar) Run() (*Result, error) {
	if err := r.validate(); err != nil {
		r.state = Failed
		return nil, err
	}

	levels := r.levels()
	fixedPyramid, err := pyramid.Build(r.params.Fixed, levels)
	if err != nil {
		r.state = Failed
		return nil, err
	}
	movingPyramid, err := pyramid.Build(r.params.Moving, levels)
	if err != nil {
		r.state = Failed
		return nil, err
	}

	result := &Result{LevelMetrics: make([]float64, 0, len(levels))}
	for lvl := range levels {
		r.state = LevelInit
		if r.params.Verbose {
			fmt.Printf("Level %d/%d: shrink %.1f, sigma %.2f, grid %v\n",
				lvl+1, len(levels), levels[lvl].Shrink, levels[lvl].Sigma, fixedPyramid[lvl].Size)
		}

		if err := r.prepareTransform(fixedPyramid[lvl]); err != nil {
			r.state = Failed
			return nil, err
		}

		levelMetric, state, err := r.runLevel(lvl, fixedPyramid[lvl], movingPyramid[lvl])
		if err != nil {
			r.state = Failed
			return nil, err
		}
		r.state = state
		result.State = state
		result.FinalMetric = levelMetric
		result.LevelMetrics = append(result.LevelMetrics, levelMetric)
	}

	// Leave a displacement-field transform on the original fixed grid.
	if err := r.prepareTransform(r.params.Fixed); err != nil {
		r.state = Failed
		return nil, err
	}
	return result, nil
}

// prepareTransform resamples displacement-field parameters onto the level's
// grid; the current deformation carries over as the next level's starting
// point. B-spline parameters are resolution independent and pass through.
func (r *Registrar) prepareTransform(fixedLevel *models.Volume) error {
	field, ok := r.params.Transform.(*transform.DisplacementField)
	if !ok {
		return nil
	}
	if field.Geometry().SameGrid(&fixedLevel.Geometry) {
		return nil
	}
	resampled, err := transform.NewDisplacementField(&fixedLevel.Geometry)
	if err != nil {
		return err
	}
	size := fixedLevel.Size
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				p := fixedLevel.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
				resampled.SetVectorAt(x, y, z, field.DisplacementAt(p))
			}
		}
	}
	*field = *resampled
	return nil
}

// runLevel minimizes the metric at one resolution with L-BFGS.
func (r *Registrar) runLevel(lvl int, fixed, moving *models.Volume) (float64, State, error) {
	t := r.params.Transform
	m := metric.NewMeanSquares(fixed, moving)
	m.Strategy = r.params.Sampling
	m.Percentage = r.params.SamplingPercentage
	m.Seed = r.params.Seed

	// The last parameter vector that produced finite values; restored on a
	// numerical failure so the transform is never left inconsistent.
	lastValid := make([]float64, t.NumParameters())
	copy(lastValid, t.Parameters())
	var evalErr error

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if evalErr != nil {
				return math.NaN()
			}
			if err := t.SetParameters(x); err != nil {
				evalErr = err
				return math.NaN()
			}
			v, err := m.Value(t)
			if err != nil {
				evalErr = err
				return math.NaN()
			}
			copy(lastValid, x)
			return v
		},
		Grad: func(grad, x []float64) {
			if evalErr != nil {
				return
			}
			if err := t.SetParameters(x); err != nil {
				evalErr = err
				return
			}
			if _, err := m.ValueAndGradient(t, grad); err != nil {
				evalErr = err
				for i := range grad {
					grad[i] = math.NaN()
				}
				return
			}
			copy(lastValid, x)
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   r.params.MaxIterations,
		GradientThreshold: r.params.GradientTolerance,
		Recorder:          &observerRecorder{level: lvl, observer: r.params.Observer},
	}

	x0 := make([]float64, t.NumParameters())
	copy(x0, t.Parameters())

	res, optErr := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})

	if evalErr != nil {
		// Numerical failure: abort the level, keep the last valid vector.
		t.SetParameters(lastValid)
		if errors.Is(evalErr, models.ErrConfig) {
			return 0, Failed, evalErr
		}
		return 0, Failed, fmt.Errorf("%w (level %d)", evalErr, lvl)
	}

	if res != nil && len(res.X) == t.NumParameters() && isFiniteVec(res.X) {
		if err := t.SetParameters(res.X); err != nil {
			return 0, Failed, err
		}
	} else {
		t.SetParameters(lastValid)
	}

	state := Converged
	if res != nil && res.Status == optimize.IterationLimit {
		state = MaxIterExceeded
	}
	// A line-search stall means the method cannot improve further at this
	// resolution; that is a completion, not a failure.
	if optErr != nil && res == nil {
		return 0, Failed, fmt.Errorf("%w: optimizer error: %v", models.ErrNumerical, optErr)
	}

	final := math.NaN()
	if res != nil {
		final = res.F
	}
	if math.IsNaN(final) {
		v, err := m.Value(t)
		if err != nil {
			return 0, Failed, err
		}
		final = v
	}
	return final, state, nil
}

func isFiniteVec(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// observerRecorder bridges gonum's Recorder hook to the Observer interface.
type observerRecorder struct {
	level    int
	observer Observer
	count    int
}

func (r *observerRecorder) Init() error {
	r.count = 0
	return nil
}

func (r *observerRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if r.observer == nil {
		return nil
	}
	if op&optimize.MajorIteration != 0 {
		r.observer.Notify(Event{Level: r.level, Iteration: r.count, Metric: loc.F})
		r.count++
	}
	return nil
}
