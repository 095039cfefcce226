package train

import (
	"math"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/config"
)

// Optimizer names of OPTIMIZATION.OPTIMIZER.
const (
	OptimizerAdam         = "adam"
	OptimizerAdamOneCycle = "adam_onecycle"
)

// Schedule gives the learning rate and the first moment decay of a step.
type Schedule interface {
	At(step int) (lr, beta1 float64)
}

// NewSchedule returns the schedule of cfg for a run of stepsPerEpoch * NUM_EPOCHS steps.
func NewSchedule(cfg config.OptimizationConfig, stepsPerEpoch int) (Schedule, error) {
	if stepsPerEpoch <= 0 || cfg.NumEpochs <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%d steps per epoch, %d epochs", stepsPerEpoch, cfg.NumEpochs)
	}
	if cfg.LR <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "LR %g", cfg.LR)
	}
	switch cfg.Optimizer {
	case OptimizerAdamOneCycle:
		moms := cfg.Moms
		if len(moms) != 2 {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "MOMS needs 2 values, got %d", len(moms))
		}
		return &OneCycle{
			Total:     stepsPerEpoch * cfg.NumEpochs,
			MaxLR:     cfg.LR,
			DivFactor: cfg.DivFactor,
			PctStart:  cfg.PctStart,
			Moms:      [2]float64{moms[0], moms[1]},
		}, nil
	case OptimizerAdam, "":
		s := &StepDecay{
			LR:            cfg.LR,
			Beta1:         0.9,
			StepsPerEpoch: stepsPerEpoch,
			DecayEpochs:   cfg.DecayStepList,
			Decay:         cfg.LRDecay,
			Clip:          cfg.LRClip,
		}
		if cfg.LRWarmup {
			s.WarmupSteps = cfg.WarmupEpoch * stepsPerEpoch
			s.WarmupMin = cfg.LR / math.Max(cfg.DivFactor, 1)
		}
		return s, nil
	}
	return nil, errors.Wrapf(config.ErrInvalidConfig, "OPTIMIZER %q", cfg.Optimizer)
}

// annealCos moves from start to end along half a cosine as pct goes from 0 to 1.
func annealCos(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// OneCycle warms the learning rate up from MaxLR/DivFactor to MaxLR over the first PctStart
// of the run and anneals it to MaxLR/DivFactor/1e4 over the rest. The momentum moves the
// other way between Moms[0] and Moms[1].
type OneCycle struct {
	Total     int
	MaxLR     float64
	DivFactor float64
	PctStart  float64
	Moms      [2]float64
}

// At implements Schedule.
func (s *OneCycle) At(step int) (float64, float64) {
	low := s.MaxLR / s.DivFactor
	pct := math.Min(float64(step)/float64(s.Total), 1)
	if pct < s.PctStart {
		p := pct / s.PctStart
		return annealCos(low, s.MaxLR, p), annealCos(s.Moms[0], s.Moms[1], p)
	}
	p := (pct - s.PctStart) / (1 - s.PctStart)
	return annealCos(s.MaxLR, low/1e4, p), annealCos(s.Moms[1], s.Moms[0], p)
}

// StepDecay multiplies the learning rate by Decay at every epoch of DecayEpochs, never going
// below Clip. With WarmupSteps the rate first rises along a cosine from WarmupMin.
type StepDecay struct {
	LR            float64
	Beta1         float64
	StepsPerEpoch int
	DecayEpochs   []int
	Decay         float64
	Clip          float64
	WarmupSteps   int
	WarmupMin     float64
}

// At implements Schedule.
func (s *StepDecay) At(step int) (float64, float64) {
	if step < s.WarmupSteps {
		return annealCos(s.WarmupMin, s.LR, float64(step)/float64(s.WarmupSteps)), s.Beta1
	}
	epoch := step / s.StepsPerEpoch
	factor := 1.0
	for _, e := range s.DecayEpochs {
		if epoch >= e {
			factor *= s.Decay
		}
	}
	return math.Max(s.LR*factor, s.Clip), s.Beta1
}
