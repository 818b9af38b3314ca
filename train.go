package main

import (
	"context"
	"fmt"
	"math"
	"time"
)

// TrainingConfig holds every knob of a training run.
type TrainingConfig struct {
	Epochs    int `yaml:"epochs"`
	BatchSize int `yaml:"batch_size"`

	LearningRate    float64 `yaml:"learning_rate"`
	MinLearningRate float64 `yaml:"min_learning_rate"`
	WarmupSteps     int     `yaml:"warmup_steps"`

	Optimizer   string  `yaml:"optimizer"` // "adam" or "sgd"
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Epsilon     float64 `yaml:"epsilon"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	GradClip    float64 `yaml:"grad_clip"`

	LogInterval  int `yaml:"log_interval"`  // steps between metric lines
	SaveInterval int `yaml:"save_interval"` // steps between checkpoints
	EvalInterval int `yaml:"eval_interval"` // epochs between validations

	Workers int   `yaml:"workers"` // image-loading goroutines
	Seed    int64 `yaml:"seed"`
}

// DefaultTrainingConfig returns sensible CPU-scale defaults.
func DefaultTrainingConfig() *TrainingConfig {
	return &TrainingConfig{
		Epochs:          10,
		BatchSize:       32,
		LearningRate:    1e-3,
		MinLearningRate: 1e-5,
		WarmupSteps:     200,
		Optimizer:       "adam",
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-8,
		Momentum:        0.9,
		WeightDecay:     1e-5,
		GradClip:        5.0,
		LogInterval:     10,
		SaveInterval:    500,
		EvalInterval:    1,
		Workers:         4,
		Seed:            42,
	}
}

// Validate rejects configurations that cannot run.
func (c *TrainingConfig) Validate() error {
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("train: epochs and batch size must be positive")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("train: learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return fmt.Errorf("train: unknown optimizer %q", c.Optimizer)
	}
	if c.LogInterval <= 0 || c.SaveInterval <= 0 || c.EvalInterval <= 0 {
		return fmt.Errorf("train: log, save, and eval intervals must be positive")
	}
	return nil
}

// ===========================================================================
// OPTIMIZERS
// ===========================================================================

// OptimizerState is the serializable slow state of an optimizer, stored in
// checkpoints so a resumed run continues the same trajectory.
type OptimizerState struct {
	Kind string
	Step int
	M    [][]float64 // first moments (Adam) or velocities (SGD)
	V    [][]float64 // second moments (Adam only)
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []*Tensor, lr float64)
	State() OptimizerState
	LoadState(state OptimizerState) error
	Name() string
}

// NewOptimizer builds the configured optimizer.
func NewOptimizer(cfg *TrainingConfig) Optimizer {
	if cfg.Optimizer == "sgd" {
		return &SGDOptimizer{momentum: cfg.Momentum, weightDecay: cfg.WeightDecay}
	}
	return &AdamOptimizer{
		beta1:       cfg.Beta1,
		beta2:       cfg.Beta2,
		epsilon:     cfg.Epsilon,
		weightDecay: cfg.WeightDecay,
	}
}

// SGDOptimizer is stochastic gradient descent with classical momentum and
// decoupled weight decay.
type SGDOptimizer struct {
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

// Step applies one SGD update.
func (o *SGDOptimizer) Step(params []*Tensor, lr float64) {
	if o.velocity == nil {
		o.velocity = make([][]float64, len(params))
		for i, p := range params {
			o.velocity[i] = make([]float64, len(p.data))
		}
	}

	for i, p := range params {
		vel := o.velocity[i]
		for j := range p.data {
			g := p.grad[j] + o.weightDecay*p.data[j]
			vel[j] = o.momentum*vel[j] - lr*g
			p.data[j] += vel[j]
		}
	}
}

// State returns the serializable momentum buffers.
func (o *SGDOptimizer) State() OptimizerState {
	return OptimizerState{Kind: "sgd", M: o.velocity}
}

// LoadState restores momentum buffers from a checkpoint.
func (o *SGDOptimizer) LoadState(state OptimizerState) error {
	if state.Kind != "sgd" {
		return fmt.Errorf("optimizer: checkpoint holds %q state, want sgd", state.Kind)
	}
	o.velocity = state.M
	return nil
}

// Name returns the optimizer kind.
func (o *SGDOptimizer) Name() string { return "sgd" }

// AdamOptimizer implements Adam with bias correction and weight decay.
type AdamOptimizer struct {
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64

	t    int // update count, drives bias correction
	m, v [][]float64
}

// Step applies one Adam update.
func (o *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p.data))
			o.v[i] = make([]float64, len(p.data))
		}
	}

	o.t++
	bc1 := 1.0 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1.0 - math.Pow(o.beta2, float64(o.t))

	for i, p := range params {
		m, v := o.m[i], o.v[i]
		for j := range p.data {
			g := p.grad[j] + o.weightDecay*p.data[j]
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
}

// State returns the serializable moment buffers and update count.
func (o *AdamOptimizer) State() OptimizerState {
	return OptimizerState{Kind: "adam", Step: o.t, M: o.m, V: o.v}
}

// LoadState restores the moments and update count from a checkpoint.
func (o *AdamOptimizer) LoadState(state OptimizerState) error {
	if state.Kind != "adam" {
		return fmt.Errorf("optimizer: checkpoint holds %q state, want adam", state.Kind)
	}
	o.t = state.Step
	o.m = state.M
	o.v = state.V
	return nil
}

// Name returns the optimizer kind.
func (o *AdamOptimizer) Name() string { return "adam" }

// ===========================================================================
// LEARNING RATE SCHEDULE
// ===========================================================================

// LRScheduler implements linear warmup followed by cosine decay to MinLR.
type LRScheduler struct {
	BaseLR      float64
	MinLR       float64
	WarmupSteps int
	TotalSteps  int
}

// LRAt returns the learning rate for a global step.
func (s *LRScheduler) LRAt(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.BaseLR * float64(step+1) / float64(s.WarmupSteps)
	}
	if step >= s.TotalSteps {
		return s.MinLR
	}

	progress := float64(step-s.WarmupSteps) / float64(s.TotalSteps-s.WarmupSteps)
	cosine := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + (s.BaseLR-s.MinLR)*cosine
}

// ===========================================================================
// LOSS AND GRADIENT UTILITIES
// ===========================================================================

// CrossEntropyLoss computes the mean negative log-likelihood of the targets
// under softmax(logits), using the log-sum-exp trick for stability.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	rows, classes := logits.shape[0], logits.shape[1]
	if len(targets) != rows {
		panic("CrossEntropyLoss: target length mismatch")
	}

	total := 0.0
	for r := 0; r < rows; r++ {
		maxVal := logits.data[r*classes]
		for c := 1; c < classes; c++ {
			if v := logits.data[r*classes+c]; v > maxVal {
				maxVal = v
			}
		}

		sumExp := 0.0
		for c := 0; c < classes; c++ {
			sumExp += math.Exp(logits.data[r*classes+c] - maxVal)
		}

		total += maxVal + math.Log(sumExp) - logits.data[r*classes+targets[r]]
	}

	return total / float64(rows)
}

// Argmax returns the index of the largest value in a (1, n) row.
func Argmax(row *Tensor) int {
	best := 0
	for i := 1; i < len(row.data); i++ {
		if row.data[i] > row.data[best] {
			best = i
		}
	}
	return best
}

// clipGradients scales all gradients down so their global L2 norm is at
// most maxNorm. Returns the pre-clip norm.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)

	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			for j := range p.grad {
				p.grad[j] *= scale
			}
		}
	}

	return norm
}

// ===========================================================================
// TRAINING STEPS
// ===========================================================================

// TrainStep runs one optimization step over a batch: forward and backward
// per sample, gradients averaged over the batch, clip, update. Returns the
// mean loss and the number of correct predictions.
//
// Parameter mutation happens only here, on the training goroutine.
func TrainStep(model VQAModel, batch *Batch, opt Optimizer, lr, clip float64) (float64, int) {
	for _, p := range model.Parameters() {
		p.ZeroGrad()
	}

	totalLoss := 0.0
	correct := 0
	scale := 1.0 / float64(batch.Size())

	for i := 0; i < batch.Size(); i++ {
		target := []int{batch.Labels[i]}
		logits, cache := model.ForwardWithCache(batch.Images[i], batch.Questions[i], batch.Lengths[i])

		totalLoss += CrossEntropyLoss(logits, target)
		if Argmax(logits) == batch.Labels[i] {
			correct++
		}

		model.Backward(Scale(CrossEntropyBackward(logits, target), scale), cache)
	}

	trainable := model.TrainableParameters()
	if clip > 0 {
		clipGradients(trainable, clip)
	}
	opt.Step(trainable, lr)

	return totalLoss * scale, correct
}

// Evaluate runs a full pass over a loader without parameter updates and
// returns the mean loss and accuracy.
func Evaluate(ctx context.Context, model VQAModel, loader *DataLoader) (float64, float64, error) {
	model.SetTraining(false)
	defer model.SetTraining(true)

	loader.StartEpoch()
	batches, wait := loader.Stream(ctx)

	totalLoss := 0.0
	correct, seen := 0, 0

	for batch := range batches {
		for i := 0; i < batch.Size(); i++ {
			logits := model.Forward(batch.Images[i], batch.Questions[i], batch.Lengths[i])
			totalLoss += CrossEntropyLoss(logits, []int{batch.Labels[i]})
			if Argmax(logits) == batch.Labels[i] {
				correct++
			}
			seen++
		}
	}
	if err := wait(); err != nil {
		return 0, 0, fmt.Errorf("train: validation pass failed: %w", err)
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("train: validation loader produced no samples")
	}

	return totalLoss / float64(seen), float64(correct) / float64(seen), nil
}

// ===========================================================================
// TRAINER
// ===========================================================================

// Trainer owns the full training run: epochs, logging, checkpoints, and
// validation. Epoch and step survive checkpoint round-trips, so a resumed
// run picks up its counters exactly where the saved run stopped.
type Trainer struct {
	model   VQAModel
	cfg     *TrainingConfig
	opt     Optimizer
	sched   *LRScheduler
	expt    *Experiment
	metrics *TrainMetrics // nil when the metrics server is disabled

	epoch int // next epoch to run
	step  int // global step counter
}

// NewTrainer creates a trainer starting from the given counters (zero for a
// fresh run, restored values for a resume).
func NewTrainer(model VQAModel, cfg *TrainingConfig, opt Optimizer, expt *Experiment, metrics *TrainMetrics, stepsPerEpoch, startEpoch, startStep int) *Trainer {
	return &Trainer{
		model: model,
		cfg:   cfg,
		opt:   opt,
		sched: &LRScheduler{
			BaseLR:      cfg.LearningRate,
			MinLR:       cfg.MinLearningRate,
			WarmupSteps: cfg.WarmupSteps,
			TotalSteps:  cfg.Epochs * stepsPerEpoch,
		},
		expt:    expt,
		metrics: metrics,
		epoch:   startEpoch,
		step:    startStep,
	}
}

// Step returns the trainer's global step counter.
func (t *Trainer) Step() int { return t.step }

// Run trains until the configured epoch count is reached.
func (t *Trainer) Run(ctx context.Context, trainLoader, valLoader *DataLoader) error {
	t.model.SetTraining(true)

	for ; t.epoch < t.cfg.Epochs; t.epoch++ {
		start := time.Now()
		trainLoader.StartEpoch()
		batches, wait := trainLoader.Stream(ctx)

		epochLoss := 0.0
		epochCorrect, epochSeen, epochBatches := 0, 0, 0

		for batch := range batches {
			lr := t.sched.LRAt(t.step)
			loss, correct := TrainStep(t.model, batch, t.opt, lr, t.cfg.GradClip)
			t.step++

			epochLoss += loss
			epochCorrect += correct
			epochSeen += batch.Size()
			epochBatches++

			if t.metrics != nil {
				t.metrics.ObserveTrainStep(loss, float64(correct)/float64(batch.Size()))
			}

			if t.step%t.cfg.LogInterval == 0 {
				acc := float64(correct) / float64(batch.Size())
				t.expt.Logf("epoch %d step %d | loss %.4f acc %.3f lr %.2e", t.epoch+1, t.step, loss, acc, lr)
				t.expt.LogMetrics(t.step, "train", loss, acc, lr)
			}

			if t.step%t.cfg.SaveInterval == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return err
				}
			}
		}
		if err := wait(); err != nil {
			return fmt.Errorf("train: epoch %d failed: %w", t.epoch+1, err)
		}

		if epochSeen > 0 {
			t.expt.Logf("epoch %d done in %s | mean loss %.4f acc %.3f",
				t.epoch+1, time.Since(start).Round(time.Second),
				epochLoss/float64(epochBatches), float64(epochCorrect)/float64(epochSeen))
		}

		if valLoader != nil && (t.epoch+1)%t.cfg.EvalInterval == 0 {
			valLoss, valAcc, err := Evaluate(ctx, t.model, valLoader)
			if err != nil {
				return err
			}
			t.expt.Logf("epoch %d validation | loss %.4f acc %.3f", t.epoch+1, valLoss, valAcc)
			t.expt.LogMetrics(t.step, "val", valLoss, valAcc, 0)
			if t.metrics != nil {
				t.metrics.ObserveValidation(valLoss, valAcc)
			}
		}
	}

	return t.saveCheckpoint()
}

// saveCheckpoint writes the current model and optimizer state atomically.
func (t *Trainer) saveCheckpoint() error {
	path := t.expt.CheckpointPath(t.step)
	if err := SaveCheckpoint(path, t.model, t.opt, t.epoch, t.step, t.expt.RunName()); err != nil {
		return err
	}
	t.expt.Logf("saved checkpoint %s", path)
	return nil
}
