package main

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLRSchedulerWarmupAndDecay(t *testing.T) {
	s := &LRScheduler{BaseLR: 1e-3, MinLR: 1e-5, WarmupSteps: 10, TotalSteps: 100}

	if lr := s.LRAt(0); lr >= 1e-3 {
		t.Errorf("LRAt(0) = %v, want below base during warmup", lr)
	}
	if lr := s.LRAt(10); math.Abs(lr-1e-3) > 1e-9 {
		t.Errorf("LRAt(warmup end) = %v, want base rate", lr)
	}

	prev := s.LRAt(10)
	for step := 20; step < 100; step += 10 {
		lr := s.LRAt(step)
		if lr > prev {
			t.Errorf("LR increased from %v to %v at step %d", prev, lr, step)
		}
		prev = lr
	}

	if lr := s.LRAt(100); lr != 1e-5 {
		t.Errorf("LRAt(total) = %v, want min rate", lr)
	}
}

func TestCrossEntropyLossUniformLogits(t *testing.T) {
	logits := NewTensor(1, 4) // all zeros, uniform distribution
	got := CrossEntropyLoss(logits, []int{2})
	want := math.Log(4)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("loss = %v, want ln(4) = %v", got, want)
	}
}

func TestCrossEntropyLossConfidentCorrect(t *testing.T) {
	logits := NewTensor(1, 3)
	logits.data[1] = 100
	if got := CrossEntropyLoss(logits, []int{1}); got > 1e-9 {
		t.Errorf("loss = %v, want near zero for a confident correct answer", got)
	}
}

func TestClipGradients(t *testing.T) {
	p := NewTensor(4)
	copy(p.grad, []float64{3, 4, 0, 0}) // norm 5

	norm := clipGradients([]*Tensor{p}, 2.5)
	if math.Abs(norm-5) > 1e-12 {
		t.Errorf("pre-clip norm = %v, want 5", norm)
	}
	if math.Abs(p.grad[0]-1.5) > 1e-12 || math.Abs(p.grad[1]-2.0) > 1e-12 {
		t.Errorf("clipped grads = %v, want [1.5 2 0 0]", p.grad)
	}

	// A norm below the threshold is untouched.
	copy(p.grad, []float64{0.3, 0.4, 0, 0})
	clipGradients([]*Tensor{p}, 2.5)
	if p.grad[0] != 0.3 || p.grad[1] != 0.4 {
		t.Error("gradient below the clip threshold was modified")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := NewTensorRand(1.0, 3, 3)
	for i := range p.grad {
		p.grad[i] = 0.1
	}

	a := &AdamOptimizer{beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
	a.Step([]*Tensor{p}, 1e-3)
	a.Step([]*Tensor{p}, 1e-3)

	b := &AdamOptimizer{beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
	if err := b.LoadState(a.State()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if b.t != a.t {
		t.Errorf("restored step count %d, want %d", b.t, a.t)
	}
	if diff := cmp.Diff(a.m, b.m); diff != "" {
		t.Errorf("first moments (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(a.v, b.v); diff != "" {
		t.Errorf("second moments (-a +b):\n%s", diff)
	}
}

func TestOptimizerStateKindMismatch(t *testing.T) {
	sgd := &SGDOptimizer{}
	if err := sgd.LoadState(OptimizerState{Kind: "adam"}); err == nil {
		t.Error("expected error loading adam state into sgd")
	}
}

// trainBatch builds an in-memory batch for the tiny model config.
func trainBatch(size int) *Batch {
	b := &Batch{MaxLen: 4}
	for i := 0; i < size; i++ {
		b.Images = append(b.Images, NewTensorRand(1.0, 3, 8, 8))
		b.Questions = append(b.Questions, []int{3, 5, 7, PadIndex})
		b.Lengths = append(b.Lengths, 3)
		b.Labels = append(b.Labels, i%5)
	}
	return b
}

func TestTrainStepUpdatesParameters(t *testing.T) {
	SeedRNG(51)
	model, err := NewModel(tinyModelConfig(KindBaseline))
	if err != nil {
		t.Fatal(err)
	}
	model.SetTraining(true)

	param := model.TrainableParameters()[0]
	before := make([]float64, len(param.data))
	copy(before, param.data)

	opt := NewOptimizer(DefaultTrainingConfig())
	loss, correct := TrainStep(model, trainBatch(2), opt, 1e-3, 5.0)

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss = %v", loss)
	}
	if correct < 0 || correct > 2 {
		t.Fatalf("correct = %d out of range", correct)
	}

	changed := false
	for i := range param.data {
		if param.data[i] != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("optimizer step left parameters unchanged")
	}
}

func TestTrainStepLossDecreasesOnRepeatedBatch(t *testing.T) {
	SeedRNG(52)
	model, err := NewModel(tinyModelConfig(KindBaseline))
	if err != nil {
		t.Fatal(err)
	}
	model.SetTraining(true)

	batch := trainBatch(2)
	opt := NewOptimizer(DefaultTrainingConfig())

	first, _ := TrainStep(model, batch, opt, 1e-2, 5.0)
	var last float64
	for i := 0; i < 20; i++ {
		last, _ = TrainStep(model, batch, opt, 1e-2, 5.0)
	}

	if last >= first {
		t.Errorf("loss did not decrease on a memorizable batch: first %v, last %v", first, last)
	}
}

func TestTrainerStepCounting(t *testing.T) {
	SeedRNG(53)
	records, vocab, dir := loaderFixture(t)

	cfg := DefaultTrainingConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 2
	cfg.LogInterval = 1
	cfg.SaveInterval = 1000
	cfg.Workers = 2

	mc := tinyModelConfig(KindBaseline)
	mc.VocabSize = vocab.NumWords()
	mc.NumClasses = vocab.NumClasses()
	model, err := NewModel(mc)
	if err != nil {
		t.Fatal(err)
	}

	expt, err := NewExperiment(t.TempDir(), "vqa", "steps")
	if err != nil {
		t.Fatal(err)
	}
	defer expt.Close()

	loader := NewDataLoader(records, vocab, dir, mc.ImageSize, cfg.BatchSize, cfg.Workers, true, true)
	trainer := NewTrainer(model, cfg, NewOptimizer(cfg), expt, nil, loader.NumBatches(), 0, 0)

	if err := trainer.Run(context.Background(), loader, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 5 records, batch size 2, partial batch dropped: 2 steps per epoch.
	if trainer.Step() != 2 {
		t.Errorf("trainer ended at step %d, want 2", trainer.Step())
	}
}

func TestTrainerResumeContinuesStepCount(t *testing.T) {
	SeedRNG(54)
	records, vocab, dir := loaderFixture(t)

	cfg := DefaultTrainingConfig()
	cfg.Epochs = 2 // one epoch already done, one more to run
	cfg.BatchSize = 2
	cfg.SaveInterval = 1000
	cfg.Workers = 2

	mc := tinyModelConfig(KindBaseline)
	mc.VocabSize = vocab.NumWords()
	mc.NumClasses = vocab.NumClasses()
	model, err := NewModel(mc)
	if err != nil {
		t.Fatal(err)
	}

	expt, err := NewExperiment(t.TempDir(), "vqa", "resume")
	if err != nil {
		t.Fatal(err)
	}
	defer expt.Close()

	loader := NewDataLoader(records, vocab, dir, mc.ImageSize, cfg.BatchSize, cfg.Workers, true, true)

	// Resume as if a 2-step epoch already ran: the second epoch adds its 2
	// steps on top of the restored counter.
	trainer := NewTrainer(model, cfg, NewOptimizer(cfg), expt, nil, loader.NumBatches(), 1, 2)
	if err := trainer.Run(context.Background(), loader, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if trainer.Step() != 4 {
		t.Errorf("resumed trainer ended at step %d, want 4", trainer.Step())
	}
}

func TestEvaluateCoversEverySample(t *testing.T) {
	SeedRNG(55)
	records, vocab, dir := loaderFixture(t)

	mc := tinyModelConfig(KindBaseline)
	mc.VocabSize = vocab.NumWords()
	mc.NumClasses = vocab.NumClasses()
	model, err := NewModel(mc)
	if err != nil {
		t.Fatal(err)
	}

	loader := NewDataLoader(records, vocab, dir, mc.ImageSize, 2, 2, false, false)
	loss, acc, err := Evaluate(context.Background(), model, loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if math.IsNaN(loss) {
		t.Error("validation loss is NaN")
	}
	if acc < 0 || acc > 1 {
		t.Errorf("accuracy = %v out of [0, 1]", acc)
	}
}
