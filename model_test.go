package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func tinyModelConfig(kind string) ModelConfig {
	return ModelConfig{
		Kind:       kind,
		VocabSize:  12,
		NumClasses: 5,
		WordEmbDim: 6,
		HiddenDim:  6,
		AttnDim:    4,
		JointDim:   8,
		MLPDim:     8,
		ImageSize:  8,
		Channels:   []int{4, 8},
		Dropout:    0,
		TrainCNN:   false,
	}
}

func tinySample() (*Tensor, []int, int) {
	img := NewTensorRand(1.0, 3, 8, 8)
	question := []int{3, 7, 5, PadIndex, PadIndex}
	return img, question, 3
}

func TestNewModelRejectsBadConfigs(t *testing.T) {
	bad := tinyModelConfig("frobnicator")
	if _, err := NewModel(bad); err == nil {
		t.Error("expected error for unknown model kind")
	}

	small := tinyModelConfig(KindBaseline)
	small.ImageSize = 2 // two pooling stages need at least 4 pixels
	if _, err := NewModel(small); err == nil {
		t.Error("expected error for undersized image")
	}

	noVocab := tinyModelConfig(KindBaseline)
	noVocab.VocabSize = 0
	if _, err := NewModel(noVocab); err == nil {
		t.Error("expected error for empty vocabulary")
	}
}

func TestModelLogitShapes(t *testing.T) {
	for _, kind := range []string{KindBaseline, KindCoAttention} {
		t.Run(kind, func(t *testing.T) {
			SeedRNG(41)
			model, err := NewModel(tinyModelConfig(kind))
			if err != nil {
				t.Fatalf("NewModel: %v", err)
			}

			img, question, length := tinySample()
			logits := model.Forward(img, question, length)
			if diff := cmp.Diff([]int{1, 5}, logits.Shape()); diff != "" {
				t.Errorf("logits shape (-want +got):\n%s", diff)
			}
		})
	}
}

func TestModelBackwardPopulatesGradients(t *testing.T) {
	for _, kind := range []string{KindBaseline, KindCoAttention} {
		t.Run(kind, func(t *testing.T) {
			SeedRNG(42)
			model, err := NewModel(tinyModelConfig(kind))
			if err != nil {
				t.Fatalf("NewModel: %v", err)
			}

			img, question, length := tinySample()
			logits, cache := model.ForwardWithCache(img, question, length)
			model.Backward(CrossEntropyBackward(logits, []int{2}), cache)

			zeroParams := 0
			for _, p := range model.TrainableParameters() {
				nonZero := false
				for _, g := range p.grad {
					if g != 0 {
						nonZero = true
						break
					}
				}
				if !nonZero {
					zeroParams++
				}
			}
			// Every trainable tensor except the unused embedding rows and
			// untouched bias slots should see gradient; an entirely silent
			// backward pass means a disconnected graph.
			if zeroParams > 2 {
				t.Errorf("%d trainable tensors received no gradient", zeroParams)
			}
		})
	}
}

func TestFrozenBackboneExcludedFromTrainable(t *testing.T) {
	for _, kind := range []string{KindBaseline, KindCoAttention} {
		t.Run(kind, func(t *testing.T) {
			SeedRNG(43)
			cfg := tinyModelConfig(kind)

			frozen, err := NewModel(cfg)
			if err != nil {
				t.Fatal(err)
			}
			cfg.TrainCNN = true
			thawed, err := NewModel(cfg)
			if err != nil {
				t.Fatal(err)
			}

			diff := len(thawed.TrainableParameters()) - len(frozen.TrainableParameters())
			// Two tensors (weight, bias) per conv stage.
			if diff != 2*len(cfg.Channels) {
				t.Errorf("trainable difference = %d tensors, want %d", diff, 2*len(cfg.Channels))
			}

			// The full parameter list is identical either way; freezing only
			// affects what the optimizer touches.
			if len(thawed.Parameters()) != len(frozen.Parameters()) {
				t.Error("freezing changed the checkpointed parameter set")
			}
		})
	}
}

func TestFrozenBackboneAccumulatesNoGradient(t *testing.T) {
	SeedRNG(44)
	model, err := NewModel(tinyModelConfig(KindCoAttention))
	if err != nil {
		t.Fatal(err)
	}

	img, question, length := tinySample()
	logits, cache := model.ForwardWithCache(img, question, length)
	model.Backward(CrossEntropyBackward(logits, []int{1}), cache)

	m := model.(*CoAttentionModel)
	for i, p := range m.cnn.Parameters() {
		for _, g := range p.grad {
			if g != 0 {
				t.Fatalf("frozen backbone tensor %d accumulated gradient", i)
			}
		}
	}
}

func TestModelForwardDeterministicInEval(t *testing.T) {
	SeedRNG(45)
	cfg := tinyModelConfig(KindBaseline)
	cfg.Dropout = 0.5
	model, err := NewModel(cfg)
	if err != nil {
		t.Fatal(err)
	}
	model.SetTraining(false)

	img, question, length := tinySample()
	a := model.Forward(img, question, length)
	b := model.Forward(img, question, length)
	if diff := cmp.Diff(a.data, b.data); diff != "" {
		t.Errorf("eval-mode forward not deterministic (-first +second):\n%s", diff)
	}
}
