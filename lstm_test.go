package main

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLSTMOutputShape(t *testing.T) {
	SeedRNG(21)
	l := NewLSTM(3, 4)
	x := NewTensorRand(1.0, 5, 3)

	states, _ := l.ForwardWithCache(x, 5)
	if diff := cmp.Diff([]int{5, 4}, states.Shape()); diff != "" {
		t.Errorf("states shape mismatch (-want +got):\n%s", diff)
	}
}

func TestLSTMMaskingCarriesStateThroughPadding(t *testing.T) {
	SeedRNG(22)
	l := NewLSTM(3, 4)

	x := NewTensorRand(1.0, 6, 3)
	states, _ := l.ForwardWithCache(x, 3)

	// Positions at and beyond the true length repeat the last real state.
	last := make([]float64, 4)
	copy(last, states.data[2*4:3*4])
	for pos := 3; pos < 6; pos++ {
		for d := 0; d < 4; d++ {
			if states.At(pos, d) != last[d] {
				t.Errorf("padded position %d dim %d = %v, want carried %v", pos, d, states.At(pos, d), last[d])
			}
		}
	}
}

func TestLSTMPaddingDoesNotAffectFinalState(t *testing.T) {
	SeedRNG(23)
	l := NewLSTM(3, 4)

	x := NewTensorRand(1.0, 3, 3)

	// The same sequence with extra garbage rows past the length must yield
	// the same final hidden state.
	padded := NewTensor(6, 3)
	copy(padded.data[:9], x.data)
	for i := 9; i < len(padded.data); i++ {
		padded.data[i] = 99.0
	}

	short, _ := l.ForwardWithCache(x, 3)
	long, _ := l.ForwardWithCache(padded, 3)

	a := l.FinalHidden(short, 3)
	b := l.FinalHidden(long, 3)
	if diff := cmp.Diff(a.data, b.data); diff != "" {
		t.Errorf("padding changed the final state (-short +long):\n%s", diff)
	}
}

func TestLSTMBackwardGradient(t *testing.T) {
	SeedRNG(24)
	l := NewLSTM(2, 3)
	x := NewTensorRand(1.0, 4, 2)

	states, cache := l.ForwardWithCache(x, 4)
	gradStates := NewTensor(states.shape...)
	for i := range gradStates.data {
		gradStates.data[i] = 1
	}
	gradX := l.Backward(gradStates, cache)

	checkGrad(t, "lstm input", x, gradX, func() float64 {
		out, _ := l.ForwardWithCache(x, 4)
		return sum(out)
	})
}

func TestLSTMPaddedInputReceivesNoGradient(t *testing.T) {
	SeedRNG(25)
	l := NewLSTM(2, 3)
	x := NewTensorRand(1.0, 5, 2)

	states, cache := l.ForwardWithCache(x, 2)
	gradStates := NewTensor(states.shape...)
	for i := range gradStates.data {
		gradStates.data[i] = 1
	}
	gradX := l.Backward(gradStates, cache)

	for pos := 2; pos < 5; pos++ {
		for d := 0; d < 2; d++ {
			if gradX.At(pos, d) != 0 {
				t.Errorf("padded input position %d received gradient %v", pos, gradX.At(pos, d))
			}
		}
	}
}

func TestLSTMForgetBiasInitialized(t *testing.T) {
	l := NewLSTM(2, 3)
	for j := 0; j < 3; j++ {
		if l.b.data[3+j] != 1.0 {
			t.Errorf("forget bias %d = %v, want 1", j, l.b.data[3+j])
		}
	}
	for j := 0; j < 3; j++ {
		if l.b.data[j] != 0 {
			t.Errorf("input-gate bias %d = %v, want 0", j, l.b.data[j])
		}
	}
}

func TestHierarchicalEncoderLevels(t *testing.T) {
	SeedRNG(26)
	enc := NewHierarchicalQuestionEncoder(20, 8)

	ids := []int{4, 7, 2, 9, PadIndex, PadIndex}
	levels, _ := enc.ForwardWithCache(ids, 4)

	for name, level := range map[string]*Tensor{
		"word": levels.Word, "phrase": levels.Phrase, "sentence": levels.Sentence,
	} {
		shape := level.Shape()
		if shape[0] != 6 || shape[1] != 8 {
			t.Errorf("%s level shape = %v, want [6 8]", name, shape)
		}
	}

	// Every phrase element records which window convolution won the max.
	_, cache := enc.ForwardWithCache(ids, 4)
	for i, w := range cache.winners {
		if w < 0 || w > 2 {
			t.Fatalf("winner[%d] = %d out of range", i, w)
		}
	}
}

func TestBaselineEncoderSummaryShape(t *testing.T) {
	SeedRNG(27)
	enc := NewBaselineQuestionEncoder(20, 6, 10)

	final, _ := enc.ForwardWithCache([]int{3, 5, 1, PadIndex}, 3)
	if diff := cmp.Diff([]int{1, 10}, final.Shape()); diff != "" {
		t.Errorf("summary shape mismatch (-want +got):\n%s", diff)
	}

	var nonZero bool
	for _, v := range final.data {
		if math.Abs(v) > 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("summary is identically zero")
	}
}
