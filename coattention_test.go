package main

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCoAttentionSummaryShapes(t *testing.T) {
	SeedRNG(31)
	ca := NewCoAttention(8, 4)

	q := NewTensorRand(1.0, 5, 8)  // 5 token positions
	v := NewTensorRand(1.0, 9, 8)  // 9 image regions

	vHat, qHat, _ := ca.ForwardWithCache(q, v, 5)
	if diff := cmp.Diff([]int{1, 8}, vHat.Shape()); diff != "" {
		t.Errorf("image summary shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 8}, qHat.Shape()); diff != "" {
		t.Errorf("question summary shape (-want +got):\n%s", diff)
	}
}

func TestCoAttentionWeightsSumToOne(t *testing.T) {
	SeedRNG(32)
	ca := NewCoAttention(8, 4)

	q := NewTensorRand(1.0, 6, 8)
	v := NewTensorRand(1.0, 9, 8)

	_, _, cache := ca.ForwardWithCache(q, v, 4)

	regionMass := 0.0
	for _, w := range cache.av.data {
		if w < 0 {
			t.Errorf("negative region attention weight %v", w)
		}
		regionMass += w
	}
	if math.Abs(regionMass-1.0) > 1e-12 {
		t.Errorf("region attention mass = %v, want 1", regionMass)
	}

	tokenMass := 0.0
	for _, w := range cache.aq.data {
		tokenMass += w
	}
	if math.Abs(tokenMass-1.0) > 1e-12 {
		t.Errorf("token attention mass = %v, want 1", tokenMass)
	}
}

func TestCoAttentionIgnoresPaddedTokens(t *testing.T) {
	SeedRNG(33)
	ca := NewCoAttention(8, 4)

	q := NewTensorRand(1.0, 6, 8)
	v := NewTensorRand(1.0, 9, 8)

	_, _, cache := ca.ForwardWithCache(q, v, 4)

	for pos := 4; pos < 6; pos++ {
		if cache.aq.At(0, pos) != 0 {
			t.Errorf("padded token %d received attention %v", pos, cache.aq.At(0, pos))
		}
	}
}

func TestCoAttentionQuestionSummaryExcludesPadding(t *testing.T) {
	SeedRNG(34)
	ca := NewCoAttention(4, 3)

	// Real tokens zero, padded tokens huge: with padding masked out the
	// question summary must stay zero.
	q := NewTensor(4, 4)
	for i := 2 * 4; i < len(q.data); i++ {
		q.data[i] = 1000
	}
	v := NewTensorRand(1.0, 5, 4)

	_, qHat, _ := ca.ForwardWithCache(q, v, 2)
	for i, val := range qHat.data {
		if val != 0 {
			t.Errorf("summary dim %d = %v, want 0", i, val)
		}
	}
}

func TestCoAttentionBackwardGradient(t *testing.T) {
	SeedRNG(35)
	ca := NewCoAttention(4, 3)

	q := NewTensorRand(0.5, 3, 4)
	v := NewTensorRand(0.5, 4, 4)

	vHat, qHat, cache := ca.ForwardWithCache(q, v, 3)
	ones := func(x *Tensor) *Tensor {
		g := NewTensor(x.shape...)
		for i := range g.data {
			g.data[i] = 1
		}
		return g
	}
	gradQ, gradV := ca.Backward(ones(vHat), ones(qHat), cache)

	loss := func() float64 {
		vh, qh, _ := ca.ForwardWithCache(q, v, 3)
		return sum(vh) + sum(qh)
	}
	checkGrad(t, "coattention question", q, gradQ, loss)
	checkGrad(t, "coattention regions", v, gradV, loss)
}

func TestCoAttentionAccumulatesWeightGradients(t *testing.T) {
	SeedRNG(36)
	ca := NewCoAttention(4, 3)

	q := NewTensorRand(1.0, 3, 4)
	v := NewTensorRand(1.0, 4, 4)

	_, _, cache := ca.ForwardWithCache(q, v, 3)
	gradOnes := NewTensor(1, 4)
	for i := range gradOnes.data {
		gradOnes.data[i] = 1
	}
	ca.Backward(gradOnes, gradOnes, cache)

	for i, p := range ca.Parameters() {
		nonZero := false
		for _, g := range p.grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
		if !nonZero {
			t.Errorf("weight %d accumulated no gradient", i)
		}
	}
}
