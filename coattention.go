package main

import "fmt"

// CoAttention computes parallel co-attention between one question level
// Q (L, dim) and the image regions V (N, dim): an affinity matrix couples
// the two modalities, each side is scored under the other's influence, and
// both are summarized by attention-weighted sums.
//
//	C  = tanh(Q Wb Vᵀ)
//	Hv = tanh(V Wv + Cᵀ (Q Wq))
//	Hq = tanh(Q Wq + C (V Wv))
//	av = softmax(Hv whv)          over regions
//	aq = masked softmax(Hq whq)   over the question's real tokens
//	v̂  = av V,  q̂ = aq Q
//
// Each question level owns its own CoAttention instance.
type CoAttention struct {
	dim, attn int

	wb  *Tensor // (dim, dim)
	wq  *Tensor // (dim, attn)
	wv  *Tensor // (dim, attn)
	whq *Tensor // (attn, 1)
	whv *Tensor // (attn, 1)
}

// NewCoAttention creates a co-attention module over dim-dimensional
// features with an attn-dimensional scoring space.
func NewCoAttention(dim, attn int) *CoAttention {
	return &CoAttention{
		dim:  dim,
		attn: attn,
		wb:   NewTensorXavier(dim, dim, dim, dim),
		wq:   NewTensorXavier(dim, attn, dim, attn),
		wv:   NewTensorXavier(dim, attn, dim, attn),
		whq:  NewTensorXavier(attn, 1, attn, 1),
		whv:  NewTensorXavier(attn, 1, attn, 1),
	}
}

// CoAttentionCache holds the forward activations for backprop. The
// attention rows av (over regions) and aq (over tokens) each sum to 1
// across their attended positions.
type CoAttentionCache struct {
	q, v   *Tensor
	qb     *Tensor // Q @ Wb
	c      *Tensor // affinity, (L, N)
	qp, vp *Tensor // projections into the scoring space
	hv, hq *Tensor
	av     *Tensor // (1, N)
	aq     *Tensor // (1, L)
	valid  int
}

// ForwardWithCache attends Q and V against each other. valid is the number
// of real (unpadded) question positions; attention never lands on padding.
// Returns the attended image summary v̂ and question summary q̂, both (1, dim).
func (ca *CoAttention) ForwardWithCache(q, v *Tensor, valid int) (*Tensor, *Tensor, *CoAttentionCache) {
	if len(q.shape) != 2 || q.shape[1] != ca.dim {
		panic(fmt.Sprintf("coattention: expected (L, %d) question, got %v", ca.dim, q.shape))
	}
	if len(v.shape) != 2 || v.shape[1] != ca.dim {
		panic(fmt.Sprintf("coattention: expected (N, %d) regions, got %v", ca.dim, v.shape))
	}

	cache := &CoAttentionCache{q: q.Clone(), v: v.Clone(), valid: valid}

	cache.qb = MatMul(q, ca.wb)
	cache.c = Tanh(MatMul(cache.qb, Transpose(v)))

	cache.qp = MatMul(q, ca.wq)
	cache.vp = MatMul(v, ca.wv)

	cache.hv = Tanh(Add(cache.vp, MatMul(Transpose(cache.c), cache.qp)))
	cache.hq = Tanh(Add(cache.qp, MatMul(cache.c, cache.vp)))

	cache.av = Softmax(Transpose(MatMul(cache.hv, ca.whv)))
	cache.aq = MaskedSoftmax(Transpose(MatMul(cache.hq, ca.whq)), valid)

	vHat := MatMul(cache.av, v)
	qHat := MatMul(cache.aq, q)

	return vHat, qHat, cache
}

// Backward propagates the summary gradients back through the attention,
// accumulating the module's weight gradients, and returns the gradients
// with respect to Q and V. Both inputs feed three paths (affinity,
// projection, weighted sum), so their gradients are sums.
func (ca *CoAttention) Backward(gradVHat, gradQHat *Tensor, cache *CoAttentionCache) (gradQ, gradV *Tensor) {
	// Weighted sums: v̂ = av V, q̂ = aq Q.
	gradAv, gradV1 := MatMulBackward(cache.av, cache.v, gradVHat)
	gradAq, gradQ1 := MatMulBackward(cache.aq, cache.q, gradQHat)

	// Attention distributions.
	gradSv := SoftmaxBackward(cache.av, gradAv)
	gradSq := MaskedSoftmaxBackward(cache.aq, gradAq, cache.valid)

	// Scores: sv = (Hv whv)ᵀ, sq = (Hq whq)ᵀ.
	gradHv, gradWhv := MatMulBackward(cache.hv, ca.whv, Transpose(gradSv))
	ca.whv.AccumulateGrad(gradWhv)
	gradHq, gradWhq := MatMulBackward(cache.hq, ca.whq, Transpose(gradSq))
	ca.whq.AccumulateGrad(gradWhq)

	// Hv = tanh(Vp + Cᵀ Qp).
	gradHvPre := TanhBackward(cache.hv, gradHv)
	gradVp1 := gradHvPre
	gradCt, gradQp1 := MatMulBackward(Transpose(cache.c), cache.qp, gradHvPre)
	gradC1 := Transpose(gradCt)

	// Hq = tanh(Qp + C Vp).
	gradHqPre := TanhBackward(cache.hq, gradHq)
	gradQp2 := gradHqPre
	gradC2, gradVp2 := MatMulBackward(cache.c, cache.vp, gradHqPre)

	// Affinity: C = tanh(Qb Vᵀ).
	gradAffPre := TanhBackward(cache.c, Add(gradC1, gradC2))
	gradQb, gradVt := MatMulBackward(cache.qb, Transpose(cache.v), gradAffPre)
	gradV2 := Transpose(gradVt)

	gradQ2, gradWb := MatMulBackward(cache.q, ca.wb, gradQb)
	ca.wb.AccumulateGrad(gradWb)

	// Projections: Qp = Q Wq, Vp = V Wv.
	gradQ3, gradWq := MatMulBackward(cache.q, ca.wq, Add(gradQp1, gradQp2))
	ca.wq.AccumulateGrad(gradWq)
	gradV3, gradWv := MatMulBackward(cache.v, ca.wv, Add(gradVp1, gradVp2))
	ca.wv.AccumulateGrad(gradWv)

	gradQ = Add(Add(gradQ1, gradQ2), gradQ3)
	gradV = Add(Add(gradV1, gradV2), gradV3)
	return gradQ, gradV
}

// Parameters returns the module's trainable tensors.
func (ca *CoAttention) Parameters() []*Tensor {
	return []*Tensor{ca.wb, ca.wq, ca.wv, ca.whq, ca.whv}
}
