package main

import "fmt"

// LSTM is a single-layer unidirectional LSTM processing one (L, in) sequence
// at a time. Steps at or beyond the sequence's true length are identity
// carries: hidden and cell state pass through unchanged, so padded positions
// never contribute to the final state or receive parameter gradients.
type LSTM struct {
	in, hidden int

	wx *Tensor // (in, 4*hidden), gate order i|f|g|o
	wh *Tensor // (hidden, 4*hidden)
	b  *Tensor // (4*hidden)
}

// NewLSTM creates an LSTM layer. The forget-gate bias starts at 1.
func NewLSTM(in, hidden int) *LSTM {
	l := &LSTM{
		in:     in,
		hidden: hidden,
		wx:     NewTensorXavier(in, 4*hidden, in, 4*hidden),
		wh:     NewTensorXavier(hidden, 4*hidden, hidden, 4*hidden),
		b:      NewTensor(4 * hidden),
	}
	for j := 0; j < hidden; j++ {
		l.b.data[hidden+j] = 1.0
	}
	return l
}

// lstmStepCache holds one active step's activations for backprop.
type lstmStepCache struct {
	i, f, g, o *Tensor // gate activations, (1, hidden)
	cPrev      *Tensor
	hPrev      *Tensor
	c, cTanh   *Tensor
}

// LSTMCache holds everything the backward-through-time pass needs.
type LSTMCache struct {
	input  *Tensor
	length int
	steps  []*lstmStepCache // nil entries are identity carries
}

// ForwardWithCache runs the sequence x of shape (L, in) through the LSTM and
// returns the hidden state at every position as an (L, hidden) matrix.
// length is the unpadded sequence length; it must be in (0, L].
func (l *LSTM) ForwardWithCache(x *Tensor, length int) (*Tensor, *LSTMCache) {
	if len(x.shape) != 2 || x.shape[1] != l.in {
		panic(fmt.Sprintf("lstm: expected (L, %d) input, got %v", l.in, x.shape))
	}
	seqLen := x.shape[0]
	if length <= 0 || length > seqLen {
		panic(fmt.Sprintf("lstm: length %d out of range (0, %d]", length, seqLen))
	}

	states := NewTensor(seqLen, l.hidden)
	cache := &LSTMCache{
		input:  x.Clone(),
		length: length,
		steps:  make([]*lstmStepCache, seqLen),
	}

	h := NewTensor(1, l.hidden)
	c := NewTensor(1, l.hidden)

	for t := 0; t < seqLen; t++ {
		if t >= length {
			// Identity carry past the end of the real sequence.
			copy(states.data[t*l.hidden:(t+1)*l.hidden], h.data)
			continue
		}

		xt := NewTensor(1, l.in)
		copy(xt.data, x.data[t*l.in:(t+1)*l.in])

		// z = x_t @ Wx + h_{t-1} @ Wh + b, then split into the four gates.
		z := Add(MatMul(xt, l.wx), MatMul(h, l.wh))
		for j := range z.data {
			z.data[j] += l.b.data[j]
		}

		step := &lstmStepCache{
			i:     Sigmoid(gateSlice(z, 0, l.hidden)),
			f:     Sigmoid(gateSlice(z, 1, l.hidden)),
			g:     Tanh(gateSlice(z, 2, l.hidden)),
			o:     Sigmoid(gateSlice(z, 3, l.hidden)),
			cPrev: c.Clone(),
			hPrev: h.Clone(),
		}

		step.c = Add(Mul(step.f, step.cPrev), Mul(step.i, step.g))
		step.cTanh = Tanh(step.c)

		c = step.c
		h = Mul(step.o, step.cTanh)
		cache.steps[t] = step

		copy(states.data[t*l.hidden:(t+1)*l.hidden], h.data)
	}

	return states, cache
}

// gateSlice extracts gate k from a (1, 4*hidden) pre-activation row.
func gateSlice(z *Tensor, k, hidden int) *Tensor {
	out := NewTensor(1, hidden)
	copy(out.data, z.data[k*hidden:(k+1)*hidden])
	return out
}

// FinalHidden returns the hidden state at the last real position of a
// forward output, as a (1, hidden) row.
func (l *LSTM) FinalHidden(states *Tensor, length int) *Tensor {
	out := NewTensor(1, l.hidden)
	copy(out.data, states.data[(length-1)*l.hidden:length*l.hidden])
	return out
}

// Backward propagates gradStates (the gradient of the loss with respect to
// every hidden state, shape (L, hidden)) back through time, accumulates the
// parameter gradients, and returns the gradient with respect to the input.
func (l *LSTM) Backward(gradStates *Tensor, cache *LSTMCache) *Tensor {
	seqLen := cache.input.shape[0]
	gradX := NewTensor(seqLen, l.in)

	gradH := NewTensor(1, l.hidden) // gradient carried from step t+1
	gradC := NewTensor(1, l.hidden)

	for t := seqLen - 1; t >= 0; t-- {
		// Fold in the gradient arriving directly at this position's output.
		for j := 0; j < l.hidden; j++ {
			gradH.data[j] += gradStates.data[t*l.hidden+j]
		}

		step := cache.steps[t]
		if step == nil {
			// Identity carry: gradients flow through untouched.
			continue
		}

		// h = o * tanh(c)
		gradO := Mul(gradH, step.cTanh)
		gradCTotal := Add(gradC, Mul(Mul(gradH, step.o), tanhDeriv(step.cTanh)))

		// c = f * cPrev + i * g
		gradF := Mul(gradCTotal, step.cPrev)
		gradI := Mul(gradCTotal, step.g)
		gradG := Mul(gradCTotal, step.i)
		gradC = Mul(gradCTotal, step.f)

		// Back through the gate nonlinearities into the pre-activation row.
		dz := NewTensor(1, 4*l.hidden)
		packGate(dz, SigmoidBackward(step.i, gradI), 0, l.hidden)
		packGate(dz, SigmoidBackward(step.f, gradF), 1, l.hidden)
		packGate(dz, TanhBackward(step.g, gradG), 2, l.hidden)
		packGate(dz, SigmoidBackward(step.o, gradO), 3, l.hidden)

		for j := range dz.data {
			l.b.grad[j] += dz.data[j]
		}

		xt := NewTensor(1, l.in)
		copy(xt.data, cache.input.data[t*l.in:(t+1)*l.in])

		gradXt, gradWx := MatMulBackward(xt, l.wx, dz)
		l.wx.AccumulateGrad(gradWx)
		copy(gradX.data[t*l.in:(t+1)*l.in], gradXt.data)

		var gradWh *Tensor
		gradH, gradWh = MatMulBackward(step.hPrev, l.wh, dz)
		l.wh.AccumulateGrad(gradWh)
	}

	return gradX
}

// tanhDeriv computes 1 - y^2 element-wise for a tanh output y.
func tanhDeriv(y *Tensor) *Tensor {
	out := NewTensor(y.shape...)
	for i := range y.data {
		out.data[i] = 1.0 - y.data[i]*y.data[i]
	}
	return out
}

// packGate writes a (1, hidden) gate gradient into slot k of dz.
func packGate(dz, g *Tensor, k, hidden int) {
	copy(dz.data[k*hidden:(k+1)*hidden], g.data)
}

// Parameters returns the layer's trainable tensors.
func (l *LSTM) Parameters() []*Tensor {
	return []*Tensor{l.wx, l.wh, l.b}
}
