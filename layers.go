package main

import "fmt"

// Layer building blocks for the VQA models. Every layer follows the same
// contract: ForwardWithCache returns the output plus whatever activations
// the backward pass needs, Backward consumes the cache, accumulates
// parameter gradients in-place, and returns the gradient with respect to
// the layer input.

// ===========================================================================
// LINEAR
// ===========================================================================

// Linear is a fully connected layer: y = x @ W + b.
type Linear struct {
	w *Tensor // (in, out)
	b *Tensor // (out)
}

// NewLinear creates a linear layer with Xavier-initialized weights.
func NewLinear(in, out int) *Linear {
	return &Linear{
		w: NewTensorXavier(in, out, in, out),
		b: NewTensor(out),
	}
}

// LinearCache stores the forward input.
type LinearCache struct {
	input *Tensor
}

// Forward computes y = x @ W + b for x of shape (n, in).
func (l *Linear) Forward(x *Tensor) *Tensor {
	y, _ := l.ForwardWithCache(x)
	return y
}

// ForwardWithCache computes the forward pass and retains the input.
func (l *Linear) ForwardWithCache(x *Tensor) (*Tensor, *LinearCache) {
	y := MatMul(x, l.w)

	out := l.b.Size()
	for i := range y.data {
		y.data[i] += l.b.data[i%out]
	}

	return y, &LinearCache{input: x.Clone()}
}

// Backward accumulates weight and bias gradients and returns the gradient
// with respect to the input.
func (l *Linear) Backward(gradY *Tensor, cache *LinearCache) *Tensor {
	gradX, gradW := MatMulBackward(cache.input, l.w, gradY)
	l.w.AccumulateGrad(gradW)

	out := l.b.Size()
	for i := range gradY.data {
		l.b.grad[i%out] += gradY.data[i]
	}

	return gradX
}

// Parameters returns the layer's trainable tensors.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.w, l.b}
}

// ===========================================================================
// EMBEDDING
// ===========================================================================

// Embedding maps token indices to dense vectors via table lookup.
// The padding row (PadIndex) is excluded from gradient updates so padded
// positions stay at the zero vector they were initialized near.
type Embedding struct {
	table *Tensor // (vocabSize, dim)
	dim   int
}

// NewEmbedding creates an embedding table for the given vocabulary size.
func NewEmbedding(vocabSize, dim int) *Embedding {
	e := &Embedding{
		table: NewTensorRand(0.02, vocabSize, dim),
		dim:   dim,
	}
	// Zero the padding row.
	for d := 0; d < dim; d++ {
		e.table.data[PadIndex*dim+d] = 0
	}
	return e
}

// Forward gathers the rows for the given token ids into an (L, dim) matrix.
func (e *Embedding) Forward(ids []int) *Tensor {
	out := NewTensor(len(ids), e.dim)
	for i, id := range ids {
		copy(out.data[i*e.dim:(i+1)*e.dim], e.table.data[id*e.dim:(id+1)*e.dim])
	}
	return out
}

// Backward scatters the output gradient back into the table rows.
func (e *Embedding) Backward(ids []int, gradY *Tensor) {
	for i, id := range ids {
		if id == PadIndex {
			continue
		}
		for d := 0; d < e.dim; d++ {
			e.table.grad[id*e.dim+d] += gradY.data[i*e.dim+d]
		}
	}
}

// Parameters returns the embedding table.
func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.table}
}

// ===========================================================================
// CONV2D
// ===========================================================================

// Conv2D is a 2D convolution implemented with im2col: unfolding the input
// into a (inC*k*k, outH*outW) column matrix turns the convolution into a
// single matrix multiply, which is where all the parallelism lives.
type Conv2D struct {
	inC, outC           int
	kernel, stride, pad int

	w *Tensor // (outC, inC*kernel*kernel)
	b *Tensor // (outC)
}

// NewConv2D creates a convolution layer.
func NewConv2D(inC, outC, kernel, stride, pad int) *Conv2D {
	fanIn := inC * kernel * kernel
	return &Conv2D{
		inC:    inC,
		outC:   outC,
		kernel: kernel,
		stride: stride,
		pad:    pad,
		w:      NewTensorXavier(fanIn, outC, outC, fanIn),
		b:      NewTensor(outC),
	}
}

// Conv2DCache stores the unfolded input columns and spatial dimensions.
type Conv2DCache struct {
	cols       *Tensor
	inH, inW   int
	outH, outW int
}

// outDim computes an output spatial dimension.
func (c *Conv2D) outDim(in int) int {
	return (in+2*c.pad-c.kernel)/c.stride + 1
}

// ForwardWithCache convolves x of shape (inC, H, W) into (outC, outH, outW).
func (c *Conv2D) ForwardWithCache(x *Tensor) (*Tensor, *Conv2DCache) {
	if len(x.shape) != 3 || x.shape[0] != c.inC {
		panic(fmt.Sprintf("conv2d: expected (%d, H, W) input, got %v", c.inC, x.shape))
	}

	inH, inW := x.shape[1], x.shape[2]
	outH, outW := c.outDim(inH), c.outDim(inW)

	cols := c.im2col(x, inH, inW, outH, outW)

	// (outC, inC*k*k) @ (inC*k*k, outH*outW) -> (outC, outH*outW)
	y := MatMul(c.w, cols)
	spatial := outH * outW
	for oc := 0; oc < c.outC; oc++ {
		bias := c.b.data[oc]
		row := y.data[oc*spatial : (oc+1)*spatial]
		for i := range row {
			row[i] += bias
		}
	}

	cache := &Conv2DCache{cols: cols, inH: inH, inW: inW, outH: outH, outW: outW}
	return y.Reshape(c.outC, outH, outW), cache
}

// Backward accumulates weight/bias gradients and returns the input gradient.
func (c *Conv2D) Backward(gradY *Tensor, cache *Conv2DCache) *Tensor {
	spatial := cache.outH * cache.outW
	gradY2d := gradY.Reshape(c.outC, spatial)

	// Bias: sum over spatial positions.
	for oc := 0; oc < c.outC; oc++ {
		sum := 0.0
		for i := 0; i < spatial; i++ {
			sum += gradY2d.data[oc*spatial+i]
		}
		c.b.grad[oc] += sum
	}

	// Weights: gradW = gradY2d @ cols^T.
	gradW := MatMul(gradY2d, Transpose(cache.cols))
	c.w.AccumulateGrad(gradW)

	// Input: fold gradCols = w^T @ gradY2d back into image layout.
	gradCols := MatMul(Transpose(c.w), gradY2d)
	return c.col2im(gradCols, cache)
}

// im2col unfolds convolution windows into columns.
func (c *Conv2D) im2col(x *Tensor, inH, inW, outH, outW int) *Tensor {
	k := c.kernel
	cols := NewTensor(c.inC*k*k, outH*outW)

	for ic := 0; ic < c.inC; ic++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ic*k+ki)*k + kj
				for oy := 0; oy < outH; oy++ {
					iy := oy*c.stride + ki - c.pad
					if iy < 0 || iy >= inH {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*c.stride + kj - c.pad
						if ix < 0 || ix >= inW {
							continue
						}
						cols.data[row*outH*outW+oy*outW+ox] = x.data[ic*inH*inW+iy*inW+ix]
					}
				}
			}
		}
	}

	return cols
}

// col2im scatter-adds column gradients back into the input layout.
// Overlapping windows contribute additively, which is exactly the chain
// rule for values reused across windows.
func (c *Conv2D) col2im(gradCols *Tensor, cache *Conv2DCache) *Tensor {
	k := c.kernel
	inH, inW, outH, outW := cache.inH, cache.inW, cache.outH, cache.outW
	gradX := NewTensor(c.inC, inH, inW)

	for ic := 0; ic < c.inC; ic++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ic*k+ki)*k + kj
				for oy := 0; oy < outH; oy++ {
					iy := oy*c.stride + ki - c.pad
					if iy < 0 || iy >= inH {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*c.stride + kj - c.pad
						if ix < 0 || ix >= inW {
							continue
						}
						gradX.data[ic*inH*inW+iy*inW+ix] += gradCols.data[row*outH*outW+oy*outW+ox]
					}
				}
			}
		}
	}

	return gradX
}

// Parameters returns the layer's trainable tensors.
func (c *Conv2D) Parameters() []*Tensor {
	return []*Tensor{c.w, c.b}
}

// ===========================================================================
// MAXPOOL2D
// ===========================================================================

// MaxPool2D downsamples each channel by taking the maximum over
// non-overlapping (or strided) windows.
type MaxPool2D struct {
	size, stride int
}

// NewMaxPool2D creates a pooling layer.
func NewMaxPool2D(size, stride int) *MaxPool2D {
	return &MaxPool2D{size: size, stride: stride}
}

// MaxPoolCache records which input element won each window.
type MaxPoolCache struct {
	argmax  []int // flat input index per output element
	inShape []int
}

// ForwardWithCache pools x of shape (C, H, W) into (C, outH, outW).
func (p *MaxPool2D) ForwardWithCache(x *Tensor) (*Tensor, *MaxPoolCache) {
	if len(x.shape) != 3 {
		panic("maxpool2d: requires (C, H, W) input")
	}

	ch, inH, inW := x.shape[0], x.shape[1], x.shape[2]
	outH := (inH-p.size)/p.stride + 1
	outW := (inW-p.size)/p.stride + 1

	out := NewTensor(ch, outH, outW)
	cache := &MaxPoolCache{
		argmax:  make([]int, ch*outH*outW),
		inShape: x.Shape(),
	}

	for c := 0; c < ch; c++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := -1
				bestVal := 0.0
				for ky := 0; ky < p.size; ky++ {
					for kx := 0; kx < p.size; kx++ {
						idx := c*inH*inW + (oy*p.stride+ky)*inW + ox*p.stride + kx
						if best < 0 || x.data[idx] > bestVal {
							best = idx
							bestVal = x.data[idx]
						}
					}
				}
				outIdx := c*outH*outW + oy*outW + ox
				out.data[outIdx] = bestVal
				cache.argmax[outIdx] = best
			}
		}
	}

	return out, cache
}

// Backward routes each output gradient to the winning input element.
func (p *MaxPool2D) Backward(gradY *Tensor, cache *MaxPoolCache) *Tensor {
	gradX := NewTensor(cache.inShape...)
	for i, src := range cache.argmax {
		gradX.data[src] += gradY.data[i]
	}
	return gradX
}

// ===========================================================================
// CONV1D (over token positions)
// ===========================================================================

// Conv1D slides a window over the time axis of an (L, in) sequence,
// producing an (L, out) sequence. Zero padding keeps the output length
// equal to the input length. The hierarchical question encoder uses
// windows of 1, 2, and 3 to capture unigram, bigram, and trigram phrases.
type Conv1D struct {
	window, in, out int

	w *Tensor // (window*in, out)
	b *Tensor // (out)
}

// NewConv1D creates a 1D convolution layer.
func NewConv1D(window, in, out int) *Conv1D {
	return &Conv1D{
		window: window,
		in:     in,
		out:    out,
		w:      NewTensorXavier(window*in, out, window*in, out),
		b:      NewTensor(out),
	}
}

// Conv1DCache stores the gathered window matrix and input length.
type Conv1DCache struct {
	gathered *Tensor // (L, window*in)
	seqLen   int
}

// ForwardWithCache convolves x of shape (L, in) into (L, out).
func (c *Conv1D) ForwardWithCache(x *Tensor) (*Tensor, *Conv1DCache) {
	if len(x.shape) != 2 || x.shape[1] != c.in {
		panic(fmt.Sprintf("conv1d: expected (L, %d) input, got %v", c.in, x.shape))
	}

	seqLen := x.shape[0]
	left := (c.window - 1) / 2

	// Gather each position's window into one row; out-of-range positions
	// contribute zeros.
	gathered := NewTensor(seqLen, c.window*c.in)
	for t := 0; t < seqLen; t++ {
		for wi := 0; wi < c.window; wi++ {
			src := t + wi - left
			if src < 0 || src >= seqLen {
				continue
			}
			copy(
				gathered.data[t*c.window*c.in+wi*c.in:t*c.window*c.in+(wi+1)*c.in],
				x.data[src*c.in:(src+1)*c.in],
			)
		}
	}

	y := MatMul(gathered, c.w)
	for i := range y.data {
		y.data[i] += c.b.data[i%c.out]
	}

	return y, &Conv1DCache{gathered: gathered, seqLen: seqLen}
}

// Backward accumulates parameter gradients and returns the input gradient.
func (c *Conv1D) Backward(gradY *Tensor, cache *Conv1DCache) *Tensor {
	gradGathered, gradW := MatMulBackward(cache.gathered, c.w, gradY)
	c.w.AccumulateGrad(gradW)

	for i := range gradY.data {
		c.b.grad[i%c.out] += gradY.data[i]
	}

	// Scatter window gradients back onto the sequence.
	left := (c.window - 1) / 2
	gradX := NewTensor(cache.seqLen, c.in)
	for t := 0; t < cache.seqLen; t++ {
		for wi := 0; wi < c.window; wi++ {
			src := t + wi - left
			if src < 0 || src >= cache.seqLen {
				continue
			}
			for d := 0; d < c.in; d++ {
				gradX.data[src*c.in+d] += gradGathered.data[t*c.window*c.in+wi*c.in+d]
			}
		}
	}

	return gradX
}

// Parameters returns the layer's trainable tensors.
func (c *Conv1D) Parameters() []*Tensor {
	return []*Tensor{c.w, c.b}
}

// ===========================================================================
// DROPOUT
// ===========================================================================

// Dropout randomly zeroes activations during training with probability p,
// scaling survivors by 1/(1-p) (inverted dropout, so inference is a no-op).
type Dropout struct {
	p        float64
	training bool
}

// NewDropout creates a dropout layer.
func NewDropout(p float64) *Dropout {
	return &Dropout{p: p}
}

// SetTraining toggles between training and inference behavior.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
}

// ForwardWithCache applies dropout and returns the survival mask (nil when
// the layer is a pass-through).
func (d *Dropout) ForwardWithCache(x *Tensor) (*Tensor, *Tensor) {
	if !d.training || d.p <= 0 {
		return x, nil
	}

	mask := NewTensor(x.shape...)
	out := NewTensor(x.shape...)
	keep := 1.0 - d.p
	for i := range x.data {
		if rng.Float64() < keep {
			mask.data[i] = 1.0 / keep
			out.data[i] = x.data[i] * mask.data[i]
		}
	}

	return out, mask
}

// Backward applies the saved mask to the output gradient.
func (d *Dropout) Backward(gradY, mask *Tensor) *Tensor {
	if mask == nil {
		return gradY
	}
	return Mul(gradY, mask)
}
