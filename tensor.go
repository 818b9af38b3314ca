package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// rng is the package-level random source used for parameter initialization
// and epoch shuffling. Reseed with SeedRNG for reproducible runs.
var rng = rand.New(rand.NewSource(1))

// SeedRNG reseeds the package random source.
func SeedRNG(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

// Tensor represents a multi-dimensional array of float64 values stored in
// row-major (C-contiguous) order. Every tensor carries a gradient buffer of
// the same size, filled in during the backward pass.
//
// Tensor is not safe for concurrent use. Synchronization must be handled by
// the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [channels, height, width] or [rows, cols]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
// Shape errors are programmer bugs, not runtime conditions to handle.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values from a normal distribution with
// standard deviation scale, via the Box-Muller transform.
func NewTensorRand(scale float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		mag := scale * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// NewTensorXavier creates a weight tensor with Xavier/Glorot initialization:
// standard deviation sqrt(2 / (fanIn + fanOut)).
func NewTensorXavier(fanIn, fanOut int, shape ...int) *Tensor {
	return NewTensorRand(math.Sqrt(2.0/float64(fanIn+fanOut)), shape...)
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before the backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, including its gradient.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same; data and gradient
// are shared with the receiver.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data,
		shape: shapeCopy,
		grad:  t.grad,
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// This is the fusion operation of the baseline model: joint = image ⊙ question.
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}

	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
// Uses the global compute configuration to decide on parallel execution.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// ConcatRows concatenates two 2D tensors along the column axis:
// a (M, Na) and b (M, Nb) produce (M, Na+Nb). The hierarchical level fusion
// stacks the attended summary of one level with the encoding of the previous.
func ConcatRows(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 || a.shape[0] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot concat shapes %v and %v", a.shape, b.shape))
	}

	m, na, nb := a.shape[0], a.shape[1], b.shape[1]
	out := NewTensor(m, na+nb)
	for i := 0; i < m; i++ {
		copy(out.data[i*(na+nb):i*(na+nb)+na], a.data[i*na:(i+1)*na])
		copy(out.data[i*(na+nb)+na:(i+1)*(na+nb)], b.data[i*nb:(i+1)*nb])
	}

	return out
}

// SplitRows is the inverse of ConcatRows: it splits (M, Na+Nb) back into
// (M, Na) and (M, Nb). Used to route gradients through a concatenation.
func SplitRows(x *Tensor, na int) (*Tensor, *Tensor) {
	if len(x.shape) != 2 || na <= 0 || na >= x.shape[1] {
		panic(fmt.Sprintf("tensor: cannot split shape %v at column %d", x.shape, na))
	}

	m, n := x.shape[0], x.shape[1]
	nb := n - na
	a := NewTensor(m, na)
	b := NewTensor(m, nb)
	for i := 0; i < m; i++ {
		copy(a.data[i*na:(i+1)*na], x.data[i*n:i*n+na])
		copy(b.data[i*nb:(i+1)*nb], x.data[i*n+na:(i+1)*n])
	}

	return a, b
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = math.Max(0, x.data[i])
	}
	return out
}

// Tanh applies the hyperbolic tangent element-wise. The co-attention
// affinity matrix and every fusion projection are squashed with tanh.
func Tanh(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = math.Tanh(x.data[i])
	}
	return out
}

// Sigmoid applies the logistic function element-wise (LSTM gates).
func Sigmoid(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = 1.0 / (1.0 + math.Exp(-x.data[i]))
	}
	return out
}

// Softmax applies softmax row-wise: p_i = exp(x_i) / Σ exp(x_j).
// Converts scores to probabilities (each row sums to 1).
//
// Numerically stable version: subtract max before exp to prevent overflow.
// Only supports 2D tensors (rows, features).
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	out := NewTensor(rows, features)

	for r := 0; r < rows; r++ {
		maxVal := x.data[r*features]
		for f := 1; f < features; f++ {
			if v := x.data[r*features+f]; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for f := 0; f < features; f++ {
			expVal := math.Exp(x.data[r*features+f] - maxVal)
			out.data[r*features+f] = expVal
			sum += expVal
		}

		for f := 0; f < features; f++ {
			out.data[r*features+f] /= sum
		}
	}

	return out
}

// MaskedSoftmax applies softmax row-wise over the first valid columns only;
// the remaining columns receive probability zero. This keeps attention off
// the padded tail of a question sequence.
func MaskedSoftmax(x *Tensor, valid int) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: MaskedSoftmax requires 2D tensor")
	}
	if valid <= 0 || valid > x.shape[1] {
		panic(fmt.Sprintf("tensor: MaskedSoftmax valid=%d out of range (0,%d]", valid, x.shape[1]))
	}

	rows, features := x.shape[0], x.shape[1]
	out := NewTensor(rows, features)

	for r := 0; r < rows; r++ {
		maxVal := x.data[r*features]
		for f := 1; f < valid; f++ {
			if v := x.data[r*features+f]; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for f := 0; f < valid; f++ {
			expVal := math.Exp(x.data[r*features+f] - maxVal)
			out.data[r*features+f] = expVal
			sum += expVal
		}

		for f := 0; f < valid; f++ {
			out.data[r*features+f] /= sum
		}
		// Columns beyond valid stay exactly zero.
	}

	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
