package main

// Backward operations for backpropagation. Each forward operation in
// tensor.go has a matching gradient function here; the model code chains
// them together using cached forward activations.
//
// The chain rule in practice: given y = f(x) and the gradient of the loss
// with respect to y, each function below returns the gradient with respect
// to x (and to the operation's parameters, where it has any).

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from the loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// AddBackward computes gradients for element-wise addition: both inputs
// receive the output gradient unchanged.
func AddBackward(gradC *Tensor) (gradA, gradB *Tensor) {
	return gradC.Clone(), gradC.Clone()
}

// ScaleBackward computes the gradient for scalar multiplication.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// ReLUBackward computes the gradient for ReLU: gradX = gradY * (x > 0).
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i := range x.data {
		if x.data[i] > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// TanhBackward computes the gradient for tanh given the forward OUTPUT y:
// d/dx tanh(x) = 1 - tanh(x)², so gradX = gradY * (1 - y²).
// Taking y instead of x avoids recomputing tanh in the backward pass.
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}
	return gradX
}

// SigmoidBackward computes the gradient for the logistic function given the
// forward output y: gradX = gradY * y * (1 - y).
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * y.data[i] * (1.0 - y.data[i])
	}
	return gradX
}

// SoftmaxBackward computes the gradient for row-wise softmax.
//
// With y = softmax(x):
//   ∂y[i]/∂x[j] = y[i] * (δ[i,j] - y[j])
// which collapses to:
//   gradX[i] = y[i] * (gradY[i] - Σ_j gradY[j] * y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, features := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.data[r*features+f] * y.data[r*features+f]
		}
		for f := 0; f < features; f++ {
			gradX.data[r*features+f] = y.data[r*features+f] * (gradY.data[r*features+f] - dot)
		}
	}

	return gradX
}

// MaskedSoftmaxBackward is SoftmaxBackward restricted to the first valid
// columns of each row; masked columns carry zero probability and therefore
// zero gradient.
func MaskedSoftmaxBackward(y, gradY *Tensor, valid int) *Tensor {
	if len(y.shape) != 2 {
		panic("MaskedSoftmaxBackward: requires 2D tensor")
	}

	rows, features := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for f := 0; f < valid; f++ {
			dot += gradY.data[r*features+f] * y.data[r*features+f]
		}
		for f := 0; f < valid; f++ {
			gradX.data[r*features+f] = y.data[r*features+f] * (gradY.data[r*features+f] - dot)
		}
	}

	return gradX
}

// CrossEntropyBackward computes the gradient of the classification loss with
// respect to the logits: gradLogits = softmax(logits) - one_hot(targets),
// averaged over the rows (matching CrossEntropyLoss).
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	rows, classes := logits.shape[0], logits.shape[1]
	if len(targets) != rows {
		panic("CrossEntropyBackward: target length mismatch")
	}

	probs := Softmax(logits)
	gradLogits := NewTensor(rows, classes)

	for r := 0; r < rows; r++ {
		for c := 0; c < classes; c++ {
			g := probs.data[r*classes+c]
			if c == targets[r] {
				g -= 1.0
			}
			gradLogits.data[r*classes+c] = g / float64(rows)
		}
	}

	return gradLogits
}

// AccumulateGrad adds grad to the tensor's gradient buffer. Used whenever a
// tensor feeds multiple consumers in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
