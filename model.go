package main

import "fmt"

// Model kinds.
const (
	KindBaseline    = "baseline"
	KindCoAttention = "coattention"
)

// ModelConfig is the serializable architecture description stored in every
// checkpoint header. Reconstructing a model from its config must yield
// parameter tensors of exactly the shapes the checkpoint holds.
type ModelConfig struct {
	Kind       string  `json:"kind" yaml:"kind"`
	VocabSize  int     `json:"vocab_size" yaml:"-"`
	NumClasses int     `json:"num_classes" yaml:"-"`
	WordEmbDim int     `json:"word_emb_dim" yaml:"word_emb_dim"`
	HiddenDim  int     `json:"hidden_dim" yaml:"hidden_dim"`
	AttnDim    int     `json:"attn_dim" yaml:"attn_dim"`
	JointDim   int     `json:"joint_dim" yaml:"joint_dim"`
	MLPDim     int     `json:"mlp_dim" yaml:"mlp_dim"`
	ImageSize  int     `json:"image_size" yaml:"image_size"`
	Channels   []int   `json:"channels" yaml:"channels"`
	Dropout    float64 `json:"dropout" yaml:"dropout"`
	TrainCNN   bool    `json:"train_cnn" yaml:"train_cnn"`
}

// DefaultModelConfig returns a CPU-scale configuration for the given kind.
// VocabSize and NumClasses come from the vocabulary and must be set by the
// caller.
func DefaultModelConfig(kind string) ModelConfig {
	return ModelConfig{
		Kind:       kind,
		WordEmbDim: 256,
		HiddenDim:  256,
		AttnDim:    128,
		JointDim:   512,
		MLPDim:     512,
		ImageSize:  128,
		Channels:   []int{32, 64, 128, 256},
		Dropout:    0.5,
		TrainCNN:   false,
	}
}

// Validate rejects configurations that cannot build a model.
func (c *ModelConfig) Validate() error {
	if c.Kind != KindBaseline && c.Kind != KindCoAttention {
		return fmt.Errorf("model: unknown kind %q", c.Kind)
	}
	if c.VocabSize < 2 || c.NumClasses < 2 {
		return fmt.Errorf("model: vocab size %d / class count %d too small", c.VocabSize, c.NumClasses)
	}
	if c.WordEmbDim <= 0 || c.HiddenDim <= 0 || c.AttnDim <= 0 || c.JointDim <= 0 || c.MLPDim <= 0 {
		return fmt.Errorf("model: all dimensions must be positive")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("model: at least one conv stage required")
	}
	// Each conv stage halves the resolution; the final map must be nonempty.
	if c.ImageSize < 1<<len(c.Channels) {
		return fmt.Errorf("model: image size %d too small for %d conv stages", c.ImageSize, len(c.Channels))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("model: dropout %g out of range [0, 1)", c.Dropout)
	}
	return nil
}

// VQAModel is the contract shared by both model families. Forward operates
// on one sample: a preprocessed image tensor plus a padded question id
// slice with its true length. The training loop batches by iterating.
type VQAModel interface {
	// Forward computes (1, numClasses) logits without retaining activations.
	Forward(img *Tensor, question []int, length int) *Tensor

	// ForwardWithCache computes logits and retains what Backward needs.
	ForwardWithCache(img *Tensor, question []int, length int) (*Tensor, interface{})

	// Backward accumulates parameter gradients from the logit gradient.
	Backward(gradLogits *Tensor, cache interface{})

	// Parameters returns every parameter tensor, frozen ones included;
	// this is the checkpoint order.
	Parameters() []*Tensor

	// TrainableParameters returns the tensors the optimizer should update.
	TrainableParameters() []*Tensor

	Config() ModelConfig
	SetTraining(training bool)
}

// NewModel builds a model of the configured kind with fresh parameters.
func NewModel(cfg ModelConfig) (VQAModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindBaseline:
		return NewBaselineModel(cfg), nil
	case KindCoAttention:
		return NewCoAttentionModel(cfg), nil
	}
	panic("unreachable")
}

// ===========================================================================
// CLASSIFIER HEAD
// ===========================================================================

// ClassifierHead is the shared answer head: Linear -> ReLU -> Dropout ->
// Linear producing logits over the answer classes.
type ClassifierHead struct {
	fc1, fc2 *Linear
	drop     *Dropout
}

// NewClassifierHead creates the head.
func NewClassifierHead(in, hidden, classes int, dropout float64) *ClassifierHead {
	return &ClassifierHead{
		fc1:  NewLinear(in, hidden),
		fc2:  NewLinear(hidden, classes),
		drop: NewDropout(dropout),
	}
}

// ClassifierCache holds the head's forward activations.
type ClassifierCache struct {
	fc1Cache *LinearCache
	preRelu  *Tensor
	mask     *Tensor
	fc2Cache *LinearCache
}

// ForwardWithCache maps a (1, in) feature row to (1, classes) logits.
func (h *ClassifierHead) ForwardWithCache(x *Tensor) (*Tensor, *ClassifierCache) {
	cache := &ClassifierCache{}

	var pre *Tensor
	pre, cache.fc1Cache = h.fc1.ForwardWithCache(x)
	cache.preRelu = pre

	act := ReLU(pre)
	act, cache.mask = h.drop.ForwardWithCache(act)

	var logits *Tensor
	logits, cache.fc2Cache = h.fc2.ForwardWithCache(act)
	return logits, cache
}

// Backward returns the gradient with respect to the head input.
func (h *ClassifierHead) Backward(gradLogits *Tensor, cache *ClassifierCache) *Tensor {
	grad := h.fc2.Backward(gradLogits, cache.fc2Cache)
	grad = h.drop.Backward(grad, cache.mask)
	grad = ReLUBackward(cache.preRelu, grad)
	return h.fc1.Backward(grad, cache.fc1Cache)
}

// SetTraining toggles the head's dropout.
func (h *ClassifierHead) SetTraining(training bool) {
	h.drop.SetTraining(training)
}

// Parameters returns the head's trainable tensors.
func (h *ClassifierHead) Parameters() []*Tensor {
	return append(h.fc1.Parameters(), h.fc2.Parameters()...)
}
