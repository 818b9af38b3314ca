package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// ImageEncoder is a VGG-style convolutional backbone: a sequence of
// Conv 3x3 (pad 1) + ReLU + MaxPool 2x2 stages. Each stage halves the
// spatial resolution and widens the channels.
//
// Two read-outs serve the two model families:
//   - Pooled: global average pool of the final feature map, one embedding
//     vector per image (baseline model).
//   - Regions: the final feature map flattened to a (positions, channels)
//     matrix, one feature vector per spatial cell (co-attention model).
//
// When trainable is false the backbone acts as a frozen feature extractor:
// the forward pass is unchanged, the backward pass accumulates nothing.
type ImageEncoder struct {
	convs     []*Conv2D
	pools     []*MaxPool2D
	trainable bool
	outC      int
}

// NewImageEncoder creates a backbone with one stage per entry of channels.
// Input is always a 3-channel image.
func NewImageEncoder(channels []int, trainable bool) *ImageEncoder {
	if len(channels) == 0 {
		panic("image encoder: at least one conv stage required")
	}

	enc := &ImageEncoder{trainable: trainable, outC: channels[len(channels)-1]}
	in := 3
	for _, out := range channels {
		enc.convs = append(enc.convs, NewConv2D(in, out, 3, 1, 1))
		enc.pools = append(enc.pools, NewMaxPool2D(2, 2))
		in = out
	}

	return enc
}

// OutChannels returns the channel width of the final feature map.
func (e *ImageEncoder) OutChannels() int { return e.outC }

// Trainable reports whether the backbone participates in backprop.
func (e *ImageEncoder) Trainable() bool { return e.trainable }

// ImageEncoderCache holds per-stage activations for the backward pass.
type ImageEncoderCache struct {
	convCaches []*Conv2DCache
	preRelu    []*Tensor
	poolCaches []*MaxPoolCache
}

// ForwardWithCache runs an image of shape (3, S, S) through all stages and
// returns the final feature map (C, S/2^stages, S/2^stages).
func (e *ImageEncoder) ForwardWithCache(img *Tensor) (*Tensor, *ImageEncoderCache) {
	cache := &ImageEncoderCache{
		convCaches: make([]*Conv2DCache, len(e.convs)),
		preRelu:    make([]*Tensor, len(e.convs)),
		poolCaches: make([]*MaxPoolCache, len(e.pools)),
	}

	x := img
	for i := range e.convs {
		pre, cc := e.convs[i].ForwardWithCache(x)
		act := ReLU(pre)
		pooled, pc := e.pools[i].ForwardWithCache(act)

		cache.convCaches[i] = cc
		cache.preRelu[i] = pre
		cache.poolCaches[i] = pc
		x = pooled
	}

	return x, cache
}

// Forward runs the backbone without retaining activations.
func (e *ImageEncoder) Forward(img *Tensor) *Tensor {
	x := img
	for i := range e.convs {
		pre, _ := e.convs[i].ForwardWithCache(x)
		act := ReLU(pre)
		x, _ = e.pools[i].ForwardWithCache(act)
	}
	return x
}

// Backward propagates the feature-map gradient through the stages,
// accumulating conv parameter gradients. A frozen backbone is a no-op.
func (e *ImageEncoder) Backward(gradFeatures *Tensor, cache *ImageEncoderCache) {
	if !e.trainable {
		return
	}

	grad := gradFeatures
	for i := len(e.convs) - 1; i >= 0; i-- {
		grad = e.pools[i].Backward(grad, cache.poolCaches[i])
		grad = ReLUBackward(cache.preRelu[i], grad)
		grad = e.convs[i].Backward(grad, cache.convCaches[i])
	}
}

// Pooled averages the feature map over its spatial cells into a (1, C) row.
func (e *ImageEncoder) Pooled(features *Tensor) *Tensor {
	ch, h, w := features.shape[0], features.shape[1], features.shape[2]
	plane := h * w

	out := NewTensor(1, ch)
	for c := 0; c < ch; c++ {
		sum := 0.0
		for i := 0; i < plane; i++ {
			sum += features.data[c*plane+i]
		}
		out.data[c] = sum / float64(plane)
	}

	return out
}

// PooledBackward spreads a (1, C) gradient uniformly back over the cells.
func (e *ImageEncoder) PooledBackward(gradPooled, features *Tensor) *Tensor {
	ch, h, w := features.shape[0], features.shape[1], features.shape[2]
	plane := h * w

	grad := NewTensor(ch, h, w)
	for c := 0; c < ch; c++ {
		g := gradPooled.data[c] / float64(plane)
		for i := 0; i < plane; i++ {
			grad.data[c*plane+i] = g
		}
	}

	return grad
}

// Regions reorders the (C, h, w) feature map into an (h*w, C) matrix, one
// row per spatial cell.
func (e *ImageEncoder) Regions(features *Tensor) *Tensor {
	ch, h, w := features.shape[0], features.shape[1], features.shape[2]
	plane := h * w

	out := NewTensor(plane, ch)
	for c := 0; c < ch; c++ {
		for i := 0; i < plane; i++ {
			out.data[i*ch+c] = features.data[c*plane+i]
		}
	}

	return out
}

// RegionsBackward inverts Regions for the gradient.
func (e *ImageEncoder) RegionsBackward(gradRegions, features *Tensor) *Tensor {
	ch, h, w := features.shape[0], features.shape[1], features.shape[2]
	plane := h * w

	grad := NewTensor(ch, h, w)
	for c := 0; c < ch; c++ {
		for i := 0; i < plane; i++ {
			grad.data[c*plane+i] = gradRegions.data[i*ch+c]
		}
	}

	return grad
}

// Parameters returns all conv weights and biases in stage order.
func (e *ImageEncoder) Parameters() []*Tensor {
	var params []*Tensor
	for _, c := range e.convs {
		params = append(params, c.Parameters()...)
	}
	return params
}

// LoadWeights replaces the backbone parameters with a binary tensor dump:
// uint32 tensor count, then per tensor uint32 rank, uint32 dims, and
// little-endian float64 values. Shapes must match the constructed backbone.
func (e *ImageEncoder) LoadWeights(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("image encoder: failed to open weights %s: %w", path, err)
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("image encoder: failed to read weight count: %w", err)
	}

	params := e.Parameters()
	if int(count) != len(params) {
		return fmt.Errorf("image encoder: weight file has %d tensors, backbone has %d", count, len(params))
	}

	for i, p := range params {
		var rank uint32
		if err := binary.Read(f, binary.LittleEndian, &rank); err != nil {
			return fmt.Errorf("image encoder: failed to read tensor %d rank: %w", i, err)
		}

		dims := make([]uint32, rank)
		if err := binary.Read(f, binary.LittleEndian, dims); err != nil {
			return fmt.Errorf("image encoder: failed to read tensor %d shape: %w", i, err)
		}

		shape := make([]int, rank)
		for d, v := range dims {
			shape[d] = int(v)
		}
		if !shapeEqual(shape, p.shape) {
			return fmt.Errorf("image encoder: tensor %d shape %v does not match backbone shape %v", i, shape, p.shape)
		}

		if err := binary.Read(f, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("image encoder: failed to read tensor %d data: %w", i, err)
		}
	}

	return nil
}

// SaveWeights writes the backbone parameters in the LoadWeights format.
func (e *ImageEncoder) SaveWeights(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("image encoder: failed to create weights %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("image encoder: failed to close weights: %w", cerr)
		}
	}()

	params := e.Parameters()
	if err = binary.Write(f, binary.LittleEndian, uint32(len(params))); err != nil {
		return fmt.Errorf("image encoder: failed to write weight count: %w", err)
	}

	for i, p := range params {
		if err = binary.Write(f, binary.LittleEndian, uint32(len(p.shape))); err != nil {
			return fmt.Errorf("image encoder: failed to write tensor %d rank: %w", i, err)
		}
		for _, d := range p.shape {
			if err = binary.Write(f, binary.LittleEndian, uint32(d)); err != nil {
				return fmt.Errorf("image encoder: failed to write tensor %d shape: %w", i, err)
			}
		}
		if err = binary.Write(f, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("image encoder: failed to write tensor %d data: %w", i, err)
		}
	}

	return nil
}
