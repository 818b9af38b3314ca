package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Sample is one decoded training example: a preprocessed image tensor, the
// tokenized question, its unpadded length, and the answer class.
type Sample struct {
	Image    *Tensor
	Question []int
	Length   int
	Label    int
}

// Batch is a collated group of samples. Questions are padded with PadIndex
// to the longest sequence in the batch; Lengths preserves the original
// sequence lengths so the recurrent encoder can ignore padding. Samples are
// ordered by descending question length.
//
// Batches are built per step and discarded after use.
type Batch struct {
	Images    []*Tensor
	Questions [][]int
	Lengths   []int
	Labels    []int
	MaxLen    int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// DataLoader turns a record file into batches: it tokenizes questions
// against the vocabulary, loads and preprocesses images with a worker pool,
// and collates fixed-size batches, optionally reshuffled every epoch.
type DataLoader struct {
	records   []Record
	vocab     *Vocabulary
	imageDir  string
	imageSize int
	batchSize int

	// shuffle reorders records each epoch (training); validation keeps the
	// stable record-file order.
	shuffle bool

	// dropLast drops the final partial batch (training) so every optimizer
	// step sees a full batch; validation keeps it so accuracy covers every
	// sample.
	dropLast bool

	workers int
	order   []int
}

// NewDataLoader creates a loader over a record slice. workers bounds the
// number of concurrent image-decoding goroutines per batch.
func NewDataLoader(records []Record, vocab *Vocabulary, imageDir string, imageSize, batchSize, workers int, shuffle, dropLast bool) *DataLoader {
	if batchSize <= 0 {
		panic(fmt.Sprintf("dataloader: batch size must be positive, got %d", batchSize))
	}
	if workers <= 0 {
		workers = 1
	}

	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}

	return &DataLoader{
		records:   records,
		vocab:     vocab,
		imageDir:  imageDir,
		imageSize: imageSize,
		batchSize: batchSize,
		shuffle:   shuffle,
		dropLast:  dropLast,
		workers:   workers,
		order:     order,
	}
}

// NumSamples returns the number of records backing the loader.
func (dl *DataLoader) NumSamples() int { return len(dl.records) }

// NumBatches returns the number of batches per epoch under the loader's
// partial-batch policy.
func (dl *DataLoader) NumBatches() int {
	if dl.dropLast {
		return len(dl.records) / dl.batchSize
	}
	return (len(dl.records) + dl.batchSize - 1) / dl.batchSize
}

// StartEpoch reshuffles the sample order if the loader is a training loader.
// Call once at the top of every epoch.
func (dl *DataLoader) StartEpoch() {
	if dl.shuffle {
		rng.Shuffle(len(dl.order), func(i, j int) {
			dl.order[i], dl.order[j] = dl.order[j], dl.order[i]
		})
	}
}

// batchIndices splits the current epoch order into per-batch index slices.
func (dl *DataLoader) batchIndices() [][]int {
	n := dl.NumBatches()
	batches := make([][]int, 0, n)
	for b := 0; b < n; b++ {
		start := b * dl.batchSize
		end := start + dl.batchSize
		if end > len(dl.order) {
			end = len(dl.order)
		}
		batches = append(batches, dl.order[start:end])
	}
	return batches
}

// LoadBatch decodes and collates the records at the given indices. Image
// decoding fans out across the worker pool; the first failure aborts the
// whole batch.
func (dl *DataLoader) LoadBatch(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.workers)

	for i, ri := range indices {
		i, ri := i, ri
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			rec := dl.records[ri]
			img, err := LoadImage(filepath.Join(dl.imageDir, rec.ImageName), dl.imageSize)
			if err != nil {
				return err
			}

			question := dl.vocab.EncodeQuestion(rec.Question)
			if len(question) == 0 {
				// An empty question would break the recurrent encoder;
				// stand in a single unknown token.
				question = []int{UnknownIndex}
			}

			samples[i] = &Sample{
				Image:    img,
				Question: question,
				Length:   len(question),
				Label:    dl.vocab.AnswerIndex(rec.Answer),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dataloader: failed to load batch: %w", err)
	}

	return collate(samples), nil
}

// collate sorts samples by descending question length, pads every question
// to the batch maximum, and assembles the aligned batch slices.
func collate(samples []*Sample) *Batch {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Length > samples[j].Length
	})

	maxLen := samples[0].Length

	b := &Batch{
		Images:    make([]*Tensor, len(samples)),
		Questions: make([][]int, len(samples)),
		Lengths:   make([]int, len(samples)),
		Labels:    make([]int, len(samples)),
		MaxLen:    maxLen,
	}

	for i, s := range samples {
		padded := make([]int, maxLen)
		copy(padded, s.Question) // tail stays PadIndex (0)
		b.Images[i] = s.Image
		b.Questions[i] = padded
		b.Lengths[i] = s.Length
		b.Labels[i] = s.Label
	}

	return b
}

// Stream launches background loading of one epoch's batches and returns a
// channel to range over plus a wait function reporting the first error.
// One producer goroutine walks the epoch's batch list in order while the
// image workers inside LoadBatch decode ahead of the training loop.
func (dl *DataLoader) Stream(ctx context.Context) (<-chan *Batch, func() error) {
	out := make(chan *Batch, 2)
	g, ctx := errgroup.WithContext(ctx)

	batches := dl.batchIndices()
	g.Go(func() error {
		defer close(out)
		for _, indices := range batches {
			batch, err := dl.LoadBatch(ctx, indices)
			if err != nil {
				return err
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return out, g.Wait
}
