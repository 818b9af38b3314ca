package main

import (
	"context"
	"image/color"
	"path/filepath"
	"testing"
)

// loaderFixture builds a record set, vocabulary, and image directory with
// one tiny PNG per record.
func loaderFixture(t *testing.T) ([]Record, *Vocabulary, string) {
	t.Helper()

	records := []Record{
		{ImageName: "im0.png", Question: "What color is the big dog?", Answer: "brown"},
		{ImageName: "im1.png", Question: "How many cats?", Answer: "2"},
		{ImageName: "im2.png", Question: "Is the dog brown?", Answer: "yes"},
		{ImageName: "im3.png", Question: "What is behind the small red car?", Answer: "tree"},
		{ImageName: "im4.png", Question: "Is it raining?", Answer: "no"},
	}

	dir := t.TempDir()
	for i, rec := range records {
		writeTestPNG(t, filepath.Join(dir, rec.ImageName), color.RGBA{R: uint8(40 * i), G: 80, B: 120, A: 255}, 16)
	}

	return records, BuildVocabulary(records, 1, 10), dir
}

func TestNumBatchesPartialBatchPolicy(t *testing.T) {
	records, vocab, dir := loaderFixture(t)

	train := NewDataLoader(records, vocab, dir, 8, 2, 1, true, true)
	if got := train.NumBatches(); got != 2 {
		t.Errorf("training NumBatches() = %d, want 2 (partial batch dropped)", got)
	}

	val := NewDataLoader(records, vocab, dir, 8, 2, 1, false, false)
	if got := val.NumBatches(); got != 3 {
		t.Errorf("validation NumBatches() = %d, want 3 (partial batch kept)", got)
	}
}

func TestLoadBatchCollation(t *testing.T) {
	records, vocab, dir := loaderFixture(t)
	dl := NewDataLoader(records, vocab, dir, 8, 3, 2, false, false)

	batch, err := dl.LoadBatch(context.Background(), []int{0, 1, 3})
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}

	if batch.Size() != 3 {
		t.Fatalf("batch size = %d, want 3", batch.Size())
	}

	// Samples must be ordered by descending question length.
	for i := 1; i < batch.Size(); i++ {
		if batch.Lengths[i] > batch.Lengths[i-1] {
			t.Errorf("lengths not descending: %v", batch.Lengths)
		}
	}

	// Every question is padded to the batch maximum; the tail is padding.
	for i, q := range batch.Questions {
		if len(q) != batch.MaxLen {
			t.Errorf("question %d padded to %d, want %d", i, len(q), batch.MaxLen)
		}
		for p := batch.Lengths[i]; p < batch.MaxLen; p++ {
			if q[p] != PadIndex {
				t.Errorf("question %d position %d = %d, want pad (%d)", i, p, q[p], PadIndex)
			}
		}
		for p := 0; p < batch.Lengths[i]; p++ {
			if q[p] == PadIndex {
				t.Errorf("question %d has padding inside its real tokens", i)
			}
		}
	}

	// Images come back as normalized CHW tensors of the requested size.
	for i, img := range batch.Images {
		shape := img.Shape()
		if shape[0] != 3 || shape[1] != 8 || shape[2] != 8 {
			t.Errorf("image %d shape = %v, want [3 8 8]", i, shape)
		}
	}
}

func TestLoadBatchMissingImageFails(t *testing.T) {
	records, vocab, dir := loaderFixture(t)
	records = append(records, Record{ImageName: "absent.png", Question: "Where?", Answer: "no"})
	dl := NewDataLoader(records, vocab, dir, 8, 2, 2, false, false)

	if _, err := dl.LoadBatch(context.Background(), []int{0, 5}); err == nil {
		t.Fatal("expected error for missing image in batch")
	}
}

func TestStreamDeliversEveryBatch(t *testing.T) {
	records, vocab, dir := loaderFixture(t)
	dl := NewDataLoader(records, vocab, dir, 8, 2, 2, false, false)

	dl.StartEpoch()
	batches, wait := dl.Stream(context.Background())

	seen := 0
	for batch := range batches {
		seen += batch.Size()
	}
	if err := wait(); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if seen != len(records) {
		t.Errorf("streamed %d samples, want %d", seen, len(records))
	}
}

func TestStartEpochShufflesTrainingOrder(t *testing.T) {
	records, vocab, dir := loaderFixture(t)
	dl := NewDataLoader(records, vocab, dir, 8, 5, 1, true, true)

	SeedRNG(3)
	before := make([]int, len(dl.order))
	copy(before, dl.order)

	// One of a handful of shuffles must change the order; identical
	// permutations every time would mean the shuffle is inert.
	changed := false
	for i := 0; i < 5 && !changed; i++ {
		dl.StartEpoch()
		for j := range dl.order {
			if dl.order[j] != before[j] {
				changed = true
				break
			}
		}
	}
	if !changed {
		t.Error("StartEpoch never changed the sample order")
	}
}
