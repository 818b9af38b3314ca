package main

import (
	"runtime"
	"sync"
)

// ComputeConfig controls parallelization of tensor operations.
//
// Matrix multiplication dominates both the convolutional backbone (im2col
// turns every convolution into one large matmul) and the recurrent/attention
// layers, so this single knob covers most of the training compute. Switching
// to single-threaded mode gives deterministic, easily debuggable execution.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU(). Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum output-row count before
	// parallelization kicks in. Small matrices don't benefit due to
	// goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize reports whether an operation of the given size is worth
// splitting across goroutines.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation).
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// MatMulWithConfig performs matrix multiplication with the given config.
// A: (M, K), B: (K, N) -> C: (M, N). Output rows are split across workers;
// each goroutine writes a disjoint row range, so no synchronization is
// needed beyond the final WaitGroup.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic("tensor: MatMul inner dimensions must match")
	}

	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) {
		matMulRows(a, b, out, 0, m, k, n)
		return out
	}

	workers := cfg.numWorkers()
	if workers > m {
		workers = m
	}

	rowsPerWorker := (m + workers - 1) / workers
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matMulRows(a, b, out, start, end, k, n)
		}(start, end)
	}

	wg.Wait()
	return out
}

// matMulRows computes output rows [start, end). Loop order (i, l, j) keeps
// the inner loop streaming over contiguous memory in both b and out.
func matMulRows(a, b, out *Tensor, start, end, k, n int) {
	for i := start; i < end; i++ {
		outRow := out.data[i*n : (i+1)*n]
		aRow := a.data[i*k : (i+1)*k]
		for l := 0; l < k; l++ {
			av := aRow[l]
			if av == 0 {
				continue
			}
			bRow := b.data[l*n : (l+1)*n]
			for j := range bRow {
				outRow[j] += av * bRow[j]
			}
		}
	}
}
