package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Checkpoint file layout:
//
//	uint32 header length (little-endian)
//	JSON header: format version, model config, counters, optimizer kind
//	per model parameter (Parameters() order): little-endian float64 values
//	per optimizer moment buffer (trainable parameter order): float64 values
//
// Parameter shapes are not stored; they are reconstructed from the model
// config, which makes a shape mismatch a hard load error rather than a
// silently corrupted model.

const checkpointVersion = 1

type checkpointHeader struct {
	Version   int         `json:"version"`
	Model     ModelConfig `json:"model"`
	Epoch     int         `json:"epoch"`
	Step      int         `json:"step"`
	Optimizer string      `json:"optimizer"`
	OptStep   int         `json:"opt_step"`
	Moments   int         `json:"moments"` // buffers per trainable parameter
	RunName   string      `json:"run_name"`
}

// SaveCheckpoint writes the model parameters and optimizer state to path.
// The write is atomic: data goes to a temp file that is renamed into place,
// so a crash mid-write never leaves a truncated checkpoint behind.
func SaveCheckpoint(path string, model VQAModel, opt Optimizer, epoch, step int, runName string) (err error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(f)

	state := opt.State()
	moments := 0
	if state.M != nil {
		moments = 1
	}
	if state.V != nil {
		moments = 2
	}

	header, err := json.Marshal(checkpointHeader{
		Version:   checkpointVersion,
		Model:     model.Config(),
		Epoch:     epoch,
		Step:      step,
		Optimizer: opt.Name(),
		OptStep:   state.Step,
		Moments:   moments,
		RunName:   runName,
	})
	if err != nil {
		return fmt.Errorf("checkpoint: failed to encode header: %w", err)
	}

	if err = binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("checkpoint: failed to write header length: %w", err)
	}
	if _, err = w.Write(header); err != nil {
		return fmt.Errorf("checkpoint: failed to write header: %w", err)
	}

	for i, p := range model.Parameters() {
		if err = binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("checkpoint: failed to write parameter %d: %w", i, err)
		}
	}

	if moments >= 1 {
		for i, m := range state.M {
			if err = binary.Write(w, binary.LittleEndian, m); err != nil {
				return fmt.Errorf("checkpoint: failed to write moment %d: %w", i, err)
			}
		}
	}
	if moments == 2 {
		for i, v := range state.V {
			if err = binary.Write(w, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("checkpoint: failed to write second moment %d: %w", i, err)
			}
		}
	}

	if err = w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: failed to flush %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("checkpoint: failed to close %s: %w", tmp, err)
	}

	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Checkpoint is a fully restored training state.
type Checkpoint struct {
	Model    VQAModel
	OptState OptimizerState
	Epoch    int
	Step     int
	RunName  string
}

// LoadCheckpoint reconstructs the model from the header config and reads
// the parameters and optimizer state back. Any truncation, version skew,
// or shape mismatch is an error; resuming from a bad checkpoint must fail
// loudly at startup.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read header length: %w", err)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read header: %w", err)
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to parse header: %w", err)
	}
	if header.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint: unsupported version %d (want %d)", header.Version, checkpointVersion)
	}

	model, err := NewModel(header.Model)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: invalid model config in header: %w", err)
	}

	for i, p := range model.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("checkpoint: failed to read parameter %d: %w", i, err)
		}
	}

	state := OptimizerState{Kind: header.Optimizer, Step: header.OptStep}
	trainable := model.TrainableParameters()

	if header.Moments >= 1 {
		state.M = make([][]float64, len(trainable))
		for i, p := range trainable {
			state.M[i] = make([]float64, len(p.data))
			if err := binary.Read(r, binary.LittleEndian, state.M[i]); err != nil {
				return nil, fmt.Errorf("checkpoint: failed to read moment %d: %w", i, err)
			}
		}
	}
	if header.Moments == 2 {
		state.V = make([][]float64, len(trainable))
		for i, p := range trainable {
			state.V[i] = make([]float64, len(p.data))
			if err := binary.Read(r, binary.LittleEndian, state.V[i]); err != nil {
				return nil, fmt.Errorf("checkpoint: failed to read second moment %d: %w", i, err)
			}
		}
	}

	return &Checkpoint{
		Model:    model,
		OptState: state,
		Epoch:    header.Epoch,
		Step:     header.Step,
		RunName:  header.RunName,
	}, nil
}
