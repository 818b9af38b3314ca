package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
)

func cmdTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML run config; flags override its values")

	modelKind := fs.String("model", "", "model kind: baseline or coattention")
	trainRecords := fs.String("train-records", "", "training record file")
	valRecords := fs.String("val-records", "", "validation record file")
	vocabFile := fs.String("vocab", "", "vocabulary file from prepare")
	trainImages := fs.String("train-images", "", "training image directory")
	valImages := fs.String("val-images", "", "validation image directory")
	cnnWeights := fs.String("cnn-weights", "", "pretrained backbone weight file")

	exptDir := fs.String("expt-dir", "", "experiment root directory")
	exptName := fs.String("expt-name", "", "experiment name")
	runName := fs.String("run-name", "", "run name within the experiment")
	checkpoint := fs.String("checkpoint", "", "checkpoint to resume from")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address, e.g. :9090")

	epochs := fs.Int("epochs", 0, "training epochs")
	batchSize := fs.Int("batch-size", 0, "batch size")
	lr := fs.Float64("lr", 0, "peak learning rate")
	optimizer := fs.String("optimizer", "", "optimizer: adam or sgd")
	workers := fs.Int("workers", 0, "image-loading goroutines")
	seed := fs.Int64("seed", 0, "random seed")
	fs.Parse(args)

	cfg, err := LoadRunConfig(*configPath)
	if err != nil {
		return err
	}

	// Flags set on the command line override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model = DefaultModelConfig(*modelKind)
		case "train-records":
			cfg.TrainRecords = *trainRecords
		case "val-records":
			cfg.ValRecords = *valRecords
		case "vocab":
			cfg.VocabFile = *vocabFile
		case "train-images":
			cfg.TrainImages = *trainImages
		case "val-images":
			cfg.ValImages = *valImages
		case "cnn-weights":
			cfg.CNNWeights = *cnnWeights
		case "expt-dir":
			cfg.ExptDir = *exptDir
		case "expt-name":
			cfg.ExptName = *exptName
		case "run-name":
			cfg.RunName = *runName
		case "checkpoint":
			cfg.Checkpoint = *checkpoint
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "batch-size":
			cfg.Training.BatchSize = *batchSize
		case "lr":
			cfg.Training.LearningRate = *lr
		case "optimizer":
			cfg.Training.Optimizer = *optimizer
		case "workers":
			cfg.Training.Workers = *workers
		case "seed":
			cfg.Training.Seed = *seed
		}
	})

	if err := cfg.Validate(); err != nil {
		return err
	}
	SeedRNG(cfg.Training.Seed)

	vocab, err := LoadVocabulary(cfg.VocabFile)
	if err != nil {
		return err
	}

	trainRecs, err := ReadRecords(cfg.TrainRecords, os.Stderr)
	if err != nil {
		return err
	}
	if len(trainRecs) == 0 {
		return fmt.Errorf("train: %s contains no records", cfg.TrainRecords)
	}

	// Build a fresh model or restore everything from the checkpoint; when
	// resuming, the checkpointed architecture wins over the config.
	var (
		model      VQAModel
		startEpoch int
		startStep  int
		resumed    *Checkpoint
	)
	if cfg.Checkpoint != "" {
		resumed, err = LoadCheckpoint(cfg.Checkpoint)
		if err != nil {
			return err
		}
		model = resumed.Model
		startEpoch = resumed.Epoch
		startStep = resumed.Step
	} else {
		mc := cfg.Model
		mc.VocabSize = vocab.NumWords()
		mc.NumClasses = vocab.NumClasses()
		model, err = NewModel(mc)
		if err != nil {
			return err
		}
		if cfg.CNNWeights != "" {
			if err := loadBackboneWeights(model, cfg.CNNWeights); err != nil {
				return err
			}
		}
	}

	trainLoader := NewDataLoader(trainRecs, vocab, cfg.TrainImages, model.Config().ImageSize,
		cfg.Training.BatchSize, cfg.Training.Workers, true, true)

	var valLoader *DataLoader
	if cfg.ValRecords != "" {
		valRecs, err := ReadRecords(cfg.ValRecords, os.Stderr)
		if err != nil {
			return err
		}
		valLoader = NewDataLoader(valRecs, vocab, cfg.ValImages, model.Config().ImageSize,
			cfg.Training.BatchSize, cfg.Training.Workers, false, false)
	}

	expt, err := NewExperiment(cfg.ExptDir, cfg.ExptName, cfg.RunName)
	if err != nil {
		return err
	}
	defer expt.Close()
	expt.LogArgs(os.Args)

	var metrics *TrainMetrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = NewTrainMetrics(reg)
		errs := ServeMetrics(cfg.MetricsAddr, reg)
		go func() {
			if err := <-errs; err != nil {
				fmt.Fprintf(os.Stderr, "govqa: metrics server: %v\n", err)
			}
		}()
		expt.Logf("metrics server listening on %s", cfg.MetricsAddr)
	}

	opt := NewOptimizer(cfg.Training)
	if resumed != nil && resumed.OptState.Kind == opt.Name() && resumed.OptState.M != nil {
		if err := opt.LoadState(resumed.OptState); err != nil {
			return err
		}
	}

	expt.Logf("model %s | %d words, %d classes | %d train samples, %d batches/epoch",
		model.Config().Kind, vocab.NumWords(), vocab.NumClasses(),
		trainLoader.NumSamples(), trainLoader.NumBatches())
	if resumed != nil {
		expt.Logf("resumed from %s at epoch %d step %d", cfg.Checkpoint, startEpoch, startStep)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	trainer := NewTrainer(model, cfg.Training, opt, expt, metrics,
		trainLoader.NumBatches(), startEpoch, startStep)
	return trainer.Run(ctx, trainLoader, valLoader)
}

// loadBackboneWeights installs a pretrained CNN dump into either model kind.
func loadBackboneWeights(model VQAModel, path string) error {
	switch m := model.(type) {
	case *BaselineModel:
		return m.cnn.LoadWeights(path)
	case *CoAttentionModel:
		return m.cnn.LoadWeights(path)
	}
	return fmt.Errorf("train: model kind %q has no backbone to load", model.Config().Kind)
}
