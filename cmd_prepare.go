package main

import (
	"flag"
	"fmt"
	"os"
)

func cmdPrepare(args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	split := fs.String("split", "train", "dataset split: train or val")
	questions := fs.String("questions", "", "VQA questions JSON file")
	annotations := fs.String("annotations", "", "VQA annotations JSON file")
	output := fs.String("output", "", "record file to write (TSV)")
	balancedReal := fs.Bool("balanced-real", false, "use COCO balanced real images")
	abstractScene := fs.Bool("abstract-scene", false, "use abstract scene images (train only)")
	vocabFile := fs.String("vocab", "", "vocabulary file to build (train split only)")
	minWordCount := fs.Int("min-word-count", 3, "minimum corpus frequency for a word to enter the vocabulary")
	topK := fs.Int("top-answers", 1000, "number of answer classes to keep")
	fs.Parse(args)

	cfg := &PrepareConfig{
		Split:         *split,
		QuesFile:      *questions,
		AnnotFile:     *annotations,
		OutputFile:    *output,
		BalancedReal:  *balancedReal,
		AbstractScene: *abstractScene,
		VocabFile:     *vocabFile,
		MinWordCount:  *minWordCount,
		TopK:          *topK,
	}

	n, err := PrepareDataset(cfg, os.Stderr)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %d records to %s\n", n, cfg.OutputFile)
	if cfg.VocabFile != "" {
		fmt.Printf("wrote vocabulary to %s\n", cfg.VocabFile)
	}
	return nil
}
