package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record is one (image, question, answer) triple from a prepared dataset
// file. Immutable once written; questions stay literal strings until the
// data loader tokenizes them.
type Record struct {
	ImageName string
	Question  string
	Answer    string
}

// questionsFile mirrors the VQA v2 questions JSON layout.
type questionsFile struct {
	Questions []struct {
		QuestionID int64  `json:"question_id"`
		ImageID    int64  `json:"image_id"`
		Question   string `json:"question"`
	} `json:"questions"`
}

// annotationsFile mirrors the VQA v2 annotations JSON layout. Only the
// majority answer is used as the training label.
type annotationsFile struct {
	Annotations []struct {
		QuestionID           int64  `json:"question_id"`
		ImageID              int64  `json:"image_id"`
		MultipleChoiceAnswer string `json:"multiple_choice_answer"`
	} `json:"annotations"`
}

// PrepareConfig holds the data-preparation options.
type PrepareConfig struct {
	Split      string // "train" or "val"
	QuesFile   string // questions JSON path
	AnnotFile  string // annotations JSON path
	OutputFile string // TSV record file to write

	// Image naming scheme; exactly one must be set.
	BalancedReal  bool // COCO_<split>2014_000000xxxxxx.jpg
	AbstractScene bool // abstract_v002_train2015_0000000xxxxx.png

	// Vocabulary options, training split only. Empty VocabFile skips the
	// vocabulary build and the top-K answer filter.
	VocabFile    string
	MinWordCount int
	TopK         int
}

// Validate rejects invalid option combinations before any file is touched.
func (cfg *PrepareConfig) Validate() error {
	if cfg.Split != "train" && cfg.Split != "val" {
		return fmt.Errorf("prepare: split must be train or val, got %q", cfg.Split)
	}
	if cfg.QuesFile == "" || cfg.AnnotFile == "" || cfg.OutputFile == "" {
		return fmt.Errorf("prepare: questions, annotations, and output paths are required")
	}
	if cfg.BalancedReal == cfg.AbstractScene {
		return fmt.Errorf("prepare: exactly one of -balanced-real and -abstract-scene must be set")
	}
	if cfg.AbstractScene && cfg.Split != "train" {
		return fmt.Errorf("prepare: abstract scene images are only available for the train split")
	}
	if cfg.VocabFile != "" && cfg.Split != "train" {
		return fmt.Errorf("prepare: vocabulary flags are only valid for the train split")
	}
	if cfg.VocabFile != "" {
		if cfg.MinWordCount < 1 {
			return fmt.Errorf("prepare: min word count must be >= 1, got %d", cfg.MinWordCount)
		}
		if cfg.TopK < 2 {
			return fmt.Errorf("prepare: top-K answer count must be >= 2, got %d", cfg.TopK)
		}
	}
	return nil
}

// imageFileName builds the on-disk image name for an image id.
// COCO filenames zero-pad the id to 12 digits after the split prefix.
func (cfg *PrepareConfig) imageFileName(imageID int64) string {
	if cfg.AbstractScene {
		return fmt.Sprintf("abstract_v002_train2015_%012d.png", imageID)
	}
	return fmt.Sprintf("COCO_%s2014_%012d.jpg", cfg.Split, imageID)
}

// PrepareDataset joins the questions and annotations files into a TSV record
// file, and (for the training split, when requested) builds the vocabulary
// and filters the records down to the retained top-K answer classes.
//
// Malformed pairs are skipped with a warning; preparation only fails on I/O
// or JSON-level errors.
func PrepareDataset(cfg *PrepareConfig, warnings io.Writer) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	var questions questionsFile
	if err := decodeJSONFile(cfg.QuesFile, &questions); err != nil {
		return 0, err
	}

	var annotations annotationsFile
	if err := decodeJSONFile(cfg.AnnotFile, &annotations); err != nil {
		return 0, err
	}

	// Join questions to annotations on question_id.
	questionByID := make(map[int64]string, len(questions.Questions))
	for _, q := range questions.Questions {
		questionByID[q.QuestionID] = q.Question
	}

	records := make([]Record, 0, len(annotations.Annotations))
	for _, ann := range annotations.Annotations {
		question, ok := questionByID[ann.QuestionID]
		if !ok {
			fmt.Fprintf(warnings, "prepare: warning: annotation %d has no matching question, skipping\n", ann.QuestionID)
			continue
		}
		if strings.TrimSpace(question) == "" || strings.TrimSpace(ann.MultipleChoiceAnswer) == "" {
			fmt.Fprintf(warnings, "prepare: warning: annotation %d has empty question or answer, skipping\n", ann.QuestionID)
			continue
		}

		records = append(records, Record{
			ImageName: cfg.imageFileName(ann.ImageID),
			Question:  strings.TrimSpace(question),
			Answer:    strings.TrimSpace(ann.MultipleChoiceAnswer),
		})
	}

	// Build the vocabulary from the full training corpus, then keep only the
	// records whose answer made the top-K cut.
	if cfg.VocabFile != "" {
		vocab := BuildVocabulary(records, cfg.MinWordCount, cfg.TopK)
		if err := vocab.Save(cfg.VocabFile); err != nil {
			return 0, err
		}

		kept := records[:0]
		for _, rec := range records {
			if vocab.HasAnswer(rec.Answer) {
				kept = append(kept, rec)
			}
		}
		records = kept
	}

	if err := WriteRecords(cfg.OutputFile, records); err != nil {
		return 0, err
	}

	return len(records), nil
}

func decodeJSONFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("prepare: failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(bufio.NewReader(f)).Decode(v); err != nil {
		return fmt.Errorf("prepare: failed to parse %s: %w", path, err)
	}
	return nil
}

// WriteRecords writes records as tab-separated UTF-8 text, one triple per
// line: image_name<TAB>question<TAB>answer.
func WriteRecords(path string, records []Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("dataset: failed to close %s: %w", path, cerr)
		}
	}()

	w := bufio.NewWriter(f)
	for _, rec := range records {
		if _, err = fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ImageName, rec.Question, rec.Answer); err != nil {
			return fmt.Errorf("dataset: failed to write record: %w", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("dataset: failed to flush %s: %w", path, err)
	}

	return nil
}

// ReadRecords reads a TSV record file written by WriteRecords. Lines that do
// not have exactly three fields are reported and skipped.
func ReadRecords(path string, warnings io.Writer) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			fmt.Fprintf(warnings, "dataset: warning: %s:%d has %d fields, skipping\n", path, lineNo, len(parts))
			continue
		}

		records = append(records, Record{
			ImageName: parts[0],
			Question:  parts[1],
			Answer:    parts[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset: failed to read %s: %w", path, err)
	}

	return records, nil
}
