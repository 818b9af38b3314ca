package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeVQAJSON writes minimal questions and annotations files covering the
// given (id, question, answer) triples.
func writeVQAJSON(t *testing.T, dir string, triples [][3]interface{}) (string, string) {
	t.Helper()

	type q struct {
		QuestionID int64  `json:"question_id"`
		ImageID    int64  `json:"image_id"`
		Question   string `json:"question"`
	}
	type a struct {
		QuestionID           int64  `json:"question_id"`
		ImageID              int64  `json:"image_id"`
		MultipleChoiceAnswer string `json:"multiple_choice_answer"`
	}

	var qs []q
	var as []a
	for _, tr := range triples {
		id := int64(tr[0].(int))
		qs = append(qs, q{QuestionID: id, ImageID: id, Question: tr[1].(string)})
		as = append(as, a{QuestionID: id, ImageID: id, MultipleChoiceAnswer: tr[2].(string)})
	}

	quesPath := filepath.Join(dir, "questions.json")
	annotPath := filepath.Join(dir, "annotations.json")

	qb, _ := json.Marshal(map[string]interface{}{"questions": qs})
	ab, _ := json.Marshal(map[string]interface{}{"annotations": as})
	if err := os.WriteFile(quesPath, qb, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(annotPath, ab, 0o644); err != nil {
		t.Fatal(err)
	}

	return quesPath, annotPath
}

func TestPrepareDatasetJoinAndNaming(t *testing.T) {
	dir := t.TempDir()
	ques, annot := writeVQAJSON(t, dir, [][3]interface{}{
		{1, "What color is the dog?", "brown"},
		{2, "How many cats?", "2"},
	})

	out := filepath.Join(dir, "records.tsv")
	cfg := &PrepareConfig{
		Split: "train", QuesFile: ques, AnnotFile: annot,
		OutputFile: out, BalancedReal: true,
	}

	n, err := PrepareDataset(cfg, os.Stderr)
	if err != nil {
		t.Fatalf("PrepareDataset: %v", err)
	}
	if n != 2 {
		t.Fatalf("prepared %d records, want 2", n)
	}

	records, err := ReadRecords(out, os.Stderr)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}

	want := []Record{
		{ImageName: "COCO_train2014_000000000001.jpg", Question: "What color is the dog?", Answer: "brown"},
		{ImageName: "COCO_train2014_000000000002.jpg", Question: "How many cats?", Answer: "2"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareDatasetSkipsOrphansWithWarning(t *testing.T) {
	dir := t.TempDir()
	ques, annot := writeVQAJSON(t, dir, [][3]interface{}{
		{1, "What color is the dog?", "brown"},
		{2, "", "2"}, // empty question must be skipped
	})

	out := filepath.Join(dir, "records.tsv")
	cfg := &PrepareConfig{
		Split: "train", QuesFile: ques, AnnotFile: annot,
		OutputFile: out, BalancedReal: true,
	}

	var warnings bytes.Buffer
	n, err := PrepareDataset(cfg, &warnings)
	if err != nil {
		t.Fatalf("PrepareDataset: %v", err)
	}
	if n != 1 {
		t.Errorf("prepared %d records, want 1", n)
	}
	if !strings.Contains(warnings.String(), "skipping") {
		t.Errorf("expected a skip warning, got %q", warnings.String())
	}
}

func TestPrepareDatasetTopKFiltersRecords(t *testing.T) {
	dir := t.TempDir()
	ques, annot := writeVQAJSON(t, dir, [][3]interface{}{
		{1, "Is the dog brown?", "yes"},
		{2, "Is the cat black?", "yes"},
		{3, "Is it raining?", "no"},
		{4, "Is it sunny?", "no"},
		{5, "What color is the dog?", "brown"},
	})

	out := filepath.Join(dir, "records.tsv")
	vocabPath := filepath.Join(dir, "vocab.txt")
	cfg := &PrepareConfig{
		Split: "train", QuesFile: ques, AnnotFile: annot,
		OutputFile: out, BalancedReal: true,
		VocabFile: vocabPath, MinWordCount: 1, TopK: 2,
	}

	n, err := PrepareDataset(cfg, os.Stderr)
	if err != nil {
		t.Fatalf("PrepareDataset: %v", err)
	}

	// "yes" and "no" survive the K=2 cut; the "brown" record is dropped.
	if n != 4 {
		t.Errorf("prepared %d records, want 4", n)
	}

	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		t.Fatalf("LoadVocabulary: %v", err)
	}
	if vocab.NumClasses() != 3 {
		t.Errorf("NumClasses() = %d, want 3", vocab.NumClasses())
	}

	records, err := ReadRecords(out, os.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if !vocab.HasAnswer(rec.Answer) {
			t.Errorf("record with filtered answer %q survived", rec.Answer)
		}
	}
}

func TestPrepareConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PrepareConfig
	}{
		{"bad split", PrepareConfig{Split: "test", QuesFile: "q", AnnotFile: "a", OutputFile: "o", BalancedReal: true}},
		{"no image scheme", PrepareConfig{Split: "train", QuesFile: "q", AnnotFile: "a", OutputFile: "o"}},
		{"both image schemes", PrepareConfig{Split: "train", QuesFile: "q", AnnotFile: "a", OutputFile: "o", BalancedReal: true, AbstractScene: true}},
		{"abstract val", PrepareConfig{Split: "val", QuesFile: "q", AnnotFile: "a", OutputFile: "o", AbstractScene: true}},
		{"vocab on val", PrepareConfig{Split: "val", QuesFile: "q", AnnotFile: "a", OutputFile: "o", BalancedReal: true, VocabFile: "v", MinWordCount: 1, TopK: 10}},
		{"tiny top-K", PrepareConfig{Split: "train", QuesFile: "q", AnnotFile: "a", OutputFile: "o", BalancedReal: true, VocabFile: "v", MinWordCount: 1, TopK: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestReadRecordsSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.tsv")
	content := "a.jpg\tWhat is this?\tcat\nnot a valid line\nb.jpg\tWhat now?\tdog\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var warnings bytes.Buffer
	records, err := ReadRecords(path, &warnings)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}

	if len(records) != 2 {
		t.Errorf("read %d records, want 2", len(records))
	}
	if !strings.Contains(warnings.String(), "skipping") {
		t.Errorf("expected a skip warning, got %q", warnings.String())
	}
}

func TestAbstractSceneNaming(t *testing.T) {
	cfg := &PrepareConfig{Split: "train", AbstractScene: true}
	got := cfg.imageFileName(42)
	if got != "abstract_v002_train2015_000000000042.png" {
		t.Errorf("imageFileName = %q", got)
	}
}
