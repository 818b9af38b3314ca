package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Reserved question-vocabulary entries. Index 0 is padding, index 1 the
// unknown token; both are fixed so serialized datasets stay stable across
// rebuilds with the same corpus and thresholds.
const (
	PadToken     = "<pad>"
	UnknownToken = "<unk>"
	StartToken   = "<s>"
	EndToken     = "</s>"

	PadIndex     = 0
	UnknownIndex = 1
)

// UnknownAnswer is the reserved class-0 label for answers outside the
// retained top-K set.
const UnknownAnswer = "<unk>"

// Vocabulary bundles the question-word index and the answer-label index
// built from the training split. It is created once during data preparation
// and read-only afterwards.
type Vocabulary struct {
	WordToIndex   map[string]int
	IndexToWord   map[int]string
	AnswerToIndex map[string]int
	IndexToAnswer map[int]string

	// MaxSeqLen is the longest tokenized question seen in the corpus.
	MaxSeqLen int
}

// TokenizeText lowercases a question, strips punctuation, and splits it on
// whitespace. Tokenization happens at load time; record files store the
// question as a literal string.
func TokenizeText(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation separates tokens rather than vanishing inside them,
			// so "what's" becomes ["what", "s"].
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// BuildVocabulary builds the question-word and answer-label mappings from a
// prepared record set.
//
// Words with corpus frequency >= minWordCount are retained; the rest map to
// the unknown token at lookup time. The topK most frequent answers become
// classes 1..topK, with class 0 reserved for everything else.
//
// The result is deterministic for a fixed corpus and (minWordCount, topK):
// candidates are ordered by frequency descending, ties broken by the token
// itself ascending.
func BuildVocabulary(records []Record, minWordCount, topK int) *Vocabulary {
	wordCount := make(map[string]int)
	answerCount := make(map[string]int)
	maxSeqLen := 0

	for _, rec := range records {
		tokens := TokenizeText(rec.Question)
		if len(tokens) > maxSeqLen {
			maxSeqLen = len(tokens)
		}
		for _, w := range tokens {
			wordCount[w]++
		}
		answerCount[rec.Answer]++
	}

	v := &Vocabulary{
		WordToIndex: map[string]int{
			PadToken:     PadIndex,
			UnknownToken: UnknownIndex,
			StartToken:   2,
			EndToken:     3,
		},
		IndexToWord:   make(map[int]string),
		AnswerToIndex: map[string]int{UnknownAnswer: 0},
		IndexToAnswer: make(map[int]string),
		MaxSeqLen:     maxSeqLen,
	}

	for _, w := range sortByFrequency(wordCount) {
		if wordCount[w] >= minWordCount {
			if _, reserved := v.WordToIndex[w]; !reserved {
				v.WordToIndex[w] = len(v.WordToIndex)
			}
		}
	}

	answers := sortByFrequency(answerCount)
	if len(answers) > topK {
		answers = answers[:topK]
	}
	for _, a := range answers {
		if _, reserved := v.AnswerToIndex[a]; !reserved {
			v.AnswerToIndex[a] = len(v.AnswerToIndex)
		}
	}

	for w, i := range v.WordToIndex {
		v.IndexToWord[i] = w
	}
	for a, i := range v.AnswerToIndex {
		v.IndexToAnswer[i] = a
	}

	return v
}

// sortByFrequency returns the map keys ordered by count descending, ties
// broken lexically. The stable ordering is what makes vocabulary builds
// reproducible.
func sortByFrequency(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// WordIndex returns the index for a word, or the unknown index for words
// outside the vocabulary. Never fails.
func (v *Vocabulary) WordIndex(word string) int {
	if idx, ok := v.WordToIndex[word]; ok {
		return idx
	}
	return UnknownIndex
}

// AnswerIndex returns the class index for an answer, or 0 (the unknown
// class) for answers outside the retained top-K set.
func (v *Vocabulary) AnswerIndex(answer string) int {
	if idx, ok := v.AnswerToIndex[answer]; ok {
		return idx
	}
	return 0
}

// EncodeQuestion tokenizes a question and maps every token to its index.
// Every produced index is a valid row of the embedding table.
func (v *Vocabulary) EncodeQuestion(question string) []int {
	tokens := TokenizeText(question)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.WordIndex(tok)
	}
	return ids
}

// NumWords returns the question vocabulary size (reserved tokens included).
func (v *Vocabulary) NumWords() int { return len(v.WordToIndex) }

// NumClasses returns the answer label count (unknown class included).
func (v *Vocabulary) NumClasses() int { return len(v.AnswerToIndex) }

// HasAnswer reports whether the answer survived the top-K cut.
func (v *Vocabulary) HasAnswer(answer string) bool {
	_, ok := v.AnswerToIndex[answer]
	return ok && answer != UnknownAnswer
}

// Save writes the vocabulary as a sectioned text file:
//
//	WORDS
//	token<TAB>index
//	...
//	ANSWERS
//	label<TAB>index
//	...
//	MAXLEN
//	n
//
// Entries are written in index order so the file is deterministic and
// diffable for a given vocabulary.
func (v *Vocabulary) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vocab: failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("vocab: failed to close file: %w", cerr)
		}
	}()

	w := bufio.NewWriter(f)
	defer func() {
		if ferr := w.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("vocab: failed to flush writer: %w", ferr)
		}
	}()

	if _, err = fmt.Fprintln(w, "WORDS"); err != nil {
		return fmt.Errorf("vocab: failed to write words header: %w", err)
	}
	for i := 0; i < len(v.IndexToWord); i++ {
		if _, err = fmt.Fprintf(w, "%s\t%d\n", v.IndexToWord[i], i); err != nil {
			return fmt.Errorf("vocab: failed to write word entry: %w", err)
		}
	}

	if _, err = fmt.Fprintln(w, "ANSWERS"); err != nil {
		return fmt.Errorf("vocab: failed to write answers header: %w", err)
	}
	for i := 0; i < len(v.IndexToAnswer); i++ {
		if _, err = fmt.Fprintf(w, "%s\t%d\n", v.IndexToAnswer[i], i); err != nil {
			return fmt.Errorf("vocab: failed to write answer entry: %w", err)
		}
	}

	if _, err = fmt.Fprintf(w, "MAXLEN\n%d\n", v.MaxSeqLen); err != nil {
		return fmt.Errorf("vocab: failed to write max length: %w", err)
	}

	return nil
}

// LoadVocabulary reads a vocabulary file written by Save. A missing or
// malformed file is an error; training cannot start without the mappings
// the dataset was prepared with.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: failed to open %s: %w", path, err)
	}
	defer f.Close()

	v := &Vocabulary{
		WordToIndex:   make(map[string]int),
		IndexToWord:   make(map[int]string),
		AnswerToIndex: make(map[string]int),
		IndexToAnswer: make(map[int]string),
	}

	scanner := bufio.NewScanner(f)
	section := ""

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		switch line {
		case "WORDS", "ANSWERS", "MAXLEN":
			section = line
			continue
		}

		switch section {
		case "WORDS", "ANSWERS":
			tab := strings.LastIndex(line, "\t")
			if tab < 0 {
				return nil, fmt.Errorf("vocab: malformed entry %q in %s", line, path)
			}
			idx, err := strconv.Atoi(line[tab+1:])
			if err != nil {
				return nil, fmt.Errorf("vocab: malformed index in %q: %w", line, err)
			}
			token := line[:tab]
			if section == "WORDS" {
				v.WordToIndex[token] = idx
				v.IndexToWord[idx] = token
			} else {
				v.AnswerToIndex[token] = idx
				v.IndexToAnswer[idx] = token
			}
		case "MAXLEN":
			n, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("vocab: malformed max length %q: %w", line, err)
			}
			v.MaxSeqLen = n
		default:
			return nil, fmt.Errorf("vocab: unexpected line %q before section header", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vocab: failed to read %s: %w", path, err)
	}

	if len(v.WordToIndex) == 0 || len(v.AnswerToIndex) == 0 {
		return nil, fmt.Errorf("vocab: %s contains no mappings", path)
	}

	return v, nil
}
