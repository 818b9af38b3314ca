package main

// Question encoders. Both operate on one tokenized question at a time:
// a padded id slice plus its true length.

// ===========================================================================
// BASELINE: embedding -> LSTM -> final hidden state
// ===========================================================================

// BaselineQuestionEncoder summarizes a question as the LSTM hidden state at
// its last real token.
type BaselineQuestionEncoder struct {
	emb  *Embedding
	lstm *LSTM
}

// NewBaselineQuestionEncoder creates the encoder.
func NewBaselineQuestionEncoder(vocabSize, embDim, hiddenDim int) *BaselineQuestionEncoder {
	return &BaselineQuestionEncoder{
		emb:  NewEmbedding(vocabSize, embDim),
		lstm: NewLSTM(embDim, hiddenDim),
	}
}

// BaselineQuestionCache holds the activations for the backward pass.
type BaselineQuestionCache struct {
	ids       []int
	length    int
	lstmCache *LSTMCache
}

// ForwardWithCache encodes the question into a (1, hidden) summary row.
func (e *BaselineQuestionEncoder) ForwardWithCache(ids []int, length int) (*Tensor, *BaselineQuestionCache) {
	embedded := e.emb.Forward(ids)
	states, lc := e.lstm.ForwardWithCache(embedded, length)
	final := e.lstm.FinalHidden(states, length)

	return final, &BaselineQuestionCache{ids: ids, length: length, lstmCache: lc}
}

// Backward propagates the summary gradient back through the LSTM and into
// the embedding table.
func (e *BaselineQuestionEncoder) Backward(gradFinal *Tensor, cache *BaselineQuestionCache) {
	hidden := e.lstm.hidden

	// The summary is the hidden state at position length-1; every other
	// position receives no direct gradient.
	gradStates := NewTensor(len(cache.ids), hidden)
	copy(gradStates.data[(cache.length-1)*hidden:cache.length*hidden], gradFinal.data)

	gradEmb := e.lstm.Backward(gradStates, cache.lstmCache)
	e.emb.Backward(cache.ids, gradEmb)
}

// Parameters returns the encoder's trainable tensors.
func (e *BaselineQuestionEncoder) Parameters() []*Tensor {
	params := e.emb.Parameters()
	return append(params, e.lstm.Parameters()...)
}

// ===========================================================================
// HIERARCHICAL: word, phrase, and sentence level encodings
// ===========================================================================

// QuestionLevels bundles the three encodings of one question, each an
// (L, dim) matrix. The struct is a plain value: levels are built once per
// forward pass and never mutated afterwards.
type QuestionLevels struct {
	Word     *Tensor
	Phrase   *Tensor
	Sentence *Tensor
	Length   int
}

// HierarchicalQuestionEncoder produces the three-level question hierarchy:
// word embeddings, phrase features from 1/2/3-gram convolutions combined by
// a per-position max, and sentence features from an LSTM over the phrases.
type HierarchicalQuestionEncoder struct {
	emb   *Embedding
	convs [3]*Conv1D // window sizes 1, 2, 3
	lstm  *LSTM
	dim   int
}

// NewHierarchicalQuestionEncoder creates the encoder. All three levels share
// the same feature dimension so the co-attention weights apply to each.
func NewHierarchicalQuestionEncoder(vocabSize, dim int) *HierarchicalQuestionEncoder {
	e := &HierarchicalQuestionEncoder{
		emb:  NewEmbedding(vocabSize, dim),
		lstm: NewLSTM(dim, dim),
		dim:  dim,
	}
	for w := 0; w < 3; w++ {
		e.convs[w] = NewConv1D(w+1, dim, dim)
	}
	return e
}

// HierarchicalQuestionCache holds the activations for the backward pass.
type HierarchicalQuestionCache struct {
	ids        []int
	length     int
	convCaches [3]*Conv1DCache
	winners    []int // per element: which window's feature won the max
	lstmCache  *LSTMCache
}

// ForwardWithCache encodes the question at all three levels.
func (e *HierarchicalQuestionEncoder) ForwardWithCache(ids []int, length int) (QuestionLevels, *HierarchicalQuestionCache) {
	word := e.emb.Forward(ids)

	cache := &HierarchicalQuestionCache{ids: ids, length: length}

	var convOuts [3]*Tensor
	for w := 0; w < 3; w++ {
		convOuts[w], cache.convCaches[w] = e.convs[w].ForwardWithCache(word)
	}

	// Phrase feature: element-wise max across the three window sizes,
	// remembering the winner for the backward pass.
	phrase := NewTensor(word.shape...)
	cache.winners = make([]int, phrase.Size())
	for i := range phrase.data {
		best, bestVal := 0, convOuts[0].data[i]
		for w := 1; w < 3; w++ {
			if convOuts[w].data[i] > bestVal {
				best, bestVal = w, convOuts[w].data[i]
			}
		}
		phrase.data[i] = bestVal
		cache.winners[i] = best
	}

	sentence, lc := e.lstm.ForwardWithCache(phrase, length)
	cache.lstmCache = lc

	levels := QuestionLevels{Word: word, Phrase: phrase, Sentence: sentence, Length: length}
	return levels, cache
}

// Backward propagates the per-level gradients back into the shared
// parameters. Each argument is (L, dim); the word embeddings receive
// gradient from all three paths.
func (e *HierarchicalQuestionEncoder) Backward(gradWord, gradPhrase, gradSentence *Tensor, cache *HierarchicalQuestionCache) {
	// Sentence gradient flows through the LSTM into the phrase features.
	gradPhraseTotal := Add(gradPhrase, e.lstm.Backward(gradSentence, cache.lstmCache))

	// Route each phrase gradient element to the winning convolution.
	gradWordTotal := gradWord.Clone()
	for w := 0; w < 3; w++ {
		gradConv := NewTensor(gradPhraseTotal.shape...)
		any := false
		for i, win := range cache.winners {
			if win == w {
				gradConv.data[i] = gradPhraseTotal.data[i]
				any = true
			}
		}
		if !any {
			continue
		}
		gradWordTotal = Add(gradWordTotal, e.convs[w].Backward(gradConv, cache.convCaches[w]))
	}

	e.emb.Backward(cache.ids, gradWordTotal)
}

// Parameters returns the encoder's trainable tensors.
func (e *HierarchicalQuestionEncoder) Parameters() []*Tensor {
	params := e.emb.Parameters()
	for _, c := range e.convs {
		params = append(params, c.Parameters()...)
	}
	return append(params, e.lstm.Parameters()...)
}
