package main

// CoAttentionModel is the hierarchical co-attention architecture: the
// question is encoded at word, phrase, and sentence level, each level
// co-attends with the image region grid, and the attended summaries are
// fused recursively from word up to sentence before classification.
type CoAttentionModel struct {
	cfg ModelConfig

	cnn        *ImageEncoder
	regionProj *Linear // cnn channels -> hidden
	qenc       *HierarchicalQuestionEncoder

	attWord     *CoAttention
	attPhrase   *CoAttention
	attSentence *CoAttention

	// Recursive fusion: h_w from the word summaries alone, h_p and h_s
	// each from their level's summaries concatenated with the level below.
	fuseWord     *Linear // hidden -> hidden
	fusePhrase   *Linear // 2*hidden -> hidden
	fuseSentence *Linear // 2*hidden -> hidden

	drop *Dropout
	head *ClassifierHead
}

// NewCoAttentionModel builds the attention architecture from a validated
// config. All three question levels share the hidden dimension so one
// region projection serves every level.
func NewCoAttentionModel(cfg ModelConfig) *CoAttentionModel {
	cnn := NewImageEncoder(cfg.Channels, cfg.TrainCNN)
	d := cfg.HiddenDim
	return &CoAttentionModel{
		cfg:          cfg,
		cnn:          cnn,
		regionProj:   NewLinear(cnn.OutChannels(), d),
		qenc:         NewHierarchicalQuestionEncoder(cfg.VocabSize, d),
		attWord:      NewCoAttention(d, cfg.AttnDim),
		attPhrase:    NewCoAttention(d, cfg.AttnDim),
		attSentence:  NewCoAttention(d, cfg.AttnDim),
		fuseWord:     NewLinear(d, d),
		fusePhrase:   NewLinear(2*d, d),
		fuseSentence: NewLinear(2*d, d),
		drop:         NewDropout(cfg.Dropout),
		head:         NewClassifierHead(d, cfg.MLPDim, cfg.NumClasses, cfg.Dropout),
	}
}

// coattentionCache holds one sample's forward activations.
type coattentionCache struct {
	features *Tensor
	cnnCache *ImageEncoderCache
	regCache *LinearCache
	regions  *Tensor // tanh-projected region matrix V

	qCache *HierarchicalQuestionCache
	levels QuestionLevels

	attCaches [3]*CoAttentionCache // word, phrase, sentence

	fuseCaches [3]*LinearCache
	hW, hP, hS *Tensor // tanh outputs

	dropMask  *Tensor
	headCache *ClassifierCache
}

// ForwardWithCache computes logits for one sample.
func (m *CoAttentionModel) ForwardWithCache(img *Tensor, question []int, length int) (*Tensor, interface{}) {
	cache := &coattentionCache{}

	cache.features, cache.cnnCache = m.cnn.ForwardWithCache(img)
	raw := m.cnn.Regions(cache.features)

	var regPre *Tensor
	regPre, cache.regCache = m.regionProj.ForwardWithCache(raw)
	cache.regions = Tanh(regPre)

	cache.levels, cache.qCache = m.qenc.ForwardWithCache(question, length)

	vW, qW, cW := m.attWord.ForwardWithCache(cache.levels.Word, cache.regions, length)
	vP, qP, cP := m.attPhrase.ForwardWithCache(cache.levels.Phrase, cache.regions, length)
	vS, qS, cS := m.attSentence.ForwardWithCache(cache.levels.Sentence, cache.regions, length)
	cache.attCaches = [3]*CoAttentionCache{cW, cP, cS}

	var pre *Tensor
	pre, cache.fuseCaches[0] = m.fuseWord.ForwardWithCache(Add(qW, vW))
	cache.hW = Tanh(pre)

	pre, cache.fuseCaches[1] = m.fusePhrase.ForwardWithCache(ConcatRows(Add(qP, vP), cache.hW))
	cache.hP = Tanh(pre)

	pre, cache.fuseCaches[2] = m.fuseSentence.ForwardWithCache(ConcatRows(Add(qS, vS), cache.hP))
	cache.hS = Tanh(pre)

	joint, mask := m.drop.ForwardWithCache(cache.hS)
	cache.dropMask = mask

	logits, hc := m.head.ForwardWithCache(joint)
	cache.headCache = hc
	return logits, cache
}

// Forward computes logits without retaining activations.
func (m *CoAttentionModel) Forward(img *Tensor, question []int, length int) *Tensor {
	logits, _ := m.ForwardWithCache(img, question, length)
	return logits
}

// Backward accumulates parameter gradients for one sample. The region
// matrix feeds all three attention levels, so its gradient is the sum of
// the three per-level contributions.
func (m *CoAttentionModel) Backward(gradLogits *Tensor, cacheI interface{}) {
	cache := cacheI.(*coattentionCache)
	d := m.cfg.HiddenDim

	gradHS := m.head.Backward(gradLogits, cache.headCache)
	gradHS = m.drop.Backward(gradHS, cache.dropMask)

	// Sentence fusion.
	gradCat := m.fuseSentence.Backward(TanhBackward(cache.hS, gradHS), cache.fuseCaches[2])
	gradSumS, gradHP := SplitRows(gradCat, d)
	gradQSent, gradVS := m.attSentence.Backward(gradSumS, gradSumS, cache.attCaches[2])

	// Phrase fusion.
	gradCat = m.fusePhrase.Backward(TanhBackward(cache.hP, gradHP), cache.fuseCaches[1])
	gradSumP, gradHW := SplitRows(gradCat, d)
	gradQPhrase, gradVP := m.attPhrase.Backward(gradSumP, gradSumP, cache.attCaches[1])

	// Word fusion.
	gradSumW := m.fuseWord.Backward(TanhBackward(cache.hW, gradHW), cache.fuseCaches[0])
	gradQWord, gradVW := m.attWord.Backward(gradSumW, gradSumW, cache.attCaches[0])

	m.qenc.Backward(gradQWord, gradQPhrase, gradQSent, cache.qCache)

	gradRegions := Add(Add(gradVS, gradVP), gradVW)
	gradRaw := m.regionProj.Backward(TanhBackward(cache.regions, gradRegions), cache.regCache)
	if m.cnn.Trainable() {
		m.cnn.Backward(m.cnn.RegionsBackward(gradRaw, cache.features), cache.cnnCache)
	}
}

// Parameters returns every parameter in checkpoint order.
func (m *CoAttentionModel) Parameters() []*Tensor {
	var params []*Tensor
	params = append(params, m.cnn.Parameters()...)
	params = append(params, m.regionProj.Parameters()...)
	params = append(params, m.qenc.Parameters()...)
	params = append(params, m.attWord.Parameters()...)
	params = append(params, m.attPhrase.Parameters()...)
	params = append(params, m.attSentence.Parameters()...)
	params = append(params, m.fuseWord.Parameters()...)
	params = append(params, m.fusePhrase.Parameters()...)
	params = append(params, m.fuseSentence.Parameters()...)
	params = append(params, m.head.Parameters()...)
	return params
}

// TrainableParameters excludes the backbone when it is frozen.
func (m *CoAttentionModel) TrainableParameters() []*Tensor {
	params := m.Parameters()
	if m.cnn.Trainable() {
		return params
	}
	return params[len(m.cnn.Parameters()):]
}

// Config returns the architecture description.
func (m *CoAttentionModel) Config() ModelConfig { return m.cfg }

// SetTraining toggles dropout behavior.
func (m *CoAttentionModel) SetTraining(training bool) {
	m.drop.SetTraining(training)
	m.head.SetTraining(training)
}
