package main

// BaselineModel is the classic CNN+LSTM architecture: the pooled image
// embedding and the final LSTM hidden state are projected into a shared
// joint space, fused by element-wise multiplication, and classified.
type BaselineModel struct {
	cfg ModelConfig

	cnn     *ImageEncoder
	imgProj *Linear // cnn channels -> joint
	qenc    *BaselineQuestionEncoder
	qProj   *Linear // hidden -> joint
	drop    *Dropout
	head    *ClassifierHead
}

// NewBaselineModel builds the baseline architecture from a validated config.
func NewBaselineModel(cfg ModelConfig) *BaselineModel {
	cnn := NewImageEncoder(cfg.Channels, cfg.TrainCNN)
	return &BaselineModel{
		cfg:     cfg,
		cnn:     cnn,
		imgProj: NewLinear(cnn.OutChannels(), cfg.JointDim),
		qenc:    NewBaselineQuestionEncoder(cfg.VocabSize, cfg.WordEmbDim, cfg.HiddenDim),
		qProj:   NewLinear(cfg.HiddenDim, cfg.JointDim),
		drop:    NewDropout(cfg.Dropout),
		head:    NewClassifierHead(cfg.JointDim, cfg.MLPDim, cfg.NumClasses, cfg.Dropout),
	}
}

// baselineCache holds one sample's forward activations.
type baselineCache struct {
	features  *Tensor
	cnnCache  *ImageEncoderCache
	imgCache  *LinearCache
	imgEmb    *Tensor // tanh output
	qCache    *BaselineQuestionCache
	qProjC    *LinearCache
	qEmb      *Tensor // tanh output
	dropMask  *Tensor
	headCache *ClassifierCache
}

// ForwardWithCache computes logits for one sample.
func (m *BaselineModel) ForwardWithCache(img *Tensor, question []int, length int) (*Tensor, interface{}) {
	cache := &baselineCache{}

	cache.features, cache.cnnCache = m.cnn.ForwardWithCache(img)
	pooled := m.cnn.Pooled(cache.features)

	var imgPre *Tensor
	imgPre, cache.imgCache = m.imgProj.ForwardWithCache(pooled)
	cache.imgEmb = Tanh(imgPre)

	var qFinal *Tensor
	qFinal, cache.qCache = m.qenc.ForwardWithCache(question, length)

	var qPre *Tensor
	qPre, cache.qProjC = m.qProj.ForwardWithCache(qFinal)
	cache.qEmb = Tanh(qPre)

	// Joint embedding: element-wise product of the two modalities.
	joint := Mul(cache.imgEmb, cache.qEmb)
	joint, cache.dropMask = m.drop.ForwardWithCache(joint)

	logits, hc := m.head.ForwardWithCache(joint)
	cache.headCache = hc
	return logits, cache
}

// Forward computes logits without retaining activations.
func (m *BaselineModel) Forward(img *Tensor, question []int, length int) *Tensor {
	logits, _ := m.ForwardWithCache(img, question, length)
	return logits
}

// Backward accumulates parameter gradients for one sample.
func (m *BaselineModel) Backward(gradLogits *Tensor, cacheI interface{}) {
	cache := cacheI.(*baselineCache)

	gradJoint := m.head.Backward(gradLogits, cache.headCache)
	gradJoint = m.drop.Backward(gradJoint, cache.dropMask)

	// Product rule: each factor's gradient is the output gradient times
	// the other factor.
	gradImgEmb := Mul(gradJoint, cache.qEmb)
	gradQEmb := Mul(gradJoint, cache.imgEmb)

	gradPooled := m.imgProj.Backward(TanhBackward(cache.imgEmb, gradImgEmb), cache.imgCache)
	if m.cnn.Trainable() {
		m.cnn.Backward(m.cnn.PooledBackward(gradPooled, cache.features), cache.cnnCache)
	}

	gradQFinal := m.qProj.Backward(TanhBackward(cache.qEmb, gradQEmb), cache.qProjC)
	m.qenc.Backward(gradQFinal, cache.qCache)
}

// Parameters returns every parameter in checkpoint order.
func (m *BaselineModel) Parameters() []*Tensor {
	var params []*Tensor
	params = append(params, m.cnn.Parameters()...)
	params = append(params, m.imgProj.Parameters()...)
	params = append(params, m.qenc.Parameters()...)
	params = append(params, m.qProj.Parameters()...)
	params = append(params, m.head.Parameters()...)
	return params
}

// TrainableParameters excludes the backbone when it is frozen.
func (m *BaselineModel) TrainableParameters() []*Tensor {
	var params []*Tensor
	if m.cnn.Trainable() {
		params = append(params, m.cnn.Parameters()...)
	}
	params = append(params, m.imgProj.Parameters()...)
	params = append(params, m.qenc.Parameters()...)
	params = append(params, m.qProj.Parameters()...)
	params = append(params, m.head.Parameters()...)
	return params
}

// Config returns the architecture description.
func (m *BaselineModel) Config() ModelConfig { return m.cfg }

// SetTraining toggles dropout behavior.
func (m *BaselineModel) SetTraining(training bool) {
	m.drop.SetTraining(training)
	m.head.SetTraining(training)
}
