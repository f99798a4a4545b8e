package embed

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// BatchConfig controls how individual embed requests are grouped into
// ONNX inference calls.
type BatchConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
	// DynamicBatching restricts a batch's token-length spread to
	// MaxSeqLengthVariance once the first request sets the anchor length;
	// outlier requests are deferred to the next batch instead of forcing
	// the whole batch to pad to the longest member.
	DynamicBatching      bool
	MaxSeqLengthVariance int
	MaxRetries           int
	BatchTimeout         time.Duration
}

// DefaultBatchConfig bounds batch size, wait time, and retries to values
// tuned for a single-machine CPU inference session.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:         8,
		MaxWaitTime:          20 * time.Millisecond,
		DynamicBatching:      true,
		MaxSeqLengthVariance: 32,
		MaxRetries:           2,
		BatchTimeout:         10 * time.Second,
	}
}

type embedRequest struct {
	text     string
	enc      tokenEncoding
	deadline time.Time // zero means no deadline
	resultCh chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// BatchProcessor queues individual embedding requests and services them
// in length-homogeneous batches against a SessionPool.
type BatchProcessor struct {
	cfg       BatchConfig
	pool      *SessionPool
	tokCache  *TokenizerCache
	dim       int
	queue     chan *embedRequest
	closeCh   chan struct{}
}

// NewBatchProcessor starts the processor's background dispatch loop.
// Close must be called to stop it.
func NewBatchProcessor(pool *SessionPool, tokCache *TokenizerCache, dim int, cfg BatchConfig) *BatchProcessor {
	if cfg.MaxBatchSize <= 0 {
		cfg = DefaultBatchConfig()
	}
	bp := &BatchProcessor{
		cfg:      cfg,
		pool:     pool,
		tokCache: tokCache,
		dim:      dim,
		queue:    make(chan *embedRequest, 4096),
		closeCh:  make(chan struct{}),
	}
	go bp.run()
	return bp
}

// Close stops the dispatch loop. In-flight batches are allowed to finish.
func (bp *BatchProcessor) Close() {
	close(bp.closeCh)
}

// Submit tokenizes text (via the tokenizer cache), enqueues it, and
// blocks until the batch containing it completes or ctx is done. A
// request with a ctx deadline that expires before dispatch is discarded
// and reported as ErrRequestExpired rather than silently dropped.
func (bp *BatchProcessor) Submit(ctx context.Context, text string) ([]float32, error) {
	ids, mask := bp.tokCache.Encode(text)
	if len(ids) == 0 {
		return nil, fmt.Errorf("tokenize %q: empty output", text)
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	req := &embedRequest{
		text:     text,
		enc:      tokenEncoding{ids: ids, mask: mask},
		deadline: deadline,
		resultCh: make(chan embedResult, 1),
	}

	select {
	case bp.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run collects requests into batches and dispatches them. One batch's
// dispatch blocks the next batch's collection, and dispatch runs its
// groups one after another, so this loop holds at most one pooled
// session at a time; it keeps batch composition simple to reason about.
func (bp *BatchProcessor) run() {
	for {
		var first *embedRequest
		select {
		case first = <-bp.queue:
		case <-bp.closeCh:
			return
		}

		batch := []*embedRequest{first}
		timer := time.NewTimer(bp.cfg.MaxWaitTime)

	collect:
		for len(batch) < bp.cfg.MaxBatchSize {
			select {
			case req := <-bp.queue:
				batch = append(batch, req)
			case <-timer.C:
				break collect
			case <-bp.closeCh:
				timer.Stop()
				bp.dispatch(batch)
				return
			}
		}
		timer.Stop()

		bp.dispatch(batch)
	}
}

// dispatch drops expired requests, sorts the rest by token length
// ascending, bands them by sequence-length variance when dynamic
// batching is enabled, and runs each resulting group.
func (bp *BatchProcessor) dispatch(batch []*embedRequest) {
	now := time.Now()
	live := batch[:0]
	for _, r := range batch {
		if !r.deadline.IsZero() && now.After(r.deadline) {
			r.resultCh <- embedResult{err: ErrRequestExpired}
			continue
		}
		live = append(live, r)
	}
	if len(live) == 0 {
		return
	}

	sort.Slice(live, func(i, j int) bool { return len(live[i].enc.ids) < len(live[j].enc.ids) })

	for _, group := range bp.bandByVariance(live) {
		bp.runWithRetry(group)
	}
}

// bandByVariance splits a length-sorted slice into groups where every
// member's token length is within MaxSeqLengthVariance of the group's
// first (shortest) member, the anchor.
func (bp *BatchProcessor) bandByVariance(sorted []*embedRequest) [][]*embedRequest {
	if !bp.cfg.DynamicBatching || len(sorted) <= 1 {
		return [][]*embedRequest{sorted}
	}

	var groups [][]*embedRequest
	start := 0
	anchor := len(sorted[0].enc.ids)
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || len(sorted[i].enc.ids)-anchor > bp.cfg.MaxSeqLengthVariance {
			groups = append(groups, sorted[start:i])
			if i < len(sorted) {
				start = i
				anchor = len(sorted[i].enc.ids)
			}
		}
	}
	return groups
}

// runWithRetry runs one length-homogeneous group through the session
// pool, retrying up to MaxRetries times with exponential backoff
// (2^retry * 10ms) on failure. On final failure every request in the
// group receives the same error — no request is silently dropped.
func (bp *BatchProcessor) runWithRetry(group []*embedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.BatchTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= bp.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(math.Pow(2, float64(attempt))) * 10 * time.Millisecond)
		}

		vecs, err := bp.runOnce(ctx, group)
		if err == nil {
			for i, r := range group {
				r.resultCh <- embedResult{vec: vecs[i]}
			}
			return
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("group_size", len(group)).Msg("batch inference failed, retrying")
	}

	log.Error().Err(lastErr).Int("group_size", len(group)).Msg("batch inference exhausted retries")
	for _, r := range group {
		r.resultCh <- embedResult{err: fmt.Errorf("%w: %v", ErrBatchTimeout, lastErr)}
	}
}

// runOnce checks out a session, builds input tensors for the group's
// (already length-banded) encodings, runs inference, and pools+normalizes
// the output. Vectors are returned in the same order as group.
func (bp *BatchProcessor) runOnce(ctx context.Context, group []*embedRequest) ([][]float32, error) {
	s, err := bp.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer bp.pool.Return(s)

	batchSize := len(group)
	maxLen := 0
	for _, r := range group {
		if len(r.enc.ids) > maxLen {
			maxLen = len(r.enc.ids)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all requests tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, r := range group {
		copy(flatIDs[i*maxLen:], r.enc.ids)
		copy(flatMask[i*maxLen:], r.enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()
	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])
	hiddenDim := int(hiddenTensor.GetShape()[2])
	if bp.dim != 0 && hiddenDim != bp.dim {
		return nil, fmt.Errorf("%w: model emits %d, provider expects %d", ErrDimensionMismatch, hiddenDim, bp.dim)
	}

	vecs := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, hiddenDim)
		base := i * seqLen * hiddenDim
		copy(vec, hidden[base:base+hiddenDim]) // [CLS] token pooling
		l2Normalize(vec)
		vecs[i] = vec
	}
	return vecs, nil
}
