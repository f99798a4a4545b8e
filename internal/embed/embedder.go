// Package embed provides BGE-small-en-v1.5 text embedding via a pooled
// ONNX Runtime session, a dynamic-batching request processor, and a
// bounded tokenizer cache, wired into one embedding provider. Vectors
// are L2-normalized so dot product equals cosine similarity.
package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// MaxSeqLen caps token length per input; BGE-small supports up to 512
	// but 256 quarters the attention matrix cost (O(seqLen²)) and covers
	// ~200-word chunks, the common case for indexed code windows.
	MaxSeqLen = 256
	// EmbeddingDim is BGE-small-en-v1.5's expected pooled-output width.
	// Provider construction does not compare against it: the provider's
	// Dimension is whatever width the loaded model returns for a probe.
	EmbeddingDim = 384

	// BGEQueryPrefix is prepended to queries (not documents) for
	// asymmetric retrieval, per the BGE-small-en-v1.5 model card.
	BGEQueryPrefix = "Represent this sentence for searching relevant passages: "

	// ModelTag identifies this embedding model+revision for the embedding
	// cache's model-tag invalidation check.
	ModelTag = "bge-small-en-v1.5"
)

// Provider is sift's embedding provider: tokenizer cache + batch
// processor + session pool, composed behind a dimension/embed/embed_batch
// contract.
type Provider struct {
	pool      *SessionPool
	batch     *BatchProcessor
	tokCache  *TokenizerCache
	tokenizer *tokenizers.Tokenizer
	dimension int
}

// Config bundles the knobs New callers may want without constructing
// PoolConfig/BatchConfig by hand.
type Config struct {
	Pool  PoolConfig
	Batch BatchConfig
	// TokenCacheSize bounds the tokenizer LRU; 0 uses the package default.
	TokenCacheSize int
}

// DefaultConfig returns sensible single-machine defaults.
func DefaultConfig(numThreads int) Config {
	pool := DefaultPoolConfig()
	if numThreads > 0 {
		pool.IntraOpThreads = numThreads
	} else {
		n := runtime.NumCPU()
		if n > 4 {
			n = 4
		}
		pool.IntraOpThreads = n
	}
	return Config{Pool: pool, Batch: DefaultBatchConfig()}
}

// New loads the ONNX model and tokenizer from modelDir (expects
// model.onnx and tokenizer.json) with default pool/batch configuration.
// ortLibPath points at onnxruntime's shared library; "" uses the system
// default. numThreads <= 0 means auto (min(NumCPU, 4)).
func New(modelDir, ortLibPath string, numThreads int) (*Provider, error) {
	return NewWithConfig(modelDir, ortLibPath, DefaultConfig(numThreads))
}

// NewWithConfig is New with full control over pool and batch behavior.
func NewWithConfig(modelDir, ortLibPath string, cfg Config) (*Provider, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model not found at %s — run `make download-model` first", modelPath)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found at %s — run `make download-model` first", tokenPath)
	}

	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	tok, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	pool, err := NewSessionPool(modelPath, inputNames, outputNames, cfg.Pool)
	if err != nil {
		tok.Close()
		return nil, fmt.Errorf("session pool: %w", err)
	}

	tokCache, err := NewTokenizerCache(tok, MaxSeqLen, cfg.TokenCacheSize)
	if err != nil {
		pool.Close()
		tok.Close()
		return nil, fmt.Errorf("tokenizer cache: %w", err)
	}

	p := &Provider{
		pool:      pool,
		tokCache:  tokCache,
		tokenizer: tok,
		dimension: EmbeddingDim,
	}

	// Probe the loaded model's declared pooled-output width with a
	// short probe request rather than trusting the EmbeddingDim constant,
	// so a swapped model.onnx with a different hidden size is caught at
	// construction, not mid-index.
	p.batch = NewBatchProcessor(pool, tokCache, 0, cfg.Batch)
	probe, err := p.batch.Submit(context.Background(), "dimension probe")
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("probe model dimension: %w", err)
	}
	p.dimension = len(probe)
	p.batch.Close()
	p.batch = NewBatchProcessor(pool, tokCache, p.dimension, cfg.Batch)

	return p, nil
}

// Dimension returns the provider's embedding width, discovered from the
// loaded model at construction.
func (p *Provider) Dimension() int { return p.dimension }

// ModelTag identifies this provider's model+revision for the embedding
// cache's model-tag invalidation check.
func (p *Provider) ModelTag() string { return ModelTag }

// AcceptedExecutionProvider reports which execution provider the
// underlying session pool actually accepted.
func (p *Provider) AcceptedExecutionProvider() ExecutionProvider { return p.pool.AcceptedProvider() }

// Close releases the batch processor, session pool, and tokenizer.
func (p *Provider) Close() {
	if p.batch != nil {
		p.batch.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
	if p.tokenizer != nil {
		p.tokenizer.Close()
	}
}

// Embed embeds a batch of document texts (no instruction prefix), one
// goroutine per text submitted to the shared batch processor so the
// processor can actually observe many in-flight requests to batch
// together. Result order always matches input order.
func (p *Provider) Embed(texts []string) ([][]float32, error) {
	return p.EmbedCtx(context.Background(), texts)
}

// EmbedCtx is Embed with caller-supplied cancellation/deadline.
func (p *Provider) EmbedCtx(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	done := make(chan int, len(texts))
	for i, t := range texts {
		i, t := i, t
		go func() {
			vec, err := p.batch.Submit(ctx, t)
			results[i] = vec
			errs[i] = err
			done <- i
		}()
	}
	for range texts {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// EmbedQuery embeds a single query string with the BGE asymmetric-search
// instruction prefix. Always use this for search queries, never for
// document chunks.
func (p *Provider) EmbedQuery(query string) ([]float32, error) {
	return p.EmbedQueryCtx(context.Background(), query)
}

// EmbedQueryCtx is EmbedQuery with caller-supplied cancellation/deadline.
func (p *Provider) EmbedQueryCtx(ctx context.Context, query string) ([]float32, error) {
	vec, err := p.batch.Submit(ctx, BGEQueryPrefix+query)
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// BenchmarkSingle embeds a single short text bypassing the batch
// processor (so timing reflects raw tokenize+inference cost, not queueing
// delay) and returns phase timings for the `sift bench` command.
func (p *Provider) BenchmarkSingle(text string) (tokenize, inference, total time.Duration, err error) {
	t0 := time.Now()
	ids, mask := p.tokCache.Encode(text)
	tokenize = time.Since(t0)
	if len(ids) == 0 {
		return 0, 0, 0, fmt.Errorf("empty tokenization")
	}

	flatType := make([]int64, len(ids))
	shape := ort.NewShape(1, int64(len(ids)))
	idsT, e2 := ort.NewTensor(shape, ids)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer idsT.Destroy()
	maskT, e2 := ort.NewTensor(shape, mask)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer maskT.Destroy()
	typT, e2 := ort.NewTensor(shape, flatType)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer typT.Destroy()

	s, err := p.pool.Get(context.Background())
	if err != nil {
		return 0, 0, 0, err
	}
	defer p.pool.Return(s)

	t1 := time.Now()
	outputs := []ort.Value{nil}
	if e2 := s.session.Run([]ort.Value{idsT, maskT, typT}, outputs); e2 != nil {
		return 0, 0, 0, e2
	}
	if outputs[0] != nil {
		outputs[0].Destroy()
	}
	inference = time.Since(t1)
	total = time.Since(t0)
	return tokenize, inference, total, nil
}

// l2Normalize normalizes v in-place to unit length.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
