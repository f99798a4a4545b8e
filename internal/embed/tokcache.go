package embed

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultTokenCacheSize bounds the tokenizer cache's memory footprint —
// each entry is a handful of int64 slices, so even a generous cache stays
// well under a megabyte.
const defaultTokenCacheSize = 4096

// tokenEncoding is what the tokenizer cache memoizes per input text.
type tokenEncoding struct {
	ids  []int64
	mask []int64
}

// TokenizerCache memoizes tokenizer output by a hash of the input text.
// It is process-local and ephemeral — never persisted, since
// re-tokenizing on a cold start is cheap compared to re-embedding.
type TokenizerCache struct {
	mu        sync.Mutex
	tokenizer *tokenizers.Tokenizer
	lru       *lru.Cache[uint64, tokenEncoding]
	maxSeqLen int
}

// NewTokenizerCache wraps tok with a bounded LRU keyed by xxhash(text).
// size <= 0 uses defaultTokenCacheSize.
func NewTokenizerCache(tok *tokenizers.Tokenizer, maxSeqLen, size int) (*TokenizerCache, error) {
	if size <= 0 {
		size = defaultTokenCacheSize
	}
	c, err := lru.New[uint64, tokenEncoding](size)
	if err != nil {
		return nil, err
	}
	return &TokenizerCache{tokenizer: tok, lru: c, maxSeqLen: maxSeqLen}, nil
}

// Encode returns the (possibly cached) token ids and attention mask for
// text, truncated to maxSeqLen. The tokenizer itself is not safe for
// concurrent Encode calls (it shares internal scratch state), so access
// is serialized here — acceptable since tokenization is the cheap half of
// the pipeline relative to ONNX inference.
func (c *TokenizerCache) Encode(text string) (ids, mask []int64) {
	key := xxhash.Sum64String(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.lru.Get(key); ok {
		return enc.ids, enc.mask
	}

	enc := c.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	ids32 := enc.IDs
	if len(ids32) > c.maxSeqLen {
		ids32 = ids32[:c.maxSeqLen]
	}
	idsOut := make([]int64, len(ids32))
	maskOut := make([]int64, len(ids32))
	for i, v := range ids32 {
		idsOut[i] = int64(v)
		maskOut[i] = 1
	}
	if len(enc.AttentionMask) >= len(ids32) {
		for i := range idsOut {
			maskOut[i] = int64(enc.AttentionMask[i])
		}
	}

	c.lru.Add(key, tokenEncoding{ids: idsOut, mask: maskOut})
	return idsOut, maskOut
}

// Len returns the number of cached encodings.
func (c *TokenizerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
