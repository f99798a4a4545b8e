// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbour search. Vectors are pre-normalized (L2) so
// similarity is computed as a plain dot product, which equals cosine similarity.
//
// Parameters:
//
//	M             = 16   (max neighbours per node per layer, except layer 0 which uses 2*M)
//	efConstruction = 200  (candidate pool size during insertion)
//	efSearch       = 50   (candidate pool size during query)
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tejas242/sift/internal/siftdb"
)

const (
	// DefaultM is the base number of bi-directional connections per node.
	DefaultM = 16
	// DefaultEfConstruction is the size of the dynamic candidate list during build.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the size of the dynamic candidate list during search.
	DefaultEfSearch = 50
	// DefaultRandomSeed seeds the level generator when Config.RandomSeed is 0.
	DefaultRandomSeed = 42
)

// DefaultNumLayers computes a layer cap from a dataset size hint using
// ⌈log2(max(n,2))⌉, always at least 1. Callers rebuilding a graph from a
// known chunk count should pass that count here so the layer cap tracks
// the data instead of staying fixed at whatever it was the last time the
// graph was empty.
func DefaultNumLayers(n int) int {
	if n < 2 {
		n = 2
	}
	layers := int(math.Ceil(math.Log2(float64(n))))
	if layers < 1 {
		layers = 1
	}
	return layers
}

// Config bundles the construction parameters for a Graph. Zero values fall
// back to the Default* constants.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	// NumLayers caps how many layers a node's random level may reach:
	// max_layer(n) < NumLayers for every inserted node. 0 falls back to
	// DefaultNumLayers(2). Changing NumLayers only affects nodes inserted
	// after the change — rebuild to apply it to the whole graph.
	NumLayers int
	// RandomSeed seeds the per-graph level generator. 0 uses
	// DefaultRandomSeed, keeping level draws reproducible across runs
	// that don't ask for a specific seed.
	RandomSeed int64
	// Dimension pins the vector length the graph accepts. 0 means "learn
	// it from the first Insert." Once established, a mismatched
	// Insert/Search returns a *siftdb.Error of KindDimensionMismatch
	// instead of panicking or silently corrupting the graph.
	Dimension int
}

// Result is a single search result.
type Result struct {
	ID    uint32
	Score float32 // cosine similarity in [-1,1]
}

// node is a vertex in the HNSW graph.
type node struct {
	// neighbors[layer] is the list of neighbour IDs at that layer.
	neighbors [][]uint32
	vec       []float32
}

// Graph is the HNSW index.
type Graph struct {
	mu             sync.RWMutex
	nodes          []node
	entryPoint     uint32
	maxLayer       int
	m              int // max connections per layer (Mmax0 = 2*m at layer 0)
	efConstruction int
	efSearch       int
	numLayers      int   // node levels are capped below this
	randomSeed     int64 // seed backing rng, kept for persistence round-trip
	ml             float64 // level generation factor = 1/ln(m)
	rng            *rand.Rand
	dimension      int // 0 until the first Insert fixes it
}

// New creates an empty HNSW graph with the given parameters.
func New(m, efConstruction, efSearch int) *Graph {
	return NewWithConfig(Config{M: m, EfConstruction: efConstruction, EfSearch: efSearch})
}

// NewWithConfig creates an empty HNSW graph from a Config, applying
// defaults for any zero fields.
func NewWithConfig(cfg Config) *Graph {
	m := cfg.M
	if m <= 0 {
		m = DefaultM
	}
	efConstruction := cfg.EfConstruction
	if efConstruction <= 0 {
		efConstruction = DefaultEfConstruction
	}
	efSearch := cfg.EfSearch
	if efSearch <= 0 {
		efSearch = DefaultEfSearch
	}
	numLayers := cfg.NumLayers
	if numLayers <= 0 {
		numLayers = DefaultNumLayers(2)
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = DefaultRandomSeed
	}
	return &Graph{
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		numLayers:      numLayers,
		randomSeed:     seed,
		ml:             1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(seed)),
		dimension:      cfg.Dimension,
	}
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dimension returns the vector length this graph has committed to, or 0 if
// no vector has been inserted yet.
func (g *Graph) Dimension() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dimension
}

// Stats summarizes the current graph for the `sift stats` command and for
// indexer rebuild decisions.
type Stats struct {
	NumNodes  int
	MaxLayer  int
	Dimension int
	M         int
	NumLayers int
}

// Stats returns a snapshot of the graph's size and configuration.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		NumNodes:  len(g.nodes),
		MaxLayer:  g.maxLayer,
		Dimension: g.dimension,
		M:         g.m,
		NumLayers: g.numLayers,
	}
}

// randomLevel draws a random level for a new node using the HNSW
// exponential law, capped below NumLayers: max_layer(n) = min(NumLayers-1,
// draw).
func (g *Graph) randomLevel() int {
	level := int(math.Floor(-math.Log(g.rng.Float64()) * g.ml))
	if maxLevel := g.numLayers - 1; level > maxLevel {
		level = maxLevel
	}
	if level < 0 {
		level = 0
	}
	return level
}

// sim computes dot-product similarity between two pre-normalized vectors.
func sim(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Insert adds a new vector to the graph. The vector must already be L2-normalized.
// Insert is sequential: the new node's id is always len(graph) before the
// call. Returns a *siftdb.Error of KindDimensionMismatch if vec's length
// disagrees with the dimension established by the first insert — the
// caller should treat this as "the index needs a full rebuild," not retry.
func (g *Graph) Insert(vec []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dimension == 0 {
		g.dimension = len(vec)
	} else if len(vec) != g.dimension {
		return siftdb.New(siftdb.KindDimensionMismatch, "hnsw.Insert", "",
			fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), g.dimension))
	}

	id := uint32(len(g.nodes))
	level := g.randomLevel()

	// Allocate neighbors for each layer.
	neighbors := make([][]uint32, level+1)
	for l := 0; l <= level; l++ {
		maxConn := g.m
		if l == 0 {
			maxConn = 2 * g.m
		}
		neighbors[l] = make([]uint32, 0, maxConn)
	}

	g.nodes = append(g.nodes, node{neighbors: neighbors, vec: vec})

	if id == 0 {
		g.entryPoint = 0
		g.maxLayer = level
		return nil
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	// Greedy descent through layers above `level`.
	for lc := epLevel; lc > level; lc-- {
		ep = g.greedySearchLayer(vec, ep, lc)
	}

	// Insert into layers [min(level,epLevel) down to 0].
	for lc := min(level, epLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(vec, ep, g.efConstruction, lc)
		selected := g.selectNeighbours(candidates, g.m, lc)

		// Connect new node to selected neighbours.
		g.nodes[id].neighbors[lc] = selected

		// Connect selected neighbours back to new node (bidirectional).
		for _, nb := range selected {
			g.nodes[nb].neighbors[lc] = append(g.nodes[nb].neighbors[lc], id)
			// Prune if over capacity.
			maxConn := g.m
			if lc == 0 {
				maxConn = 2 * g.m
			}
			if len(g.nodes[nb].neighbors[lc]) > maxConn {
				g.nodes[nb].neighbors[lc] = g.pruneNeighbours(nb, g.nodes[nb].neighbors[lc], maxConn, lc)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].id // closest found at this layer
		}
	}

	if level > epLevel {
		g.entryPoint = id
		g.maxLayer = level
	}
	return nil
}

// Search returns the k nearest neighbours to query (must be L2-normalized),
// using ef as the candidate pool size for this call (ef <= 0 uses the
// graph's configured default). Returns a *siftdb.Error of
// KindDimensionMismatch if query's length disagrees with the graph's
// established dimension.
//
// Descends the upper layers with a layer-local candidate search, then
// gathers a wider pool at the last layer above 0 and fans out up to M
// parallel layer-0 searches from those candidates (each with its own
// ef/P share of the pool), merging and deduplicating the results before
// taking the top k. Ties are broken by lower node id.
func (g *Graph) Search(query []float32, k, ef int) ([]Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return nil, nil
	}
	if g.dimension != 0 && len(query) != g.dimension {
		return nil, siftdb.New(siftdb.KindDimensionMismatch, "hnsw.Search", "",
			fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), g.dimension))
	}
	if ef <= 0 {
		ef = g.efSearch
	}
	if k > ef {
		ef = k
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	// Layer-local candidate search down through the upper layers,
	// carrying the single best candidate forward as the next layer's
	// entry point.
	for lc := epLevel; lc > 1; lc-- {
		found := g.searchLayer(query, ep, ef, lc)
		if len(found) > 0 {
			ep = found[0].id
		}
	}

	// Gather a wider candidate pool at the last layer above 0 to seed
	// the parallel layer-0 fan-out.
	fanoutLayer := 1
	if epLevel < 1 {
		fanoutLayer = 0
	}
	seedEf := ef
	if m2 := 2 * g.m; m2 > seedEf {
		seedEf = m2
	}
	seeds := g.searchLayer(query, ep, seedEf, fanoutLayer)
	if len(seeds) == 0 {
		seeds = []candidate{{id: ep, dist: sim(query, g.nodes[ep].vec)}}
	}

	p := len(seeds)
	if p > g.m {
		p = g.m
	}
	perStartEf := ef / p
	if perStartEf < 1 {
		perStartEf = 1
	}

	partials := make([][]candidate, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for i := 0; i < p; i++ {
		i := i
		go func() {
			defer wg.Done()
			partials[i] = g.searchLayer(query, seeds[i].id, perStartEf, 0)
		}()
	}
	wg.Wait()

	merged := make(map[uint32]float32, p*perStartEf)
	for _, part := range partials {
		for _, c := range part {
			if cur, ok := merged[c.id]; !ok || c.dist > cur {
				merged[c.id] = c.dist
			}
		}
	}

	out := make([]candidate, 0, len(merged))
	for id, dist := range merged {
		out = append(out, candidate{id: id, dist: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist > out[j].dist
		}
		return out[i].id < out[j].id
	})
	if len(out) > k {
		out = out[:k]
	}

	results := make([]Result, len(out))
	for i, c := range out {
		results[i] = Result{ID: c.id, Score: c.dist}
	}
	return results, nil
}

// SearchBatch runs Search for each query concurrently via an errgroup,
// preserving query order in the returned slice. Useful when the retriever
// needs to probe several expanded query variants against the same graph.
func (g *Graph) SearchBatch(queries [][]float32, k, ef int) ([][]Result, error) {
	out := make([][]Result, len(queries))
	var eg errgroup.Group
	for i, q := range queries {
		i, q := i, q
		eg.Go(func() error {
			res, err := g.Search(q, k, ef)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// candidate is a (id, similarity) pair used in priority queues.
type candidate struct {
	id   uint32
	dist float32 // higher = more similar
}

// maxHeap is a max-heap of candidates (highest similarity first).
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// minHeap is a min-heap of candidates (lowest similarity first, for pruning).
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// greedySearchLayer navigates layer lc from ep to find the single closest node.
func (g *Graph) greedySearchLayer(query []float32, ep uint32, lc int) uint32 {
	best := ep
	bestSim := sim(query, g.nodes[ep].vec)

	changed := true
	for changed {
		changed = false
		if lc < len(g.nodes[best].neighbors) {
			for _, nb := range g.nodes[best].neighbors[lc] {
				s := sim(query, g.nodes[nb].vec)
				if s > bestSim {
					bestSim = s
					best = nb
					changed = true
				}
			}
		}
	}
	return best
}

// searchLayer performs the full ef-based beam search at layer lc.
// Returns candidates sorted descending by similarity (index 0 = best).
//
// Algorithm: maintain C (candidates to explore, max-heap) and W (best results, unsorted slice).
// Always expand the most promising candidate from C. Stop when the best
// unexplored candidate is worse than the worst element in W and W is full.
func (g *Graph) searchLayer(query []float32, ep uint32, ef, lc int) []candidate {
	visited := make(map[uint32]bool)
	visited[ep] = true

	epSim := sim(query, g.nodes[ep].vec)

	// C = candidates to explore, max-heap (best unexplored first).
	C := &maxHeap{{id: ep, dist: epSim}}
	heap.Init(C)

	// W = result set, an unsorted slice bounded to ef elements.
	// We track the worst (minimum) similarity in W separately for O(1) access.
	W := []candidate{{id: ep, dist: epSim}}
	worstSim := epSim

	minSimInW := func() float32 {
		m := W[0].dist
		for _, c := range W[1:] {
			if c.dist < m {
				m = c.dist
			}
		}
		return m
	}

	for C.Len() > 0 {
		// Pop best unexplored candidate.
		c := heap.Pop(C).(candidate)

		// Early exit: if the best candidate remaining is worse than our worst result
		// and W is full, we cannot improve — stop.
		if len(W) >= ef && c.dist < worstSim {
			break
		}

		if lc < len(g.nodes[c.id].neighbors) {
			for _, nb := range g.nodes[c.id].neighbors[lc] {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				s := sim(query, g.nodes[nb].vec)

				if len(W) < ef || s > worstSim {
					heap.Push(C, candidate{id: nb, dist: s})
					W = append(W, candidate{id: nb, dist: s})
					if len(W) > ef {
						// Remove the worst element from W (linear scan — ef ≤ 200).
						minIdx := 0
						for i := 1; i < len(W); i++ {
							if W[i].dist < W[minIdx].dist {
								minIdx = i
							}
						}
						W[minIdx] = W[len(W)-1]
						W = W[:len(W)-1]
					}
					worstSim = minSimInW()
				}
			}
		}
	}

	// Sort W descending by similarity.
	for i := 0; i < len(W)-1; i++ {
		for j := i + 1; j < len(W); j++ {
			if W[j].dist > W[i].dist {
				W[i], W[j] = W[j], W[i]
			}
		}
	}
	return W
}

// selectNeighbours picks the best `m` candidates from a sorted list.
func (g *Graph) selectNeighbours(candidates []candidate, m, _ int) []uint32 {
	if len(candidates) <= m {
		ids := make([]uint32, len(candidates))
		for i, c := range candidates {
			ids[i] = c.id
		}
		return ids
	}
	ids := make([]uint32, m)
	for i := 0; i < m; i++ {
		ids[i] = candidates[i].id
	}
	return ids
}

// pruneNeighbours reduces the neighbour list of node `id` to at most `maxConn`
// entries, keeping the ones with highest similarity.
func (g *Graph) pruneNeighbours(id uint32, nbs []uint32, maxConn, _ int) []uint32 {
	type nb struct {
		id   uint32
		dist float32
	}
	scored := make([]nb, len(nbs))
	for i, n := range nbs {
		scored[i] = nb{id: n, dist: sim(g.nodes[id].vec, g.nodes[n].vec)}
	}
	// Sort descending.
	for i := 0; i < len(scored)-1; i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[j].dist > scored[i].dist {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
	if len(scored) > maxConn {
		scored = scored[:maxConn]
	}
	out := make([]uint32, len(scored))
	for i, s := range scored {
		out[i] = s.id
	}
	return out
}
