package vectorindex

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

const (
	MaxLevel       = 16
	M              = 16 // Max connections per layer
	M0             = 32 // Max connections for layer 0
	EfConstruction = 64
	EfSearch       = 64
)

type node struct {
	id        int64
	level     int
	vector    []float32
	neighbors [][]int64 // [level][neighbors]
}

// Index is an HNSW graph over cosine distance. Vectors are normalized on
// insert so distance is 1 - dot product.
type Index struct {
	nodes           map[int64]*node
	entryPointID    int64
	maxLevel        int
	currentMaxLevel int
	dim             int
	rng             *rand.Rand
	mu              sync.RWMutex
}

// Result is one neighbor with its cosine distance (0 identical, 2 opposite)
type Result struct {
	ID       int64
	Distance float32
}

// New creates an empty index. seed fixes level assignment for reproducible graphs.
func New(seed int64) *Index {
	return &Index{
		nodes:           make(map[int64]*node),
		maxLevel:        MaxLevel,
		currentMaxLevel: -1,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of indexed vectors
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Dimension returns the vector dimension fixed by the first insert, or 0
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Add inserts a vector. Vectors with a different dimension than the first
// insert, zero vectors, and duplicate ids are ignored; Add reports whether
// the vector was indexed.
func (idx *Index) Add(id int64, vector []float32) bool {
	unit, ok := normalize(vector)
	if !ok {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return false
	}
	if idx.dim == 0 {
		idx.dim = len(unit)
	} else if len(unit) != idx.dim {
		return false
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		level:     level,
		vector:    unit,
		neighbors: make([][]int64, level+1),
	}
	idx.nodes[id] = n

	if idx.currentMaxLevel == -1 {
		idx.entryPointID = id
		idx.currentMaxLevel = level
		return true
	}

	ep := idx.entryPointID

	// descend to the node's level greedily
	for l := idx.currentMaxLevel; l > level; l-- {
		ep, _ = idx.greedy(unit, ep, l)
	}

	for l := min(level, idx.currentMaxLevel); l >= 0; l-- {
		nearest := idx.searchLayer(unit, ep, EfConstruction, l)

		m := M
		if l == 0 {
			m = M0
		}
		if len(nearest) > m {
			nearest = nearest[:m]
		}

		n.neighbors[l] = make([]int64, 0, len(nearest))
		for _, r := range nearest {
			n.neighbors[l] = append(n.neighbors[l], r.ID)
			idx.link(idx.nodes[r.ID], id, l, m)
		}

		if len(nearest) > 0 {
			ep = nearest[0].ID
		}
	}

	if level > idx.currentMaxLevel {
		idx.entryPointID = id
		idx.currentMaxLevel = level
	}
	return true
}

// link adds a back edge from nb to id, pruning nb's list to the m closest
func (idx *Index) link(nb *node, id int64, level, m int) {
	nb.neighbors[level] = append(nb.neighbors[level], id)
	if len(nb.neighbors[level]) <= m {
		return
	}
	scored := make([]Result, len(nb.neighbors[level]))
	for i, nid := range nb.neighbors[level] {
		scored[i] = Result{ID: nid, Distance: distance(nb.vector, idx.nodes[nid].vector)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	kept := nb.neighbors[level][:0]
	for _, r := range scored[:m] {
		kept = append(kept, r.ID)
	}
	nb.neighbors[level] = kept
}

// Search returns up to k approximate nearest neighbors, closest first. ef
// widens the candidate list; values below k are raised to k.
func (idx *Index) Search(query []float32, k, ef int) []Result {
	unit, ok := normalize(query)
	if !ok || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.currentMaxLevel == -1 || len(unit) != idx.dim {
		return nil
	}
	if ef < k {
		ef = k
	}
	if ef < EfSearch {
		ef = EfSearch
	}

	ep := idx.entryPointID
	for l := idx.currentMaxLevel; l > 0; l-- {
		ep, _ = idx.greedy(unit, ep, l)
	}

	results := idx.searchLayer(unit, ep, ef, 0)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// greedy walks to the single nearest node at a level
func (idx *Index) greedy(query []float32, entry int64, level int) (int64, float32) {
	curr := entry
	currDist := distance(query, idx.nodes[curr].vector)

	changed := true
	for changed {
		changed = false
		for _, nid := range idx.nodes[curr].neighbors[level] {
			d := distance(query, idx.nodes[nid].vector)
			if d < currDist {
				currDist = d
				curr = nid
				changed = true
			}
		}
	}
	return curr, currDist
}

// searchLayer finds the ef nearest nodes at a level, sorted by distance
func (idx *Index) searchLayer(query []float32, entry int64, ef int, level int) []Result {
	visited := map[int64]bool{entry: true}
	first := Result{ID: entry, Distance: distance(query, idx.nodes[entry].vector)}
	candidates := []Result{first}
	results := []Result{first}

	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]

		if len(results) >= ef && c.Distance > results[len(results)-1].Distance {
			break
		}

		n := idx.nodes[c.ID]
		if level >= len(n.neighbors) {
			continue
		}
		for _, nid := range n.neighbors[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			d := distance(query, idx.nodes[nid].vector)

			if len(results) < ef || d < results[len(results)-1].Distance {
				r := Result{ID: nid, Distance: d}
				candidates = insertSorted(candidates, r)
				results = insertSorted(results, r)
				if len(results) > ef {
					results = results[:ef]
				}
			}
		}
	}
	return results
}

func insertSorted(list []Result, r Result) []Result {
	i := sort.Search(len(list), func(i int) bool { return list[i].Distance > r.Distance })
	list = append(list, Result{})
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

func (idx *Index) randomLevel() int {
	lvl := 0
	for idx.rng.Float64() < 0.5 && lvl < idx.maxLevel {
		lvl++
	}
	return lvl
}

func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

// distance is the cosine distance of two unit vectors
func distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}
