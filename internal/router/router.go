// Package router computes all-pairs shortest paths over a weighted adjacency
// matrix with Floyd–Warshall, tracking the first hop of every route.
//
// The full O(n³) pass is rerun from scratch whenever the graph changes. This
// keeps the router stateless between ticks; it is the first thing to revisit
// if node counts grow enough to threaten the tick budget.
package router

import (
	"math"
	"sync"
)

// NotComputed is the NextHop value before Recompute has run.
const NotComputed = -1

// parallelThreshold is the node count below which WithWorkers is ignored;
// per-phase goroutine startup dominates on small graphs.
const parallelThreshold = 64

// Option configures a Router.
type Option func(*Router)

// WithWorkers splits the rows of every Floyd–Warshall phase across n
// goroutines. Results are identical to the sequential pass.
func WithWorkers(n int) Option {
	return func(r *Router) { r.workers = n }
}

// Router owns private copies of an adjacency list and matrix and the routing
// table derived from them. A Router is not safe for concurrent use.
type Router struct {
	n       int
	workers int

	list   [][]int
	matrix [][]float64

	dist     [][]float64
	next     [][]int
	computed bool
}

// New validates and copies the adjacency structures. The router starts in
// the constructed state; call Recompute before querying.
func New(list [][]int, matrix [][]float64, opts ...Option) (*Router, error) {
	if err := validate(list, matrix); err != nil {
		return nil, err
	}
	r := &Router{n: len(matrix), workers: 1}
	for _, opt := range opts {
		opt(r)
	}
	r.install(list, matrix)
	return r, nil
}

// ReplaceGraph swaps in a new graph with the same node count and discards
// the routing table.
func (r *Router) ReplaceGraph(list [][]int, matrix [][]float64) error {
	if len(matrix) != r.n {
		return shapeErrorf("node count changed from %d to %d", r.n, len(matrix))
	}
	if err := validate(list, matrix); err != nil {
		return err
	}
	r.install(list, matrix)
	return nil
}

func validate(list [][]int, matrix [][]float64) error {
	n := len(matrix)
	if len(list) != n {
		return shapeErrorf("adjacency list has %d rows, matrix has %d", len(list), n)
	}
	for i, row := range matrix {
		if len(row) != n {
			return shapeErrorf("matrix row %d has %d columns, want %d", i, len(row), n)
		}
		for j, w := range row {
			if math.IsNaN(w) || w < 0 {
				return shapeErrorf("matrix[%d][%d] = %v, weights must be non-negative", i, j, w)
			}
			if i == j && w != 0 {
				return shapeErrorf("matrix[%d][%d] = %v, diagonal must be zero", i, j, w)
			}
		}
	}
	for i, row := range list {
		for _, j := range row {
			if j < 0 || j >= n {
				return shapeErrorf("adjacency list row %d references node %d of %d", i, j, n)
			}
			if math.IsInf(matrix[i][j], 1) {
				return shapeErrorf("adjacency list has edge %d-%d with infinite weight", i, j)
			}
		}
	}
	// Every finite off-diagonal weight must be a listed edge, or Distance
	// would hold a value with no next hop to realize it.
	listed := make([]bool, n)
	for i, row := range matrix {
		clear(listed)
		for _, j := range list[i] {
			listed[j] = true
		}
		for j, w := range row {
			if i != j && !math.IsInf(w, 1) && !listed[j] {
				return shapeErrorf("matrix edge %d-%d (weight %v) is missing from the adjacency list", i, j, w)
			}
		}
	}
	return nil
}

func (r *Router) install(list [][]int, matrix [][]float64) {
	r.list = make([][]int, r.n)
	for i, row := range list {
		r.list[i] = append([]int(nil), row...)
	}
	r.matrix = make([][]float64, r.n)
	for i, row := range matrix {
		r.matrix[i] = append([]float64(nil), row...)
	}

	r.dist = make([][]float64, r.n)
	r.next = make([][]int, r.n)
	for i := range r.next {
		r.dist[i] = make([]float64, r.n)
		r.next[i] = make([]int, r.n)
		for j := range r.next[i] {
			r.dist[i][j] = math.Inf(1)
			r.next[i][j] = NotComputed
		}
	}
	r.computed = false
}

// Recompute runs Floyd–Warshall over the current graph.
func (r *Router) Recompute() {
	for i := range r.dist {
		copy(r.dist[i], r.matrix[i])
		for j := range r.next[i] {
			r.next[i][j] = NotComputed
		}
		r.next[i][i] = i
		for _, j := range r.list[i] {
			r.next[i][j] = j
		}
	}

	workers := r.workers
	if r.n < parallelThreshold || workers < 2 {
		workers = 1
	}
	for k := 0; k < r.n; k++ {
		if workers == 1 {
			r.relaxRows(k, 0, r.n)
			continue
		}
		// Row k and column k do not change during phase k, so rows are
		// independent.
		chunk := (r.n + workers - 1) / workers
		var wg sync.WaitGroup
		for lo := 0; lo < r.n; lo += chunk {
			hi := min(lo+chunk, r.n)
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				r.relaxRows(k, lo, hi)
			}(lo, hi)
		}
		wg.Wait()
	}
	r.computed = true
}

// relaxRows performs phase k of Floyd–Warshall for rows [lo, hi).
func (r *Router) relaxRows(k, lo, hi int) {
	distK := r.dist[k]
	for i := lo; i < hi; i++ {
		dik := r.dist[i][k]
		if math.IsInf(dik, 1) {
			continue
		}
		di := r.dist[i]
		ni := r.next[i]
		for j, dkj := range distK {
			if d := dik + dkj; d < di[j] {
				di[j] = d
				ni[j] = ni[k]
			}
		}
	}
}

// NodeCount returns the fixed node count.
func (r *Router) NodeCount() int { return r.n }

// Computed reports whether the routing table reflects the current graph.
func (r *Router) Computed() bool { return r.computed }

func (r *Router) check(src, dst int) error {
	if src < 0 || src >= r.n || dst < 0 || dst >= r.n {
		return ErrIndexOutOfRange
	}
	if !r.computed {
		return ErrNotComputed
	}
	return nil
}

// NextHop returns the first node on the shortest route from src to dst:
// src itself when src == dst, and NotComputed when dst is unreachable or the
// table has not been computed.
func (r *Router) NextHop(src, dst int) (int, error) {
	if err := r.check(src, dst); err != nil {
		return NotComputed, err
	}
	return r.next[src][dst], nil
}

// Distance returns the cumulative delay of the shortest route, +Inf when dst
// is unreachable.
func (r *Router) Distance(src, dst int) (float64, error) {
	if err := r.check(src, dst); err != nil {
		return math.Inf(1), err
	}
	return r.dist[src][dst], nil
}

// Path returns the nodes of the shortest route from src to dst, both ends
// included.
func (r *Router) Path(src, dst int) ([]int, error) {
	if err := r.check(src, dst); err != nil {
		return nil, err
	}
	if math.IsInf(r.dist[src][dst], 1) {
		return nil, &UnreachableError{Src: src, Dst: dst}
	}

	path := []int{src}
	for cur := src; cur != dst; {
		cur = r.next[cur][dst]
		if cur == NotComputed || len(path) >= r.n {
			// Only reachable with an inconsistent table.
			return nil, &UnreachableError{Src: src, Dst: dst}
		}
		path = append(path, cur)
	}
	return path, nil
}

// PathsFrom returns the route from src to every reachable node, keyed by
// destination.
func (r *Router) PathsFrom(src int) (map[int][]int, error) {
	if err := r.check(src, src); err != nil {
		return nil, err
	}
	paths := make(map[int][]int, r.n)
	for dst := 0; dst < r.n; dst++ {
		if math.IsInf(r.dist[src][dst], 1) {
			continue
		}
		p, err := r.Path(src, dst)
		if err != nil {
			return nil, err
		}
		paths[dst] = p
	}
	return paths, nil
}

// DistancesFrom returns a copy of the distance row of src.
func (r *Router) DistancesFrom(src int) ([]float64, error) {
	if err := r.check(src, src); err != nil {
		return nil, err
	}
	return append([]float64(nil), r.dist[src]...), nil
}

// NextHopsFrom returns a copy of the next-hop row of src.
func (r *Router) NextHopsFrom(src int) ([]int, error) {
	if err := r.check(src, src); err != nil {
		return nil, err
	}
	return append([]int(nil), r.next[src]...), nil
}
