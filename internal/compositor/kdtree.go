package compositor

import (
	"sort"

	v3 "github.com/deadsy/sdfx/vec/v3"

	"github.com/Yeicor/pvrender/internal/render"
)

// KdTree partitions the ranks of a parallel group by the bounds of the data
// each one renders. It gives the order in which their images must be blended.
type KdTree struct {
	root  *kdNode
	empty []int // ranks without data, always last
}

type kdNode struct {
	axis        int
	split       float64
	left, right *kdNode
	rank        int
}

// BuildKdTree builds the tree from the bounds of every rank, indexed by rank.
func BuildKdTree(bounds []render.Bounds) *KdTree {
	t := &KdTree{}
	var ranks []int
	for r, b := range bounds {
		if b.Valid() {
			ranks = append(ranks, r)
		} else {
			t.empty = append(t.empty, r)
		}
	}
	t.root = buildKdNode(ranks, bounds)
	return t
}

func buildKdNode(ranks []int, bounds []render.Bounds) *kdNode {
	switch len(ranks) {
	case 0:
		return nil
	case 1:
		return &kdNode{rank: ranks[0]}
	}
	all := render.EmptyBounds()
	for _, r := range ranks {
		all = all.Merge(bounds[r])
	}
	axis := 0
	for i := 1; i < 3; i++ {
		if all[2*i+1]-all[2*i] > all[2*axis+1]-all[2*axis] {
			axis = i
		}
	}
	center := func(r int) float64 { return (bounds[r][2*axis] + bounds[r][2*axis+1]) / 2 }
	sorted := append([]int(nil), ranks...)
	sort.SliceStable(sorted, func(i, j int) bool { return center(sorted[i]) < center(sorted[j]) })
	mid := len(sorted) / 2
	return &kdNode{
		axis:  axis,
		split: (center(sorted[mid-1]) + center(sorted[mid])) / 2,
		left:  buildKdNode(sorted[:mid], bounds),
		right: buildKdNode(sorted[mid:], bounds),
	}
}

// VisibilityOrder lists every rank from the nearest to the farthest as seen
// from eye.
func (t *KdTree) VisibilityOrder(eye v3.Vec) []int {
	var res []int
	var visit func(n *kdNode)
	visit = func(n *kdNode) {
		if n == nil {
			return
		}
		if n.left == nil && n.right == nil {
			res = append(res, n.rank)
			return
		}
		coord := [3]float64{eye.X, eye.Y, eye.Z}[n.axis]
		if coord < n.split {
			visit(n.left)
			visit(n.right)
		} else {
			visit(n.right)
			visit(n.left)
		}
	}
	visit(t.root)
	return append(res, t.empty...)
}

// Owner returns the rank whose region contains p, or -1 for an empty tree.
func (t *KdTree) Owner(p v3.Vec) int {
	n := t.root
	if n == nil {
		return -1
	}
	for n.left != nil || n.right != nil {
		if [3]float64{p.X, p.Y, p.Z}[n.axis] < n.split {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.rank
}
