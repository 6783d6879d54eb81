// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

// An IntervalValue is a value that knows the interval that it spans;
// the interval is inclusive at both ends.
type IntervalValue[K Ordered[K]] interface {
	SpanMin() K
	SpanMax() K
}

type interval[K Ordered[K]] struct {
	Min, Max K
}

// ContainsFn returns whether this interval contains any point matched
// by the given function (the function returning 0 meaning "this is
// the point", <0 meaning "the point is lower", >0 meaning "the point
// is higher").
func (ival interval[K]) ContainsFn(fn func(K) int) bool {
	return fn(ival.Min) >= 0 && fn(ival.Max) <= 0
}

type intervalValue[K Ordered[K], V IntervalValue[K]] struct {
	Val            V
	SpanOfChildren interval[K]
}

func (a intervalValue[K, V]) Compare(b intervalValue[K, V]) int {
	if d := a.Val.SpanMin().Compare(b.Val.SpanMin()); d != 0 {
		return d
	}
	return a.Val.SpanMax().Compare(b.Val.SpanMax())
}

// An IntervalTree is an ordered set of interval-valued items,
// augmented to answer "which items' intervals touch this range"
// queries in O(log n + matches).
type IntervalTree[K Ordered[K], V IntervalValue[K]] struct {
	inner RBTree[intervalValue[K, V]]
}

func (t *IntervalTree[K, V]) init() {
	if t.inner.AttrFn == nil {
		t.inner.AttrFn = t.attrFn
	}
}

func (t *IntervalTree[K, V]) attrFn(node *RBNode[intervalValue[K, V]]) {
	max := node.Value.Val.SpanMax()
	if node.Left != nil && node.Left.Value.SpanOfChildren.Max.Compare(max) > 0 {
		max = node.Left.Value.SpanOfChildren.Max
	}
	if node.Right != nil && node.Right.Value.SpanOfChildren.Max.Compare(max) > 0 {
		max = node.Right.Value.SpanOfChildren.Max
	}
	node.Value.SpanOfChildren.Max = max

	min := node.Value.Val.SpanMin()
	if node.Left != nil && node.Left.Value.SpanOfChildren.Min.Compare(min) < 0 {
		min = node.Left.Value.SpanOfChildren.Min
	}
	if node.Right != nil && node.Right.Value.SpanOfChildren.Min.Compare(min) < 0 {
		min = node.Right.Value.SpanOfChildren.Min
	}
	node.Value.SpanOfChildren.Min = min
}

func (t *IntervalTree[K, V]) Len() int {
	return t.inner.Len()
}

func (t *IntervalTree[K, V]) Insert(val V) {
	t.init()
	newVal := intervalValue[K, V]{Val: val}
	// RBTree.Insert overwrites an equal node's .Value in place,
	// which would clobber the .SpanOfChildren attr; go through
	// Delete first so the attrs stay consistent.
	if exact := t.inner.Search(newVal.Compare); exact != nil {
		t.inner.Delete(exact)
	}
	t.inner.Insert(newVal)
}

func (t *IntervalTree[K, V]) Delete(min, max K) {
	t.init()
	t.inner.Delete(t.inner.Search(func(v intervalValue[K, V]) int {
		if d := min.Compare(v.Val.SpanMin()); d != 0 {
			return d
		}
		return max.Compare(v.Val.SpanMax())
	}))
}

func (t *IntervalTree[K, V]) Equal(u *IntervalTree[K, V]) bool {
	return t.inner.Equal(&u.inner)
}

// Min returns the lowest point spanned by any value in the tree.
func (t *IntervalTree[K, V]) Min() (K, bool) {
	if t.inner.root == nil {
		var zero K
		return zero, false
	}
	return t.inner.root.Value.SpanOfChildren.Min, true
}

// Max returns the highest point spanned by any value in the tree.
func (t *IntervalTree[K, V]) Max() (K, bool) {
	if t.inner.root == nil {
		var zero K
		return zero, false
	}
	return t.inner.root.Value.SpanOfChildren.Max, true
}

// Lookup returns a value spanning the given point.
func (t *IntervalTree[K, V]) Lookup(k K) (V, bool) {
	return t.Search(k.Compare)
}

// Search returns a value spanning a point matched by the given
// function; see interval.ContainsFn for the function's contract.
func (t *IntervalTree[K, V]) Search(fn func(K) int) (V, bool) {
	node := t.inner.root
	for node != nil {
		switch {
		case spanOfValue(node.Value).ContainsFn(fn):
			return node.Value.Val, true
		case node.Left != nil && node.Left.Value.SpanOfChildren.ContainsFn(fn):
			node = node.Left
		case node.Right != nil && node.Right.Value.SpanOfChildren.ContainsFn(fn):
			node = node.Right
		default:
			node = nil
		}
	}
	var zero V
	return zero, false
}

// SearchAll returns all values spanning a point matched by the given
// function, in span order.
func (t *IntervalTree[K, V]) SearchAll(fn func(K) int) []V {
	var ret []V
	t.searchAll(fn, t.inner.root, &ret)
	return ret
}

func (t *IntervalTree[K, V]) searchAll(fn func(K) int, node *RBNode[intervalValue[K, V]], ret *[]V) {
	if node == nil {
		return
	}
	if !node.Value.SpanOfChildren.ContainsFn(fn) {
		return
	}
	t.searchAll(fn, node.Left, ret)
	if spanOfValue(node.Value).ContainsFn(fn) {
		*ret = append(*ret, node.Value.Val)
	}
	t.searchAll(fn, node.Right, ret)
}

// Range calls fn for every value in the tree, in span order, until fn
// returns false.
func (t *IntervalTree[K, V]) Range(fn func(V) bool) {
	t.inner.Range(func(node *RBNode[intervalValue[K, V]]) bool {
		return fn(node.Value.Val)
	})
}

func spanOfValue[K Ordered[K], V IntervalValue[K]](v intervalValue[K, V]) interval[K] {
	return interval[K]{Min: v.Val.SpanMin(), Max: v.Val.SpanMax()}
}
