// Package ptree implements the ordered-key container shared by the
// Listfile Lname index and the UNIQ/KEYWORD bindtable disciplines.
//
// A node holds up to fanout leaves, sorted by key. When a leaf node grows
// past fanout-2 entries it splits: its leaves are bisected at the median
// key into two leaf nodes under an interior parent, and an interior node
// that grows past fanout-2 children splits the same way. Keys are stored
// whole; no shared prefix is stripped from them or recorded on the link.
package ptree

import "sort"

// DefaultFanout matches the source's 24-child node.
const DefaultFanout = 24

// Leaf is a single key/value pair stored in the tree. The Key is never
// copied or mutated by the tree; callers own its lifetime.
type Leaf struct {
	Key   string
	Value any
}

type node struct {
	// prefix is not set by any code path; lookups always use the full key.
	prefix   string
	leaves   []*Leaf // sorted ascending by Key, only set on a leaf node
	children []*node // sorted ascending by first child's min key, only set on an interior node
	isLeaf   bool
}

func newLeafNode() *node {
	return &node{isLeaf: true}
}

// Tree is an ordered map-like container. The zero value is not usable;
// use New.
type Tree struct {
	fanout int
	root   *node
	size   int
}

// New returns an empty tree with the given fanout (DefaultFanout if n<=0).
func New(fanout int) *Tree {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Tree{fanout: fanout, root: newLeafNode()}
}

// Len returns the number of stored entries.
func (t *Tree) Len() int { return t.size }

// Insert adds key/value to the tree. If unique is true and an equal key
// already exists, Insert returns false and leaves the tree unmodified.
func (t *Tree) Insert(key string, value any, unique bool) bool {
	if unique {
		if _, ok := t.Find(key); ok {
			return false
		}
	}

	leaf := t.findLeafNode(key)
	// insert after any equal keys so Find keeps returning the first inserted
	idx := sort.Search(len(leaf.leaves), func(i int) bool { return leaf.leaves[i].Key > key })
	l := &Leaf{Key: key, Value: value}
	leaf.leaves = append(leaf.leaves, nil)
	copy(leaf.leaves[idx+1:], leaf.leaves[idx:])
	leaf.leaves[idx] = l
	t.size++

	if len(leaf.leaves) > t.fanout-2 {
		t.split(leaf)
	}

	return true
}

// Find returns the first leaf whose key equals key.
func (t *Tree) Find(key string) (any, bool) {
	leaf := t.findLeafNode(key)
	idx := sort.Search(len(leaf.leaves), func(i int) bool { return leaf.leaves[i].Key >= key })
	if idx < len(leaf.leaves) && leaf.leaves[idx].Key == key {
		return leaf.leaves[idx].Value, true
	}
	return nil, false
}

// Delete removes the entry whose key and value both match. Returns true
// if an entry was removed.
func (t *Tree) Delete(key string, value any) bool {
	leaf := t.findLeafNode(key)
	for i, l := range leaf.leaves {
		if l.Key == key && l.Value == value {
			leaf.leaves = append(leaf.leaves[:i], leaf.leaves[i+1:]...)
			t.size--
			return true
		}
	}
	return false
}

// findLeafNode descends the tree picking, at each interior node, the
// child whose range covers key.
func (t *Tree) findLeafNode(key string) *node {
	n := t.root
	for !n.isLeaf {
		i := sort.Search(len(n.children), func(i int) bool {
			return childMinKey(n.children[i]) > key
		})
		if i > 0 {
			i--
		}
		n = n.children[i]
	}
	return n
}

func childMinKey(n *node) string {
	if n.isLeaf {
		if len(n.leaves) == 0 {
			return ""
		}
		return n.leaves[0].Key
	}
	if len(n.children) == 0 {
		return ""
	}
	return childMinKey(n.children[0])
}

// split bisects an overfull leaf node into two leaf nodes linked under a
// new (or the existing) interior parent, preferring to divide the node's
// entries at the median key the way the source bisects on the median
// first-two-bytes of children keys.
func (t *Tree) split(leaf *node) {
	mid := len(leaf.leaves) / 2
	left := &node{isLeaf: true, leaves: append([]*Leaf{}, leaf.leaves[:mid]...)}
	right := &node{isLeaf: true, leaves: append([]*Leaf{}, leaf.leaves[mid:]...)}

	if leaf == t.root {
		t.root = &node{isLeaf: false, children: []*node{left, right}}
		return
	}

	parent := t.findParent(t.root, leaf)
	if parent == nil {
		// leaf was the root in a malformed state; rebuild defensively.
		t.root = &node{isLeaf: false, children: []*node{left, right}}
		return
	}
	for i, c := range parent.children {
		if c == leaf {
			parent.children = append(parent.children[:i], append([]*node{left, right}, parent.children[i+1:]...)...)
			break
		}
	}
	if len(parent.children) > t.fanout-2 {
		t.splitInterior(parent)
	}
}

func (t *Tree) splitInterior(n *node) {
	mid := len(n.children) / 2
	left := &node{isLeaf: false, children: append([]*node{}, n.children[:mid]...)}
	right := &node{isLeaf: false, children: append([]*node{}, n.children[mid:]...)}

	if n == t.root {
		t.root = &node{isLeaf: false, children: []*node{left, right}}
		return
	}
	parent := t.findParent(t.root, n)
	if parent == nil {
		t.root = &node{isLeaf: false, children: []*node{left, right}}
		return
	}
	for i, c := range parent.children {
		if c == n {
			parent.children = append(parent.children[:i], append([]*node{left, right}, parent.children[i+1:]...)...)
			break
		}
	}
	if len(parent.children) > t.fanout-2 {
		t.splitInterior(parent)
	}
}

func (t *Tree) findParent(from, target *node) *node {
	if from.isLeaf {
		return nil
	}
	for _, c := range from.children {
		if c == target {
			return from
		}
		if p := t.findParent(c, target); p != nil {
			return p
		}
	}
	return nil
}

// NextLeaf returns the in-order successor of prev (or the first entry if
// prev is nil), and true if one exists. The call is stateless: it takes
// only the previously returned Leaf, so iteration may be restarted or
// interleaved freely.
func (t *Tree) NextLeaf(prev *Leaf) (*Leaf, bool) {
	all := t.flatten()
	if prev == nil {
		if len(all) == 0 {
			return nil, false
		}
		return all[0], true
	}
	for i, l := range all {
		if l == prev {
			if i+1 < len(all) {
				return all[i+1], true
			}
			return nil, false
		}
	}
	return nil, false
}

// ForEach walks every entry in ascending key order.
func (t *Tree) ForEach(fn func(key string, value any) bool) {
	for _, l := range t.flatten() {
		if !fn(l.Key, l.Value) {
			return
		}
	}
}

func (t *Tree) flatten() []*Leaf {
	var out []*Leaf
	var walk func(n *node)
	walk = func(n *node) {
		if n.isLeaf {
			out = append(out, n.leaves...)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}
