// Package holetree implements the augmented red-black tree used for both
// the address-space HoleTree and, as a degenerate case (largest unused),
// the MappingTree (spec.md §3, §4.H).
//
// Each node records its own length and largest, the maximum length over
// its subtree: largest(n) = max(length(n), largest(left), largest(right)).
// The aggregate is maintained on every rotation and insertion/removal,
// giving O(log n) best-fit search (spec.md §8 testable property 2).
package holetree

import "uvm/util"

type color bool

const (
	red   color = true
	black color = false
)

type node struct {
	address uintptr
	length  int64
	largest int64
	value   interface{}
	color   color
	left    *node
	right   *node
	parent  *node
}

// Entry is a snapshot of one tree entry returned by the query methods.
type Entry struct {
	Address uintptr
	Length  int64
	Value   interface{}
}

func entryOf(n *node) (Entry, bool) {
	if n == nil || n == nilNode {
		return Entry{}, false
	}
	return Entry{Address: n.address, Length: n.length, Value: n.value}, true
}

var nilNode = &node{color: black}

// Tree is an augmented red-black tree keyed by address.
type Tree struct {
	root *node
	size int
}

// New returns an empty Tree.
func New() *Tree { return &Tree{root: nilNode} }

// Len reports the number of entries in the tree.
func (t *Tree) Len() int { return t.size }

func updateNode(n *node) {
	if n == nilNode {
		return
	}
	n.largest = util.Max(n.length, util.Max(n.left.largest, n.right.largest))
}

func (t *Tree) leftRotate(x *node) {
	y := x.right
	x.right = y.left
	if y.left != nilNode {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nilNode {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	updateNode(x)
	updateNode(y)
}

func (t *Tree) rightRotate(x *node) {
	y := x.left
	x.left = y.right
	if y.right != nilNode {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nilNode {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	updateNode(x)
	updateNode(y)
}

func (t *Tree) updateUpward(n *node) {
	for n != nilNode {
		updateNode(n)
		n = n.parent
	}
}

// Insert adds a new [address, address+length) entry. The caller is
// responsible for ensuring addresses are unique and non-overlapping; this
// package does not itself enforce the partition invariant (spec.md §8
// testable property 1 is enforced by the address-space layer that calls
// Insert/Remove).
func (t *Tree) Insert(address uintptr, length int64) {
	t.InsertValue(address, length, nil)
}

// InsertValue adds a new entry carrying an arbitrary value, letting this
// same structure serve as the MappingTree (spec.md §4.H note: "the same
// augmented-tree machinery... reused, with largest simply unused").
func (t *Tree) InsertValue(address uintptr, length int64, value interface{}) {
	z := &node{address: address, length: length, value: value, color: red, left: nilNode, right: nilNode}

	var y *node = nilNode
	x := t.root
	for x != nilNode {
		y = x
		if z.address < x.address {
			x = x.left
		} else {
			x = x.right
		}
	}
	z.parent = y
	if y == nilNode {
		t.root = z
	} else if z.address < y.address {
		y.left = z
	} else {
		y.right = z
	}
	t.size++
	updateNode(z)
	t.updateUpward(y)
	t.insertFixup(z)
}

func (t *Tree) insertFixup(z *node) {
	for z.parent.color == red {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.leftRotate(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rightRotate(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rightRotate(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.leftRotate(z.parent.parent)
			}
		}
	}
	t.root.color = black
}

func (t *Tree) minimum(x *node) *node {
	for x.left != nilNode {
		x = x.left
	}
	return x
}

func (t *Tree) transplant(u, v *node) {
	if u.parent == nilNode {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	v.parent = u.parent
}

// Get returns the entry at the exact address, if any.
func (t *Tree) Get(address uintptr) (Entry, bool) {
	return entryOf(t.find(address))
}

// Floor returns the entry with the greatest address <= the given address.
func (t *Tree) Floor(address uintptr) (Entry, bool) {
	x := t.root
	var best *node
	for x != nilNode {
		if x.address == address {
			return entryOf(x)
		}
		if x.address < address {
			best = x
			x = x.right
		} else {
			x = x.left
		}
	}
	return entryOf(best)
}

// Ceiling returns the entry with the smallest address >= the given address.
func (t *Tree) Ceiling(address uintptr) (Entry, bool) {
	x := t.root
	var best *node
	for x != nilNode {
		if x.address == address {
			return entryOf(x)
		}
		if x.address > address {
			best = x
			x = x.left
		} else {
			x = x.right
		}
	}
	return entryOf(best)
}

// FindContaining returns the entry whose [address, address+length) range
// covers the given address, if any.
func (t *Tree) FindContaining(address uintptr) (Entry, bool) {
	e, ok := t.Floor(address)
	if !ok {
		return Entry{}, false
	}
	if address >= e.Address+uintptr(e.Length) {
		return Entry{}, false
	}
	return e, true
}

// FindBestFit implements spec.md §4.H's best-fit descent: prefer-bottom
// descends left whenever the left subtree has a qualifying hole, else
// takes the current node if it qualifies, else descends right (prefer-top
// mirrors this, right before left). This always lands on the
// lowest-addressed qualifying hole (preferTop picks the highest-addressed
// one instead), not merely the smallest one, since the tree is ordered by
// address and the descent only ever turns toward a side once the
// aggregate guarantees it holds a qualifying node.
func (t *Tree) FindBestFit(size int64, preferTop bool) (Entry, bool) {
	n := t.root
	if n == nilNode || n.largest < size {
		return Entry{}, false
	}
	for {
		near, far := n.left, n.right
		if preferTop {
			near, far = n.right, n.left
		}
		if near != nilNode && near.largest >= size {
			n = near
			continue
		}
		if n.length >= size {
			return entryOf(n)
		}
		if far == nilNode {
			return Entry{}, false
		}
		n = far
	}
}

// Walk calls f for every entry in ascending address order, stopping early
// if f returns false.
func (t *Tree) Walk(f func(Entry) bool) {
	var visit func(*node) bool
	visit = func(n *node) bool {
		if n == nilNode {
			return true
		}
		if !visit(n.left) {
			return false
		}
		e, _ := entryOf(n)
		if !f(e) {
			return false
		}
		return visit(n.right)
	}
	visit(t.root)
}

func (t *Tree) find(address uintptr) *node {
	x := t.root
	for x != nilNode {
		if address == x.address {
			return x
		}
		if address < x.address {
			x = x.left
		} else {
			x = x.right
		}
	}
	return nil
}

// Remove deletes the entry at the given address. It reports whether an
// entry was found and removed.
func (t *Tree) Remove(address uintptr) bool {
	z := t.find(address)
	if z == nil {
		return false
	}
	t.size--

	y := z
	yOriginalColor := y.color
	var x *node
	var xParent *node

	if z.left == nilNode {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nilNode {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = t.minimum(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
		updateNode(y)
	}

	t.updateUpward(xParent)

	if yOriginalColor == black {
		t.deleteFixup(x, xParent)
	}
	return true
}

func (t *Tree) deleteFixup(x *node, xParent *node) {
	for x != t.root && x.color == black {
		if x == xParent.left {
			w := xParent.right
			if w.color == red {
				w.color = black
				xParent.color = red
				t.leftRotate(xParent)
				w = xParent.right
			}
			if w.left.color == black && w.right.color == black {
				w.color = red
				x = xParent
				xParent = x.parent
			} else {
				if w.right.color == black {
					w.left.color = black
					w.color = red
					t.rightRotate(w)
					w = xParent.right
				}
				w.color = xParent.color
				xParent.color = black
				w.right.color = black
				t.leftRotate(xParent)
				x = t.root
			}
		} else {
			w := xParent.left
			if w.color == red {
				w.color = black
				xParent.color = red
				t.rightRotate(xParent)
				w = xParent.left
			}
			if w.right.color == black && w.left.color == black {
				w.color = red
				x = xParent
				xParent = x.parent
			} else {
				if w.left.color == black {
					w.right.color = black
					w.color = red
					t.leftRotate(w)
					w = xParent.left
				}
				w.color = xParent.color
				xParent.color = black
				w.left.color = black
				t.rightRotate(xParent)
				x = t.root
			}
		}
	}
	x.color = black
}
