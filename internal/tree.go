package internal

import (
	"fmt"
	"sort"

	"github.com/lychee-technology/occams"
)

const rootIndex = -1

// treeNode is one arena slot. parent is rootIndex for top-level nodes.
type treeNode struct {
	attr     *occams.Attribute
	parent   int
	children []int
}

// attributeTree is an arena of a schema's attributes. Nodes reference each
// other by arena index, never by pointer, so flattening and depth checks
// walk plain slices.
type attributeTree struct {
	nodes []treeNode
	roots []int
	byID  map[int64]int
}

// orderChange is one attribute whose order differs after a renumber.
type orderChange struct {
	ID    int64
	Order int
}

// newAttributeTree builds the arena from flat rows (any order). Siblings are
// arranged by their current order value.
func newAttributeTree(attrs []*occams.Attribute) (*attributeTree, error) {
	t := &attributeTree{
		nodes: make([]treeNode, len(attrs)),
		byID:  make(map[int64]int, len(attrs)),
	}
	for i, a := range attrs {
		t.nodes[i] = treeNode{attr: a, parent: rootIndex}
		t.byID[a.ID] = i
	}
	for i, a := range attrs {
		if a.ParentID == nil {
			t.roots = append(t.roots, i)
			continue
		}
		p, ok := t.byID[*a.ParentID]
		if !ok {
			return nil, fmt.Errorf("attribute %d references missing parent %d", a.ID, *a.ParentID)
		}
		t.nodes[i].parent = p
		t.nodes[p].children = append(t.nodes[p].children, i)
	}
	byOrder := func(list []int) {
		sort.SliceStable(list, func(x, y int) bool {
			return t.nodes[list[x]].attr.Order < t.nodes[list[y]].attr.Order
		})
	}
	byOrder(t.roots)
	for i := range t.nodes {
		byOrder(t.nodes[i].children)
	}
	return t, nil
}

func (t *attributeTree) len() int { return len(t.nodes) }

func (t *attributeTree) node(id int64) (int, bool) {
	idx, ok := t.byID[id]
	return idx, ok
}

// siblings returns the child list of parent (rootIndex for top level).
func (t *attributeTree) siblings(parent int) *[]int {
	if parent == rootIndex {
		return &t.roots
	}
	return &t.nodes[parent].children
}

// depth is 0 for top-level nodes and 1 for section children.
func (t *attributeTree) depth(idx int) int {
	d := 0
	for p := t.nodes[idx].parent; p != rootIndex; p = t.nodes[p].parent {
		d++
	}
	return d
}

// checkPlacement reports whether an attribute of type typ may live under
// parent. Sections only hold leaves, and only at the top level.
func (t *attributeTree) checkPlacement(name string, typ occams.AttributeType, parent int) error {
	if parent == rootIndex {
		return nil
	}
	p := t.nodes[parent].attr
	if typ == occams.TypeSection {
		return occams.NewValidationErrorCode(occams.ErrCodeNestedSection, name,
			fmt.Sprintf("section cannot be placed inside %q", p.Name))
	}
	if p.Type != occams.TypeSection {
		return occams.NewConflictError(occams.ErrCodeIllegalParent, name,
			fmt.Sprintf("%q is a %s, only sections hold attributes", p.Name, p.Type))
	}
	if t.depth(parent) > 0 {
		return occams.NewValidationErrorCode(occams.ErrCodeNestedSection, name,
			fmt.Sprintf("parent %q is itself inside a section", p.Name))
	}
	return nil
}

// insert adds a new node under parent at index (clamped to the sibling
// count) and returns its arena index.
func (t *attributeTree) insert(a *occams.Attribute, parent, index int) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, treeNode{attr: a, parent: parent})
	if a.ID != 0 {
		t.byID[a.ID] = idx
	}
	t.attach(idx, parent, index)
	return idx
}

func (t *attributeTree) attach(idx, parent, index int) {
	list := t.siblings(parent)
	if index < 0 {
		index = 0
	}
	if index > len(*list) {
		index = len(*list)
	}
	*list = append(*list, 0)
	copy((*list)[index+1:], (*list)[index:])
	(*list)[index] = idx
	t.nodes[idx].parent = parent
}

// detach removes idx from its parent's child list, keeping the slot.
func (t *attributeTree) detach(idx int) {
	list := t.siblings(t.nodes[idx].parent)
	for i, c := range *list {
		if c == idx {
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}
	t.nodes[idx].parent = rootIndex
}

// move detaches idx and reattaches it under parent at index. The index is
// interpreted after the node has left its old position.
func (t *attributeTree) move(idx, parent, index int) {
	t.detach(idx)
	t.attach(idx, parent, index)
}

// remove detaches idx and drops it and its descendants from traversal.
func (t *attributeTree) remove(idx int) []int64 {
	t.detach(idx)
	var removed []int64
	var walk func(i int)
	walk = func(i int) {
		removed = append(removed, t.nodes[i].attr.ID)
		delete(t.byID, t.nodes[i].attr.ID)
		for _, c := range t.nodes[i].children {
			walk(c)
		}
	}
	walk(idx)
	return removed
}

// flatten returns arena indexes in pre-order: each node, then its children.
func (t *attributeTree) flatten() []int {
	out := make([]int, 0, len(t.nodes))
	var walk func(list []int)
	walk = func(list []int) {
		for _, i := range list {
			out = append(out, i)
			walk(t.nodes[i].children)
		}
	}
	walk(t.roots)
	return out
}

// renumber assigns order 0..N-1 in flatten order, updates the attributes in
// place and returns only the attributes whose order changed.
func (t *attributeTree) renumber() []orderChange {
	var changes []orderChange
	for pos, i := range t.flatten() {
		a := t.nodes[i].attr
		if a.Order != pos {
			a.Order = pos
			changes = append(changes, orderChange{ID: a.ID, Order: pos})
		}
	}
	return changes
}

// parentID returns the attribute id of idx's parent, or nil at top level.
func (t *attributeTree) parentID(idx int) *int64 {
	p := t.nodes[idx].parent
	if p == rootIndex {
		return nil
	}
	return int64Ptr(t.nodes[p].attr.ID)
}

// nameTaken reports whether another attribute already uses name
// (case-insensitively), ignoring the attribute with id except.
func (t *attributeTree) nameTaken(name string, except int64) bool {
	key := occams.NormalizeName(name)
	for _, i := range t.flatten() {
		a := t.nodes[i].attr
		if a.ID != except && occams.NormalizeName(a.Name) == key {
			return true
		}
	}
	return false
}

// nest arranges the attributes into Attribute.Attributes children and
// returns the top-level list, all in order.
func (t *attributeTree) nest() []*occams.Attribute {
	build := func(list []int) []*occams.Attribute {
		out := make([]*occams.Attribute, 0, len(list))
		for _, i := range list {
			out = append(out, t.nodes[i].attr)
		}
		return out
	}
	for _, i := range t.flatten() {
		n := t.nodes[i]
		if len(n.children) > 0 {
			n.attr.Attributes = build(n.children)
		} else {
			n.attr.Attributes = nil
		}
		n.attr.ParentID = t.parentID(i)
	}
	return build(t.roots)
}
