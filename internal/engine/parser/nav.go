package parser

import (
	sitter "github.com/tree-sitter/go-tree-sitter"
)

type NavDir string

const (
	NavParent       NavDir = "parent"
	NavFirstChild   NavDir = "first_child"
	NavLastChild    NavDir = "last_child"
	NavFirstSibling NavDir = "first_sibling"
	NavLastSibling  NavDir = "last_sibling"
	NavPrevSibling  NavDir = "prev_sibling"
	NavNextSibling  NavDir = "next_sibling"
)

func ParseNavDir(s string) (NavDir, bool) {
	switch d := NavDir(s); d {
	case NavParent, NavFirstChild, NavLastChild, NavFirstSibling, NavLastSibling, NavPrevSibling, NavNextSibling:
		return d, true
	}
	return "", false
}

// Navigate moves from the named node covering sel in direction dir. It
// reports false when the tree is missing or there is nowhere to go.
func Navigate(snap *Snapshot, sel ByteRange, dir NavDir) (ByteRange, bool) {
	root := snap.Root()
	if root == nil {
		return ByteRange{}, false
	}
	node := root.NamedDescendantForByteRange(sel.Start, sel.End)
	if node == nil {
		return ByteRange{}, false
	}

	var target *sitter.Node
	switch dir {
	case NavParent:
		target = node
		for target != nil && nodeRange(target) == sel {
			target = target.Parent()
		}
	case NavFirstChild:
		target = namedChild(node, 0)
	case NavLastChild:
		target = lastNamedChild(node)
	case NavFirstSibling:
		if parent := node.Parent(); parent != nil {
			target = namedChild(parent, 0)
		}
	case NavLastSibling:
		if parent := node.Parent(); parent != nil {
			target = lastNamedChild(parent)
		}
	case NavPrevSibling:
		target = node.PrevNamedSibling()
	case NavNextSibling:
		target = node.NextNamedSibling()
	}
	if target == nil {
		return ByteRange{}, false
	}
	return nodeRange(target), true
}

func nodeRange(n *sitter.Node) ByteRange {
	return ByteRange{Start: n.StartByte(), End: n.EndByte()}
}

func namedChild(n *sitter.Node, i int) *sitter.Node {
	if i < 0 || i >= int(n.NamedChildCount()) {
		return nil
	}
	return n.NamedChild(uint(i))
}

func lastNamedChild(n *sitter.Node) *sitter.Node {
	return namedChild(n, int(n.NamedChildCount())-1)
}
