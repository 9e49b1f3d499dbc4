package engine

import (
	"fmt"

	"github.com/go-rod/rod/lib/proto"
)

// rawAXNode is the flat form CDP reports; buildAXTree nests it.
type rawAXNode struct {
	ID          string
	ParentID    string
	ChildIDs    []string
	Ignored     bool
	Role        string
	Name        string
	Description string
	Value       any
}

func rawFromProto(n *proto.AccessibilityAXNode) rawAXNode {
	r := rawAXNode{
		ID:          string(n.NodeID),
		ParentID:    string(n.ParentID),
		Ignored:     n.Ignored,
		Role:        axString(n.Role),
		Name:        axString(n.Name),
		Description: axString(n.Description),
	}
	if n.Value != nil {
		if v := n.Value.Value.Val(); v != nil && v != "" {
			r.Value = v
		}
	}
	for _, id := range n.ChildIDs {
		r.ChildIDs = append(r.ChildIDs, string(id))
	}
	return r
}

func axString(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	switch x := v.Value.Val().(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// interesting reports whether a node is worth showing. Ignored nodes,
// inline text boxes and anonymous structural wrappers are dropped and
// their children promoted to the nearest kept ancestor.
func (n rawAXNode) interesting() bool {
	if n.Ignored {
		return false
	}
	switch n.Role {
	case "InlineTextBox":
		return false
	case "", "none", "generic", "presentation":
		return n.Name != ""
	}
	return true
}

// buildAXTree nests a flat node list. The root (the node without a parent,
// or the first node) is always kept.
func buildAXTree(nodes []rawAXNode) *AXNode {
	if len(nodes) == 0 {
		return nil
	}

	byID := make(map[string]rawAXNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	root := nodes[0]
	for _, n := range nodes {
		if n.ParentID == "" {
			root = n
			break
		}
	}

	visited := make(map[string]bool, len(nodes))
	var build func(id string) []*AXNode
	build = func(id string) []*AXNode {
		n, ok := byID[id]
		if !ok || visited[id] {
			return nil
		}
		visited[id] = true

		if n.Role == "InlineTextBox" {
			return nil
		}

		var children []*AXNode
		for _, c := range n.ChildIDs {
			children = append(children, build(c)...)
		}
		if !n.interesting() {
			return children
		}
		return []*AXNode{{
			Role:        n.Role,
			Name:        n.Name,
			Value:       n.Value,
			Description: n.Description,
			Children:    children,
		}}
	}

	visited[root.ID] = true
	out := &AXNode{
		Role:        root.Role,
		Name:        root.Name,
		Value:       root.Value,
		Description: root.Description,
	}
	for _, c := range root.ChildIDs {
		out.Children = append(out.Children, build(c)...)
	}
	return out
}
