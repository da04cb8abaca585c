package analyzer

import (
	"fmt"
	"sort"

	"github.com/google/pprof/profile"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// nodeKey identifies a child of a flame graph node. Frames are keyed by function id; label
// groups by their value.
type nodeKey struct {
	funcID uint64
	group  string
}

type tempNode struct {
	node      *FlameGraphNode
	children  map[nodeKey]*tempNode
	selfValue int64
}

func newTempNode(name string) *tempNode {
	return &tempNode{
		node:     &FlameGraphNode{Name: name},
		children: make(map[nodeKey]*tempNode),
	}
}

func (tn *tempNode) child(key nodeKey, name string) *tempNode {
	c, ok := tn.children[key]
	if !ok {
		c = newTempNode(name)
		tn.children[key] = c
	}
	return c
}

// BuildFlameGraphTree folds the samples of p into a d3-flame-graph tree, thread entry at the top.
// valueIndex selects the sample value. When groupBy names a sample label (for example
// LabelProcess or LabelState) the first level below the root is that label's value.
func BuildFlameGraphTree(p *profile.Profile, valueIndex int, groupBy string) (*FlameGraphNode, error) {
	if valueIndex < 0 || valueIndex >= len(p.SampleType) {
		return nil, fmt.Errorf("invalid value index %d for profile with %d sample types", valueIndex, len(p.SampleType))
	}

	root := newTempNode("root")
	var total int64
	for _, sample := range p.Sample {
		value := sample.Value[valueIndex]
		if value == 0 {
			continue
		}
		total += value

		cur := root
		if groupBy != "" {
			group := "(none)"
			if v := sample.Label[groupBy]; len(v) > 0 {
				group = v[0]
			}
			cur = cur.child(nodeKey{group: group}, group)
		}
		if len(sample.Location) == 0 {
			cur.selfValue += value
			continue
		}
		// Locations are innermost first; the graph grows from the caller side.
		for i := len(sample.Location) - 1; i >= 0; i-- {
			loc := sample.Location[i]
			fn := &profile.Function{Name: fmt.Sprintf("unknown @ 0x%x", loc.Address)}
			if len(loc.Line) > 0 && loc.Line[0].Function != nil {
				fn = loc.Line[0].Function
			}
			cur = cur.child(nodeKey{funcID: fn.ID, group: fn.Name}, fn.Name)
			if i == 0 {
				cur.selfValue += value
			}
		}
	}

	sumValues(root)
	root.node.Value = total
	sortChildrenByValue(root.node)
	return root.node, nil
}

// SnapshotFlameGraph builds the flame graph of every thread of snap, grouped by process.
func SnapshotFlameGraph(snap *stacktrace.Snapshot) (*FlameGraphNode, error) {
	return BuildFlameGraphTree(ToProfile(snap), 0, LabelProcess)
}

// sumValues sets every node's value to its own value plus its children's and drops empty children.
func sumValues(tn *tempNode) int64 {
	total := tn.selfValue
	children := []*FlameGraphNode{}
	for _, c := range tn.children {
		v := sumValues(c)
		c.node.Value = v
		if v > 0 {
			children = append(children, c.node)
		}
		total += v
	}
	tn.node.Children = children
	return total
}

func sortChildrenByValue(node *FlameGraphNode) {
	if node == nil || len(node.Children) == 0 {
		return
	}
	sort.Slice(node.Children, func(i, j int) bool {
		if node.Children[i].Value != node.Children[j].Value {
			return node.Children[i].Value > node.Children[j].Value
		}
		return node.Children[i].Name < node.Children[j].Name
	})
	for _, c := range node.Children {
		sortChildrenByValue(c)
	}
}
