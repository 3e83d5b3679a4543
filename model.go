package mapsync

import (
	"golang.org/x/exp/maps"
)

type NodeKind string

const (
	NodeKindRoot     NodeKind = "root"
	NodeKindChild    NodeKind = "child"
	NodeKindFloating NodeKind = "floating"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// style and metadata are opaque to the engine. they round trip through
// the store and the wire untouched.
type NodeStyle map[string]any

type NodeMetadata map[string]any

// a node in a hierarchical map. exactly one node per map has
// Kind == NodeKindRoot and ParentId == nil; every other node's parent
// chain terminates at the root with no cycles.
type Node struct {
	Id                   Id           `json:"id"`
	Text                 string       `json:"text"`
	Kind                 NodeKind     `json:"kind"`
	ParentId             *Id          `json:"parent_id,omitempty"`
	Position             Point        `json:"position"`
	Style                NodeStyle    `json:"style,omitempty"`
	IsCollapsed          bool         `json:"is_collapsed"`
	IsManuallyPositioned bool         `json:"is_manually_positioned"`
	Metadata             NodeMetadata `json:"metadata,omitempty"`
}

func (self *Node) Copy() *Node {
	copy := *self
	if self.ParentId != nil {
		parentId := *self.ParentId
		copy.ParentId = &parentId
	}
	if self.Style != nil {
		copy.Style = maps.Clone(self.Style)
	}
	if self.Metadata != nil {
		copy.Metadata = maps.Clone(self.Metadata)
	}
	return &copy
}

// an edge is derived 1:1 from a non-nil parent link and takes the id of
// the child node it points to. edges are never stored or synced
// independently of their child node.
type Edge struct {
	Id     Id `json:"id"`
	FromId Id `json:"from_id"`
	ToId   Id `json:"to_id"`
}

// the partial node fields carried by update operations
type NodeUpdate struct {
	Text                 *string   `json:"text,omitempty"`
	Style                NodeStyle `json:"style,omitempty"`
	Position             *Point    `json:"position,omitempty"`
	IsCollapsed          *bool     `json:"is_collapsed,omitempty"`
	IsManuallyPositioned *bool     `json:"is_manually_positioned,omitempty"`
}

func (self *NodeUpdate) Copy() *NodeUpdate {
	copy := *self
	if self.Text != nil {
		text := *self.Text
		copy.Text = &text
	}
	if self.Style != nil {
		copy.Style = maps.Clone(self.Style)
	}
	if self.Position != nil {
		position := *self.Position
		copy.Position = &position
	}
	if self.IsCollapsed != nil {
		isCollapsed := *self.IsCollapsed
		copy.IsCollapsed = &isCollapsed
	}
	if self.IsManuallyPositioned != nil {
		isManuallyPositioned := *self.IsManuallyPositioned
		copy.IsManuallyPositioned = &isManuallyPositioned
	}
	return &copy
}
