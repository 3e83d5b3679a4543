package mapsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// a responsive document for one open map. every mutation applies
// synchronously to in-memory state before any network activity, so the
// UI never waits on the remote authority. the store is the exclusive
// owner of node/edge state; the sync layer reconciles or rolls back
// through the explicit methods here.

type EntityStore struct {
	mapId Id

	stateLock sync.Mutex
	nodes     map[Id]*Node
	rootId    *Id
	// node ids currently selected in the local editor.
	// selection lives here because delete and rollback must clear it.
	selectedNodeIds map[Id]bool

	changeMonitor *Monitor
}

func NewEntityStore(mapId Id) *EntityStore {
	return &EntityStore{
		mapId:           mapId,
		nodes:           map[Id]*Node{},
		selectedNodeIds: map[Id]bool{},
		changeMonitor:   NewMonitor(),
	}
}

func (self *EntityStore) MapId() Id {
	return self.mapId
}

// closed and replaced on every mutation
func (self *EntityStore) ChangeMonitor() *Monitor {
	return self.changeMonitor
}

// a nil `parentId` creates the root and is an error if a root already
// exists. the locally-assigned id is returned immediately; the sync
// layer may later rewrite it to the authoritative id.
func (self *EntityStore) CreateNode(parentId *Id, position Point) (*Node, error) {
	node, err := self.createNode(parentId, position, NodeKindChild, false)
	if err != nil {
		return nil, err
	}
	self.changeMonitor.NotifyAll()
	return node, nil
}

// a floating node hangs off the root but is positioned manually
func (self *EntityStore) CreateFloatingNode(position Point) (*Node, error) {
	self.stateLock.Lock()
	rootId := self.rootId
	self.stateLock.Unlock()
	if rootId == nil {
		return nil, ErrMissingRoot
	}
	node, err := self.createNode(rootId, position, NodeKindFloating, true)
	if err != nil {
		return nil, err
	}
	self.changeMonitor.NotifyAll()
	return node, nil
}

func (self *EntityStore) createNode(parentId *Id, position Point, kind NodeKind, manual bool) (*Node, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if parentId == nil {
		if self.rootId != nil {
			return nil, ErrSecondRoot
		}
		node := &Node{
			Id:       NewId(),
			Kind:     NodeKindRoot,
			Position: position,
		}
		self.nodes[node.Id] = node
		rootId := node.Id
		self.rootId = &rootId
		return node.Copy(), nil
	}

	if _, ok := self.nodes[*parentId]; !ok {
		return nil, ErrMissingParent
	}
	parentIdValue := *parentId
	node := &Node{
		Id:                   NewId(),
		Kind:                 kind,
		ParentId:             &parentIdValue,
		Position:             position,
		IsManuallyPositioned: manual,
	}
	self.nodes[node.Id] = node
	return node.Copy(), nil
}

func (self *EntityStore) UpdateNodeText(nodeId Id, text string) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return ErrMissingNode
		}
		node.Text = text
		return nil
	}()
	if err != nil {
		return err
	}
	self.changeMonitor.NotifyAll()
	return nil
}

// merges the partial style into the node's style
func (self *EntityStore) UpdateNodeStyle(nodeId Id, style NodeStyle) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return ErrMissingNode
		}
		if node.Style == nil {
			node.Style = NodeStyle{}
		}
		maps.Copy(node.Style, style)
		return nil
	}()
	if err != nil {
		return err
	}
	self.changeMonitor.NotifyAll()
	return nil
}

func (self *EntityStore) SetNodeCollapsed(nodeId Id, isCollapsed bool) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return ErrMissingNode
		}
		node.IsCollapsed = isCollapsed
		return nil
	}()
	if err != nil {
		return err
	}
	self.changeMonitor.NotifyAll()
	return nil
}

func (self *EntityStore) SetNodePosition(nodeId Id, position Point) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return ErrMissingNode
		}
		node.Position = position
		node.IsManuallyPositioned = true
		return nil
	}()
	if err != nil {
		return err
	}
	self.changeMonitor.NotifyAll()
	return nil
}

// removes the node and every descendant, computed by fixed-point scan
// over parent links. selection pointing at a removed node is cleared.
// removing the root is guarded before any state change.
func (self *EntityStore) RemoveNode(nodeId Id) ([]Id, error) {
	removedIds, err := func() ([]Id, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.nodes[nodeId]; !ok {
			return nil, ErrMissingNode
		}
		if self.rootId != nil && *self.rootId == nodeId {
			return nil, ErrDeleteRoot
		}
		return self.removeCascade(nodeId), nil
	}()
	if err != nil {
		return nil, err
	}
	self.changeMonitor.NotifyAll()
	return removedIds, nil
}

// removes a node created optimistically whose create was rejected.
// same cascade as RemoveNode but without the root guard, since a
// rejected root create must also come back out.
func (self *EntityStore) RollbackCreate(nodeId Id) {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.nodes[nodeId]; !ok {
			return false
		}
		if self.rootId != nil && *self.rootId == nodeId {
			self.rootId = nil
		}
		self.removeCascade(nodeId)
		return true
	}()
	if removed {
		self.changeMonitor.NotifyAll()
	}
}

func (self *EntityStore) removeCascade(nodeId Id) []Id {
	removed := map[Id]bool{
		nodeId: true,
	}
	// the descendant set grows until no more children are found
	for {
		grew := false
		for id, node := range self.nodes {
			if removed[id] {
				continue
			}
			if node.ParentId != nil && removed[*node.ParentId] {
				removed[id] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	removedIds := maps.Keys(removed)
	for _, id := range removedIds {
		delete(self.nodes, id)
		delete(self.selectedNodeIds, id)
	}
	return removedIds
}

func (self *EntityStore) Node(nodeId Id) (*Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, false
	}
	return node.Copy(), true
}

func (self *EntityStore) Nodes() []*Node {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodes := make([]*Node, 0, len(self.nodes))
	for _, node := range self.nodes {
		nodes = append(nodes, node.Copy())
	}
	return nodes
}

// derived from the non-nil parent links
func (self *EntityStore) Edges() []*Edge {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	edges := []*Edge{}
	for _, node := range self.nodes {
		if node.ParentId != nil {
			edges = append(edges, &Edge{
				Id:     node.Id,
				FromId: *node.ParentId,
				ToId:   node.Id,
			})
		}
	}
	return edges
}

func (self *EntityStore) RootId() (Id, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.rootId == nil {
		return Id{}, ErrMissingRoot
	}
	return *self.rootId, nil
}

func (self *EntityStore) Contains(nodeId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.nodes[nodeId]
	return ok
}

func (self *EntityStore) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.nodes)
}

// replaces the selection. unknown ids are ignored.
func (self *EntityStore) Select(nodeIds ...Id) {
	self.stateLock.Lock()
	self.selectedNodeIds = map[Id]bool{}
	for _, nodeId := range nodeIds {
		if _, ok := self.nodes[nodeId]; ok {
			self.selectedNodeIds[nodeId] = true
		}
	}
	self.stateLock.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *EntityStore) SelectedNodeIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.selectedNodeIds)
}

// rewrites every reference to `oldId` to the authoritative `newId`:
// the node itself, any children's parent ids, and the selection.
// edges are derived so they follow automatically. the rewrite happens
// under one lock, so no intermediate state is observable.
func (self *EntityStore) RewriteId(oldId Id, newId Id) bool {
	rewritten := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[oldId]
		if !ok {
			return false
		}
		delete(self.nodes, oldId)
		node.Id = newId
		self.nodes[newId] = node

		for _, other := range self.nodes {
			if other.ParentId != nil && *other.ParentId == oldId {
				parentId := newId
				other.ParentId = &parentId
			}
		}
		if self.rootId != nil && *self.rootId == oldId {
			rootId := newId
			self.rootId = &rootId
		}
		if self.selectedNodeIds[oldId] {
			delete(self.selectedNodeIds, oldId)
			self.selectedNodeIds[newId] = true
		}
		return true
	}()
	if rewritten {
		self.changeMonitor.NotifyAll()
	}
	return rewritten
}

// before-images of only the affected nodes, so rollback is O(affected)

type StoreSnapshot struct {
	nodes []*Node
}

func (self *StoreSnapshot) NodeIds() []Id {
	nodeIds := make([]Id, 0, len(self.nodes))
	for _, node := range self.nodes {
		nodeIds = append(nodeIds, node.Id)
	}
	return nodeIds
}

func (self *EntityStore) SnapshotNode(nodeId Id) (*StoreSnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, ErrMissingNode
	}
	return &StoreSnapshot{
		nodes: []*Node{node.Copy()},
	}, nil
}

func (self *EntityStore) SnapshotSubtree(nodeId Id) (*StoreSnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.nodes[nodeId]; !ok {
		return nil, ErrMissingNode
	}

	inSubtree := map[Id]bool{
		nodeId: true,
	}
	for {
		grew := false
		for id, node := range self.nodes {
			if inSubtree[id] {
				continue
			}
			if node.ParentId != nil && inSubtree[*node.ParentId] {
				inSubtree[id] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	snapshot := &StoreSnapshot{}
	for id := range inSubtree {
		snapshot.nodes = append(snapshot.nodes, self.nodes[id].Copy())
	}
	return snapshot, nil
}

// restores the snapshot's nodes to their before-images. selection
// pointing at a rolled-back id is cleared rather than restored.
func (self *EntityStore) RestoreSnapshot(snapshot *StoreSnapshot) {
	self.stateLock.Lock()
	for _, node := range snapshot.nodes {
		self.nodes[node.Id] = node.Copy()
		delete(self.selectedNodeIds, node.Id)
		if node.Kind == NodeKindRoot {
			rootId := node.Id
			self.rootId = &rootId
		}
	}
	self.stateLock.Unlock()
	self.changeMonitor.NotifyAll()
}
