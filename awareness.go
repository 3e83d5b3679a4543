package mapsync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type ActivityStatus string

const (
	ActivityActive ActivityStatus = "active"
	ActivityIdle   ActivityStatus = "idle"
	ActivityAway   ActivityStatus = "away"
)

// presentation weight only. presence never gates or blocks document
// mutation.
func ActivityWeight(status ActivityStatus) int {
	switch status {
	case ActivityActive:
		return 2
	case ActivityIdle:
		return 1
	default:
		return 0
	}
}

// ephemeral description of what a collaborator is doing right now.
// never persisted; expired by the channel, not by this engine.
type PresenceFact struct {
	UserId          Id             `json:"user_id"`
	DisplayName     string         `json:"display_name"`
	Color           string         `json:"color"`
	Cursor          *Point         `json:"cursor,omitempty"`
	SelectedNodeIds []Id           `json:"selected_node_ids,omitempty"`
	EditingNodeId   *Id            `json:"editing_node_id,omitempty"`
	ActivityStatus  ActivityStatus `json:"activity_status"`
	LastActiveAt    time.Time      `json:"last_active_at"`
}

func (self *PresenceFact) Copy() *PresenceFact {
	copy := *self
	if self.Cursor != nil {
		cursor := *self.Cursor
		copy.Cursor = &cursor
	}
	copy.SelectedNodeIds = slices.Clone(self.SelectedNodeIds)
	if self.EditingNodeId != nil {
		editingNodeId := *self.EditingNodeId
		copy.EditingNodeId = &editingNodeId
	}
	return &copy
}

type PresenceUser struct {
	Id    Id     `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// remote facts arrive in one of two wire shapes:
// - legacy: flat user id/name/color/cursor and a single selected node
// - canonical: multi-select ids plus explicit activity/editing fields
// the shape is decided once per fact and normalized at the edge.
// no use site branches on field presence.

type presenceWireShape int

const (
	presenceShapeLegacy presenceWireShape = iota
	presenceShapeCanonical
)

// superset of both shapes
type presenceWireFact struct {
	UserId *Id    `json:"user_id,omitempty"`
	Color  string `json:"color,omitempty"`
	Cursor *Point `json:"cursor,omitempty"`

	// legacy
	Name           string `json:"name,omitempty"`
	SelectedNodeId *Id    `json:"selected_node_id,omitempty"`

	// canonical
	DisplayName     string     `json:"display_name,omitempty"`
	SelectedNodeIds []Id       `json:"selected_node_ids,omitempty"`
	EditingNodeId   *Id        `json:"editing_node_id,omitempty"`
	ActivityStatus  string     `json:"activity_status,omitempty"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
}

func (self *presenceWireFact) shape() presenceWireShape {
	if self.DisplayName != "" || self.SelectedNodeIds != nil || self.ActivityStatus != "" || self.EditingNodeId != nil {
		return presenceShapeCanonical
	}
	return presenceShapeLegacy
}

// pure and total over both wire shapes. missing fields take the
// canonical defaults; the legacy single selection becomes a one-element
// set.
func normalizePresence(raw json.RawMessage) (*PresenceFact, error) {
	wire := &presenceWireFact{}
	if err := json.Unmarshal(raw, wire); err != nil {
		return nil, err
	}
	if wire.UserId == nil {
		return nil, ErrMissingPresenceUser
	}

	fact := &PresenceFact{
		UserId:         *wire.UserId,
		Color:          wire.Color,
		Cursor:         wire.Cursor,
		ActivityStatus: ActivityActive,
		LastActiveAt:   time.Now(),
	}

	switch wire.shape() {
	case presenceShapeCanonical:
		fact.DisplayName = wire.DisplayName
		fact.SelectedNodeIds = wire.SelectedNodeIds
		fact.EditingNodeId = wire.EditingNodeId
		if wire.ActivityStatus != "" {
			fact.ActivityStatus = ActivityStatus(wire.ActivityStatus)
		}
		if wire.LastActiveAt != nil {
			fact.LastActiveAt = *wire.LastActiveAt
		}
	default:
		fact.DisplayName = wire.Name
		if wire.SelectedNodeId != nil {
			fact.SelectedNodeIds = []Id{*wire.SelectedNodeId}
		}
	}
	return fact, nil
}

// read-only merged view of all remote presence facts. owns nothing in
// the entity store and never mutates it; derived maps only annotate
// nodes for display.
type AwarenessMerger struct {
	localUserId Id

	stateLock sync.Mutex
	facts     map[Id]*PresenceFact
	// node id -> remote users whose selection contains the node
	selectedBy map[Id][]*PresenceUser
	// node id -> remote users editing the node
	editingBy map[Id][]*PresenceUser

	monitor *Monitor
}

func NewAwarenessMerger(localUserId Id) *AwarenessMerger {
	return &AwarenessMerger{
		localUserId: localUserId,
		facts:       map[Id]*PresenceFact{},
		selectedBy:  map[Id][]*PresenceUser{},
		editingBy:   map[Id][]*PresenceUser{},
		monitor:     NewMonitor(),
	}
}

func (self *AwarenessMerger) Monitor() *Monitor {
	return self.monitor
}

// replaces the merged view with a full snapshot. facts that cannot be
// normalized are skipped; the local user's own fact is excluded.
func (self *AwarenessMerger) ApplySnapshot(raws []json.RawMessage) {
	facts := map[Id]*PresenceFact{}
	for _, raw := range raws {
		fact, err := normalizePresence(raw)
		if err != nil {
			glog.V(2).Infof("[a]skip fact = %s\n", err)
			continue
		}
		if fact.UserId == self.localUserId {
			continue
		}
		facts[fact.UserId] = fact
	}

	self.stateLock.Lock()
	self.facts = facts
	self.derive()
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

// loss of the channel clears remote facts
func (self *AwarenessMerger) Clear() {
	self.stateLock.Lock()
	self.facts = map[Id]*PresenceFact{}
	self.derive()
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

// recomputes the per-node maps. facts with a null cursor are excluded
// from every derived output. a user editing a node is reported in
// editingBy and not duplicated into selectedBy for that same node.
func (self *AwarenessMerger) derive() {
	selectedBy := map[Id][]*PresenceUser{}
	editingBy := map[Id][]*PresenceUser{}

	for _, fact := range self.facts {
		if fact.Cursor == nil {
			continue
		}
		user := &PresenceUser{
			Id:    fact.UserId,
			Name:  fact.DisplayName,
			Color: fact.Color,
		}
		if fact.EditingNodeId != nil {
			editingBy[*fact.EditingNodeId] = append(editingBy[*fact.EditingNodeId], user)
		}
		for _, nodeId := range fact.SelectedNodeIds {
			if fact.EditingNodeId != nil && *fact.EditingNodeId == nodeId {
				// editing takes priority over selection for the same node
				continue
			}
			selectedBy[nodeId] = append(selectedBy[nodeId], user)
		}
	}

	// stable presentation order: most active first, then by name
	order := func(users []*PresenceUser) {
		slices.SortFunc(users, func(a *PresenceUser, b *PresenceUser) int {
			wa := ActivityWeight(self.factActivity(a.Id))
			wb := ActivityWeight(self.factActivity(b.Id))
			if wa != wb {
				return wb - wa
			}
			return strings.Compare(a.Name, b.Name)
		})
	}
	for _, users := range selectedBy {
		order(users)
	}
	for _, users := range editingBy {
		order(users)
	}

	self.selectedBy = selectedBy
	self.editingBy = editingBy
}

func (self *AwarenessMerger) factActivity(userId Id) ActivityStatus {
	if fact, ok := self.facts[userId]; ok {
		return fact.ActivityStatus
	}
	return ActivityAway
}

func (self *AwarenessMerger) SelectedBy() map[Id][]*PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyUserMap(self.selectedBy)
}

func (self *AwarenessMerger) EditingBy() map[Id][]*PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyUserMap(self.editingBy)
}

// the users on a node, editors preferred over selectors.
// editing is the primary state when both are non-empty.
func (self *AwarenessMerger) NodeUsers(nodeId Id) (users []*PresenceUser, editing bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if editors, ok := self.editingBy[nodeId]; ok && 0 < len(editors) {
		return slices.Clone(editors), true
	}
	return slices.Clone(self.selectedBy[nodeId]), false
}

// merged remote facts, excluding the local user and null-cursor facts
func (self *AwarenessMerger) RemoteFacts() []*PresenceFact {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	facts := []*PresenceFact{}
	for _, fact := range self.facts {
		if fact.Cursor == nil {
			continue
		}
		facts = append(facts, fact.Copy())
	}
	return facts
}

func copyUserMap(m map[Id][]*PresenceUser) map[Id][]*PresenceUser {
	copy := map[Id][]*PresenceUser{}
	for nodeId, users := range m {
		copy[nodeId] = slices.Clone(users)
	}
	return copy
}
