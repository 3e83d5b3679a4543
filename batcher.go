package mapsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type PositionBatcherSettings struct {
	// positions settle after this much quiet time per node
	QuietPeriod time.Duration
}

func DefaultPositionBatcherSettings() *PositionBatcherSettings {
	return &PositionBatcherSettings{
		QuietPeriod: 500 * time.Millisecond,
	}
}

// coalesces high-frequency position updates (drag) into one network
// call per node per quiet window. the store is updated immediately on
// every call so the drag feels instant; only the last position within
// the window is sent. one cancellable timer per node id: each update
// replaces that node's timer, never another node's.
type PositionBatcher struct {
	store      *EntityStore
	dispatcher *SyncDispatcher

	settings *PositionBatcherSettings

	stateLock sync.Mutex
	timers    map[Id]*time.Timer
	positions map[Id]Point
	closed    bool
}

func NewPositionBatcherWithDefaults(store *EntityStore, dispatcher *SyncDispatcher) *PositionBatcher {
	return NewPositionBatcher(store, dispatcher, DefaultPositionBatcherSettings())
}

func NewPositionBatcher(store *EntityStore, dispatcher *SyncDispatcher, settings *PositionBatcherSettings) *PositionBatcher {
	return &PositionBatcher{
		store:      store,
		dispatcher: dispatcher,
		settings:   settings,
		timers:     map[Id]*time.Timer{},
		positions:  map[Id]Point{},
	}
}

func (self *PositionBatcher) Update(nodeId Id, position Point) error {
	if err := self.store.SetNodePosition(nodeId, position); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		// local state is updated but nothing more is scheduled
		return nil
	}

	self.positions[nodeId] = position
	if timer, ok := self.timers[nodeId]; ok {
		timer.Stop()
	}
	self.timers[nodeId] = time.AfterFunc(self.settings.QuietPeriod, func() {
		self.flush(nodeId)
	})
	return nil
}

func (self *PositionBatcher) flush(nodeId Id) {
	self.stateLock.Lock()
	position, ok := self.positions[nodeId]
	delete(self.positions, nodeId)
	delete(self.timers, nodeId)
	closed := self.closed
	self.stateLock.Unlock()

	if !ok || closed {
		return
	}
	glog.V(2).Infof("[b]flush %s\n", nodeId)
	self.dispatcher.syncPosition(nodeId, position)
}

// number of nodes with a pending (unsent) position
func (self *PositionBatcher) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.timers)
}

// cancels every live timer. positions not yet sent are dropped; the
// offline queue owns durability, not the batcher.
func (self *PositionBatcher) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for nodeId, timer := range self.timers {
		timer.Stop()
		delete(self.timers, nodeId)
		delete(self.positions, nodeId)
	}
}
