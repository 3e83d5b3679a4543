package mapsync

import (
	"sync"
)

// single observable summary of the sync pipeline for the UI layer.
// `pendingChanges` counts in-flight plus queued operations. the
// in-flight side is settled exactly once per mutation through
// beginSync/endSync, never by ad hoc counter arithmetic at call sites.
type SyncStatus struct {
	stateLock sync.Mutex

	inFlightCount int
	queuedCount   int

	syncError           *string
	lastConnectionError *string

	monitor *Monitor

	syncErrorCallbacks *CallbackList[SyncErrorFunction]
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		monitor:            NewMonitor(),
		syncErrorCallbacks: NewCallbackList[SyncErrorFunction](),
	}
}

type SyncErrorFunction func(err error)

// receives every error a mutation settles with, hard or soft.
// the returned function unsubscribes.
func (self *SyncStatus) AddSyncErrorCallback(syncErrorCallback SyncErrorFunction) func() {
	callbackId := self.syncErrorCallbacks.Add(syncErrorCallback)
	return func() {
		self.syncErrorCallbacks.Remove(callbackId)
	}
}

// closed and replaced on every lifecycle transition
func (self *SyncStatus) Monitor() *Monitor {
	return self.monitor
}

func (self *SyncStatus) PendingChanges() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.inFlightCount + self.queuedCount
}

func (self *SyncStatus) IsSyncing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < self.inFlightCount
}

func (self *SyncStatus) SyncError() *string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.syncError
}

func (self *SyncStatus) LastConnectionError() *string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastConnectionError
}

func (self *SyncStatus) beginSync() {
	self.stateLock.Lock()
	self.inFlightCount += 1
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

// the single settle point for an in-flight mutation.
// a nil err clears the surfaced sync error.
func (self *SyncStatus) endSync(err error) {
	self.stateLock.Lock()
	self.inFlightCount -= 1
	if err == nil {
		self.syncError = nil
	} else {
		message := err.Error()
		self.syncError = &message
	}
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
	if err != nil {
		for _, syncErrorCallback := range self.syncErrorCallbacks.Get() {
			HandleError(func() {
				syncErrorCallback(err)
			})
		}
	}
}

func (self *SyncStatus) clearSyncError() {
	self.stateLock.Lock()
	self.syncError = nil
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

func (self *SyncStatus) setQueued(queuedCount int) {
	self.stateLock.Lock()
	self.queuedCount = queuedCount
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

func (self *SyncStatus) setConnectionError(err error) {
	self.stateLock.Lock()
	if err == nil {
		self.lastConnectionError = nil
	} else {
		message := err.Error()
		self.lastConnectionError = &message
	}
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}
