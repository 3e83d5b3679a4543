package mapsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PendingOperationKind string

const (
	OperationCreate PendingOperationKind = "create"
	OperationUpdate PendingOperationKind = "update"
	OperationDelete PendingOperationKind = "delete"
)

// a mutation that could not reach the remote authority. the target id
// is the id as known at enqueue time; reconciliation rewrites queued
// operations so that replay always issues current ids.
type PendingOperation struct {
	// storage-assigned, strictly increasing per map. fifo order.
	Seq        uint64               `json:"-"`
	Kind       PendingOperationKind `json:"kind"`
	MapId      Id                   `json:"map_id"`
	TargetId   Id                   `json:"target_id"`
	Node       *Node                `json:"node,omitempty"`
	Update     *NodeUpdate          `json:"update,omitempty"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
}

func (self *PendingOperation) Copy() *PendingOperation {
	copy := *self
	if self.Node != nil {
		copy.Node = self.Node.Copy()
	}
	if self.Update != nil {
		copy.Update = self.Update.Copy()
	}
	return &copy
}

// ordered by seq with a seq index for O(1) removal.
// strict fifo: operations are never reordered relative to other
// operations on the same map.
type operationQueue struct {
	orderedOperations []*PendingOperation
	seqOperations     map[uint64]*PendingOperation
}

func newOperationQueue() *operationQueue {
	return &operationQueue{
		orderedOperations: []*PendingOperation{},
		seqOperations:     map[uint64]*PendingOperation{},
	}
}

func (self *operationQueue) add(op *PendingOperation) {
	if _, ok := self.seqOperations[op.Seq]; ok {
		return
	}
	self.seqOperations[op.Seq] = op
	// appends arrive in seq order; loads are sorted by the storage
	self.orderedOperations = append(self.orderedOperations, op)
}

func (self *operationQueue) peekFirst() *PendingOperation {
	if len(self.orderedOperations) == 0 {
		return nil
	}
	return self.orderedOperations[0]
}

func (self *operationQueue) removeBySeq(seq uint64) *PendingOperation {
	op, ok := self.seqOperations[seq]
	if !ok {
		return nil
	}
	delete(self.seqOperations, seq)
	for i, orderedOp := range self.orderedOperations {
		if orderedOp.Seq == seq {
			self.orderedOperations = append(
				self.orderedOperations[:i],
				self.orderedOperations[i+1:]...,
			)
			break
		}
	}
	return op
}

func (self *operationQueue) size() int {
	return len(self.orderedOperations)
}

// durable, per-map fifo log of operations that could not reach the
// remote authority. survives a restart via `QueueStorage`; replays in
// enqueue order once connectivity returns.
type OfflineQueue struct {
	storage QueueStorage

	stateLock sync.Mutex
	queues    map[Id]*operationQueue
	loaded    map[Id]bool
}

func NewOfflineQueue(storage QueueStorage) *OfflineQueue {
	return &OfflineQueue{
		storage: storage,
		queues:  map[Id]*operationQueue{},
		loaded:  map[Id]bool{},
	}
}

// reads unflushed operations for the map from durable storage.
// called once on editor startup to resume work from a previous run.
func (self *OfflineQueue) Load(mapId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.loaded[mapId] {
		return nil
	}
	ops, err := self.storage.Load(mapId)
	if err != nil {
		return err
	}
	queue := self.queue(mapId)
	for _, op := range ops {
		queue.add(op)
	}
	self.loaded[mapId] = true
	return nil
}

func (self *OfflineQueue) queue(mapId Id) *operationQueue {
	queue, ok := self.queues[mapId]
	if !ok {
		queue = newOperationQueue()
		self.queues[mapId] = queue
	}
	return queue
}

func (self *OfflineQueue) Enqueue(op *PendingOperation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	seq, err := self.storage.Append(op)
	if err != nil {
		return err
	}
	op.Seq = seq
	self.queue(op.MapId).add(op)
	glog.V(2).Infof("[q]+%s %s seq=%d\n", op.Kind, op.TargetId, op.Seq)
	return nil
}

func (self *OfflineQueue) Size(mapId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.queue(mapId).size()
}

func (self *OfflineQueue) Operations(mapId Id) []*PendingOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queue := self.queue(mapId)
	ops := make([]*PendingOperation, len(queue.orderedOperations))
	for i, op := range queue.orderedOperations {
		ops[i] = op.Copy()
	}
	return ops
}

// rewrites references to a reconciled id in queued operations:
// - a queued create of the reconciled node is dropped, since the
//   create evidently succeeded
// - updates/deletes targeting the old id are retargeted
// - queued creates whose parent is the old id are reparented
func (self *OfflineQueue) ReconcileId(mapId Id, oldId Id, newId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queue := self.queue(mapId)
	var firstErr error
	removeSeqs := []uint64{}
	for _, op := range queue.orderedOperations {
		changed := false
		if op.TargetId == oldId {
			if op.Kind == OperationCreate {
				removeSeqs = append(removeSeqs, op.Seq)
				continue
			}
			op.TargetId = newId
			changed = true
		}
		if op.Node != nil && op.Node.ParentId != nil && *op.Node.ParentId == oldId {
			parentId := newId
			op.Node.ParentId = &parentId
			changed = true
		}
		if changed {
			if err := self.storage.Update(op); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, seq := range removeSeqs {
		queue.removeBySeq(seq)
		if err := self.storage.Remove(mapId, seq); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processes the map's queue strictly in enqueue order. an operation is
// removed only after `apply` succeeds. a network class failure halts
// replay at that position; the next connectivity signal resumes from
// the same operation. a rejected failure removes that single operation
// and continues, since it cannot succeed later.
func (self *OfflineQueue) Replay(ctx context.Context, mapId Id, apply func(op *PendingOperation) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// apply gets a copy taken under the lock. `ReconcileId` may
		// rewrite the queued operation in place from another goroutine
		// while the call is in flight.
		self.stateLock.Lock()
		op := self.queue(mapId).peekFirst()
		if op != nil {
			op = op.Copy()
		}
		self.stateLock.Unlock()
		if op == nil {
			return nil
		}

		err := apply(op)
		if err != nil && !IsRejected(err) {
			glog.V(2).Infof("[q]halt %s seq=%d = %s\n", op.Kind, op.Seq, err)
			return err
		}
		if err != nil {
			glog.Infof("[q]drop rejected %s %s seq=%d = %s\n", op.Kind, op.TargetId, op.Seq, err)
		} else {
			glog.V(2).Infof("[q]-%s %s seq=%d\n", op.Kind, op.TargetId, op.Seq)
		}

		self.stateLock.Lock()
		self.queue(mapId).removeBySeq(op.Seq)
		removeErr := self.storage.Remove(mapId, op.Seq)
		self.stateLock.Unlock()
		if removeErr != nil {
			return removeErr
		}
	}
}
