package mapsync

import (
	"context"

	"github.com/golang/glog"
)

// called when a mutation settles: nil on success or a soft (absorbed)
// network failure, the rejection error on a hard failure so an
// interactive caller can show inline feedback
type AckFunction func(err error)

func safeAck(ackCallback AckFunction) AckFunction {
	return func(err error) {
		if ackCallback != nil {
			HandleError(func() {
				ackCallback(err)
			})
		}
	}
}

/*
One network round trip per sync-tracked mutation:
optimistic apply -> remote call -> reconcile or rollback -> classify
failure -> enqueue or surface error.

- success with a different id rewrites every reference to the local id,
  atomically from the caller's perspective
- network class failure keeps the optimistic state and queues an
  equivalent operation for replay
- rejected failure restores the pre-mutation snapshot and surfaces a
  hard error through the ack callback
- the pending counter settles exactly once per mutation regardless of
  outcome
*/
type SyncDispatcher struct {
	store  *EntityStore
	api    *MapApi
	queue  *OfflineQueue
	status *SyncStatus
}

func NewSyncDispatcher(store *EntityStore, api *MapApi, queue *OfflineQueue, status *SyncStatus) *SyncDispatcher {
	return &SyncDispatcher{
		store:  store,
		api:    api,
		queue:  queue,
		status: status,
	}
}

// folds the two failure surfaces into one error:
// a transport failure is network class, a structured refusal is rejected
func remoteError(resultErr *NodeResultError, err error) error {
	if err != nil {
		return err
	}
	if resultErr != nil {
		return resultErr.Rejected()
	}
	return nil
}

func (self *SyncDispatcher) CreateNode(parentId *Id, position Point, ackCallback AckFunction) (Id, error) {
	node, err := self.store.CreateNode(parentId, position)
	if err != nil {
		return Id{}, err
	}
	self.dispatchCreate(node, ackCallback)
	return node.Id, nil
}

func (self *SyncDispatcher) CreateFloatingNode(position Point, ackCallback AckFunction) (Id, error) {
	node, err := self.store.CreateFloatingNode(position)
	if err != nil {
		return Id{}, err
	}
	self.dispatchCreate(node, ackCallback)
	return node.Id, nil
}

func (self *SyncDispatcher) dispatchCreate(node *Node, ackCallback AckFunction) {
	ack := safeAck(ackCallback)
	self.status.beginSync()
	go HandleError(func() {
		result, err := self.api.CreateNodeSync(&CreateNodeArgs{
			MapId: self.store.MapId(),
			Node:  node,
		})
		var resultErr *NodeResultError
		var resultNode *Node
		if result != nil {
			resultErr = result.Error
			resultNode = result.Node
		}
		err = remoteError(resultErr, err)

		switch {
		case err == nil:
			if resultNode != nil && resultNode.Id != node.Id {
				self.reconcile(node.Id, resultNode.Id)
			}
			glog.V(2).Infof("[d]create %s ok\n", node.Id)
			self.settle(nil, ack)
		case IsRejected(err):
			self.store.RollbackCreate(node.Id)
			glog.Infof("[d]create %s rejected = %s\n", node.Id, err)
			self.settle(err, ack)
		default:
			self.enqueue(&PendingOperation{
				Kind:     OperationCreate,
				TargetId: node.Id,
				Node:     node,
			})
			glog.Infof("[d]create %s offline = %s\n", node.Id, err)
			self.settle(err, ack)
		}
	})
}

func (self *SyncDispatcher) UpdateNodeText(nodeId Id, text string, ackCallback AckFunction) error {
	snapshot, err := self.store.SnapshotNode(nodeId)
	if err != nil {
		return err
	}
	if err := self.store.UpdateNodeText(nodeId, text); err != nil {
		return err
	}
	textValue := text
	self.dispatchUpdate(nodeId, &NodeUpdate{Text: &textValue}, snapshot, ackCallback)
	return nil
}

func (self *SyncDispatcher) UpdateNodeStyle(nodeId Id, style NodeStyle, ackCallback AckFunction) error {
	snapshot, err := self.store.SnapshotNode(nodeId)
	if err != nil {
		return err
	}
	if err := self.store.UpdateNodeStyle(nodeId, style); err != nil {
		return err
	}
	self.dispatchUpdate(nodeId, &NodeUpdate{Style: style}, snapshot, ackCallback)
	return nil
}

func (self *SyncDispatcher) dispatchUpdate(nodeId Id, update *NodeUpdate, snapshot *StoreSnapshot, ackCallback AckFunction) {
	ack := safeAck(ackCallback)
	self.status.beginSync()
	go HandleError(func() {
		result, err := self.api.UpdateNodeSync(&UpdateNodeArgs{
			MapId:  self.store.MapId(),
			NodeId: nodeId,
			Update: update,
		})
		var resultErr *NodeResultError
		if result != nil {
			resultErr = result.Error
		}
		err = remoteError(resultErr, err)

		switch {
		case err == nil:
			glog.V(2).Infof("[d]update %s ok\n", nodeId)
			self.settle(nil, ack)
		case IsRejected(err):
			// the entity may be gone if the editor moved on while the
			// call was in flight
			if self.store.Contains(nodeId) {
				self.store.RestoreSnapshot(snapshot)
			}
			glog.Infof("[d]update %s rejected = %s\n", nodeId, err)
			self.settle(err, ack)
		default:
			self.enqueue(&PendingOperation{
				Kind:     OperationUpdate,
				TargetId: nodeId,
				Update:   update,
			})
			glog.Infof("[d]update %s offline = %s\n", nodeId, err)
			self.settle(err, ack)
		}
	})
}

// the root guard runs before any snapshot or network activity.
// local and remote state is never touched for a root delete.
func (self *SyncDispatcher) DeleteNode(nodeId Id, ackCallback AckFunction) error {
	if rootId, err := self.store.RootId(); err == nil && rootId == nodeId {
		return ErrDeleteRoot
	}
	snapshot, err := self.store.SnapshotSubtree(nodeId)
	if err != nil {
		return err
	}
	if _, err := self.store.RemoveNode(nodeId); err != nil {
		return err
	}

	ack := safeAck(ackCallback)
	self.status.beginSync()
	go HandleError(func() {
		result, err := self.api.DeleteNodeSync(&DeleteNodeArgs{
			MapId:  self.store.MapId(),
			NodeId: nodeId,
		})
		var resultErr *NodeResultError
		if result != nil {
			resultErr = result.Error
		}
		err = remoteError(resultErr, err)

		switch {
		case err == nil:
			glog.V(2).Infof("[d]delete %s ok\n", nodeId)
			self.settle(nil, ack)
		case IsRejected(err):
			self.store.RestoreSnapshot(snapshot)
			glog.Infof("[d]delete %s rejected = %s\n", nodeId, err)
			self.settle(err, ack)
		default:
			self.enqueue(&PendingOperation{
				Kind:     OperationDelete,
				TargetId: nodeId,
			})
			glog.Infof("[d]delete %s offline = %s\n", nodeId, err)
			self.settle(err, ack)
		}
	})
	return nil
}

// the batched position path. the store was already updated by the
// batcher; a network failure hands the final position to the queue
// instead of rolling back, since a reverted position during active
// dragging is more disruptive than a stale one.
func (self *SyncDispatcher) syncPosition(nodeId Id, position Point) {
	self.status.beginSync()
	result, err := self.api.UpdateNodePositionSync(&UpdateNodePositionArgs{
		MapId:    self.store.MapId(),
		NodeId:   nodeId,
		Position: position,
	})
	var resultErr *NodeResultError
	if result != nil {
		resultErr = result.Error
	}
	err = remoteError(resultErr, err)

	switch {
	case err == nil:
		glog.V(2).Infof("[b]position %s ok\n", nodeId)
		self.settle(nil, safeAck(nil))
	case IsRejected(err):
		glog.Infof("[b]position %s rejected = %s\n", nodeId, err)
		self.settle(err, safeAck(nil))
	default:
		positionValue := position
		self.enqueue(&PendingOperation{
			Kind:     OperationUpdate,
			TargetId: nodeId,
			Update:   &NodeUpdate{Position: &positionValue},
		})
		glog.Infof("[b]position %s offline = %s\n", nodeId, err)
		self.settle(err, safeAck(nil))
	}
}

// the single settle point for a mutation. network class failures are
// absorbed (soft error, ack nil); rejections surface through the ack.
func (self *SyncDispatcher) settle(err error, ack AckFunction) {
	switch {
	case err == nil:
		self.status.endSync(nil)
		self.status.setConnectionError(nil)
		ack(nil)
	case IsRejected(err):
		self.status.endSync(err)
		ack(err)
	default:
		self.status.endSync(err)
		self.status.setConnectionError(err)
		ack(nil)
	}
}

// rewrites the locally-generated id to the authoritative one, in the
// store and in any still-queued operations
func (self *SyncDispatcher) reconcile(oldId Id, newId Id) {
	if !self.store.RewriteId(oldId, newId) {
		// target no longer exists, e.g. deleted while the call was in flight
		glog.V(2).Infof("[d]reconcile skip %s->%s\n", oldId, newId)
	} else {
		glog.V(2).Infof("[d]reconcile %s->%s\n", oldId, newId)
	}
	if err := self.queue.ReconcileId(self.store.MapId(), oldId, newId); err != nil {
		glog.Infof("[d]queue reconcile error = %s\n", err)
	}
	self.syncQueued()
}

func (self *SyncDispatcher) enqueue(op *PendingOperation) {
	op.MapId = self.store.MapId()
	if err := self.queue.Enqueue(op); err != nil {
		glog.Infof("[d]enqueue error = %s\n", err)
	}
	self.syncQueued()
}

func (self *SyncDispatcher) syncQueued() {
	self.status.setQueued(self.queue.Size(self.store.MapId()))
}

// replays the map's queue through the same classification as direct
// calls. invoked once connectivity is confirmed restored.
func (self *SyncDispatcher) Replay(ctx context.Context) error {
	err := self.queue.Replay(ctx, self.store.MapId(), self.replayOperation)
	self.syncQueued()
	if err == nil {
		// the backlog settled, so any soft error it produced is stale
		self.status.clearSyncError()
	}
	return err
}

func (self *SyncDispatcher) replayOperation(op *PendingOperation) error {
	switch op.Kind {
	case OperationCreate:
		if !self.store.Contains(op.TargetId) {
			// the id was already reconciled by an earlier successful
			// call, or the node was deleted locally. idempotent by id.
			glog.V(2).Infof("[q]create %s already settled\n", op.TargetId)
			return nil
		}
		// replay the node as it stands now, not as it was enqueued
		node := op.Node
		if current, ok := self.store.Node(op.TargetId); ok {
			node = current
		}
		result, err := self.api.CreateNodeSync(&CreateNodeArgs{
			MapId: op.MapId,
			Node:  node,
		})
		var resultErr *NodeResultError
		var resultNode *Node
		if result != nil {
			resultErr = result.Error
			resultNode = result.Node
		}
		if err := remoteError(resultErr, err); err != nil {
			return err
		}
		if resultNode != nil && resultNode.Id != op.TargetId {
			self.reconcile(op.TargetId, resultNode.Id)
		}
		return nil
	case OperationUpdate:
		result, err := self.api.UpdateNodeSync(&UpdateNodeArgs{
			MapId:  op.MapId,
			NodeId: op.TargetId,
			Update: op.Update,
		})
		var resultErr *NodeResultError
		if result != nil {
			resultErr = result.Error
		}
		return remoteError(resultErr, err)
	case OperationDelete:
		result, err := self.api.DeleteNodeSync(&DeleteNodeArgs{
			MapId:  op.MapId,
			NodeId: op.TargetId,
		})
		var resultErr *NodeResultError
		if result != nil {
			resultErr = result.Error
		}
		return remoteError(resultErr, err)
	}
	return nil
}
