package mapsync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type EditorSettings struct {
	BatcherSettings  *PositionBatcherSettings
	PresenceSettings *PresenceChannelSettings
	// floor between connectivity probes while offline
	ReconnectTimeout time.Duration
}

func DefaultEditorSettings() *EditorSettings {
	return &EditorSettings{
		BatcherSettings:  DefaultPositionBatcherSettings(),
		PresenceSettings: DefaultPresenceChannelSettings(),
		ReconnectTimeout: 5 * time.Second,
	}
}

// one editing session on one map. composes the entity store, the sync
// dispatcher, the offline queue, the position batcher, the presence
// channel and the awareness merger behind a single surface.
//
// the caller owns the queue storage, which may be shared across maps.
// `Close` ends presence and cancels scheduled work but lets in-flight
// api calls settle.
type Editor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mapId Id
	auth  *SessionAuth

	store      *EntityStore
	api        *MapApi
	queue      *OfflineQueue
	status     *SyncStatus
	dispatcher *SyncDispatcher
	batcher    *PositionBatcher
	merger     *AwarenessMerger
	presence   *PresenceChannel

	settings *EditorSettings
}

func NewEditorWithDefaults(
	ctx context.Context,
	mapId Id,
	auth *SessionAuth,
	apiUrl string,
	channelUrl string,
	storage QueueStorage,
) (*Editor, error) {
	return NewEditor(
		ctx,
		mapId,
		auth,
		apiUrl,
		channelUrl,
		storage,
		DefaultEditorSettings(),
	)
}

func NewEditor(
	ctx context.Context,
	mapId Id,
	auth *SessionAuth,
	apiUrl string,
	channelUrl string,
	storage QueueStorage,
	settings *EditorSettings,
) (*Editor, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewEntityStore(mapId)
	api := NewMapApi(apiUrl)
	api.SetByJwt(auth.Jwt)
	queue := NewOfflineQueue(storage)
	status := NewSyncStatus()
	dispatcher := NewSyncDispatcher(store, api, queue, status)
	batcher := NewPositionBatcher(store, dispatcher, settings.BatcherSettings)
	merger := NewAwarenessMerger(auth.UserId)
	presence := NewPresenceChannel(
		cancelCtx,
		channelUrl,
		mapId,
		auth,
		merger,
		settings.PresenceSettings,
	)

	// resume unflushed work from a previous run
	if err := queue.Load(mapId); err != nil {
		presence.Close()
		cancel()
		return nil, err
	}
	status.setQueued(queue.Size(mapId))

	editor := &Editor{
		ctx:        cancelCtx,
		cancel:     cancel,
		mapId:      mapId,
		auth:       auth,
		store:      store,
		api:        api,
		queue:      queue,
		status:     status,
		dispatcher: dispatcher,
		batcher:    batcher,
		merger:     merger,
		presence:   presence,
		settings:   settings,
	}
	go editor.run()
	return editor, nil
}

// the connectivity probe loop. idle while online with an empty queue;
// otherwise probe the status endpoint on the reconnect window and
// replay the queue once a probe succeeds. replay halts on the first
// network failure and the next probe resumes from the same operation.
func (self *Editor) run() {
	defer self.cancel()

	for {
		for !self.needsProbe() {
			notify := self.status.Monitor().NotifyChannel()
			if self.needsProbe() {
				break
			}
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}

		if _, err := self.api.StatusSync(); err != nil {
			glog.V(2).Infof("[e]probe %s = %s\n", self.mapId, err)
			continue
		}
		self.status.setConnectionError(nil)

		if err := self.dispatcher.Replay(self.ctx); err != nil {
			if IsRejected(err) || self.ctx.Err() != nil {
				continue
			}
			self.status.setConnectionError(err)
			glog.Infof("[e]replay halt %s = %s\n", self.mapId, err)
		}
	}
}

func (self *Editor) needsProbe() bool {
	return self.status.LastConnectionError() != nil || 0 < self.queue.Size(self.mapId)
}

// document mutations

func (self *Editor) CreateNode(parentId *Id, position Point, ackCallback AckFunction) (Id, error) {
	return self.dispatcher.CreateNode(parentId, position, ackCallback)
}

func (self *Editor) CreateFloatingNode(position Point, ackCallback AckFunction) (Id, error) {
	return self.dispatcher.CreateFloatingNode(position, ackCallback)
}

func (self *Editor) UpdateNodeText(nodeId Id, text string, ackCallback AckFunction) error {
	return self.dispatcher.UpdateNodeText(nodeId, text, ackCallback)
}

func (self *Editor) UpdateNodeStyle(nodeId Id, style NodeStyle, ackCallback AckFunction) error {
	return self.dispatcher.UpdateNodeStyle(nodeId, style, ackCallback)
}

func (self *Editor) DeleteNode(nodeId Id, ackCallback AckFunction) error {
	return self.dispatcher.DeleteNode(nodeId, ackCallback)
}

// the batched drag path. local position is applied immediately and the
// network call is debounced per node.
func (self *Editor) MoveNode(nodeId Id, position Point) error {
	return self.batcher.Update(nodeId, position)
}

// collapse is presentation state. it is applied locally and never
// synced.
func (self *Editor) SetNodeCollapsed(nodeId Id, isCollapsed bool) error {
	return self.store.SetNodeCollapsed(nodeId, isCollapsed)
}

// selection and presence

func (self *Editor) Select(nodeIds ...Id) {
	self.store.Select(nodeIds...)
	self.presence.SetSelection(self.store.SelectedNodeIds())
}

func (self *Editor) SetCursor(cursor *Point) {
	self.presence.SetCursor(cursor)
}

func (self *Editor) SetEditing(nodeId *Id) {
	self.presence.SetEditing(nodeId)
}

func (self *Editor) SetActivity(status ActivityStatus) {
	self.presence.SetActivity(status)
}

// read surface

func (self *Editor) Node(nodeId Id) (*Node, bool) {
	return self.store.Node(nodeId)
}

func (self *Editor) Nodes() []*Node {
	return self.store.Nodes()
}

func (self *Editor) Edges() []*Edge {
	return self.store.Edges()
}

func (self *Editor) RootId() (Id, error) {
	return self.store.RootId()
}

func (self *Editor) SelectedNodeIds() []Id {
	return self.store.SelectedNodeIds()
}

func (self *Editor) ChangeMonitor() *Monitor {
	return self.store.ChangeMonitor()
}

func (self *Editor) Status() *SyncStatus {
	return self.status
}

// the returned function unsubscribes
func (self *Editor) AddSyncErrorCallback(syncErrorCallback SyncErrorFunction) func() {
	return self.status.AddSyncErrorCallback(syncErrorCallback)
}

func (self *Editor) PresenceState() PresenceState {
	return self.presence.State()
}

func (self *Editor) PresenceStateMonitor() *Monitor {
	return self.presence.StateMonitor()
}

func (self *Editor) SelectedBy() map[Id][]*PresenceUser {
	return self.merger.SelectedBy()
}

func (self *Editor) EditingBy() map[Id][]*PresenceUser {
	return self.merger.EditingBy()
}

func (self *Editor) NodeUsers(nodeId Id) ([]*PresenceUser, bool) {
	return self.merger.NodeUsers(nodeId)
}

func (self *Editor) AwarenessMonitor() *Monitor {
	return self.merger.Monitor()
}

func (self *Editor) Close() {
	self.cancel()
	self.batcher.Close()
	self.presence.Close()
}
