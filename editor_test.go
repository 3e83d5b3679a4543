package mapsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEditorSettings() *EditorSettings {
	return &EditorSettings{
		BatcherSettings: &PositionBatcherSettings{
			QuietPeriod: 20 * time.Millisecond,
		},
		PresenceSettings: testPresenceSettings(),
		ReconnectTimeout: 30 * time.Millisecond,
	}
}

func newTestEditor(t *testing.T, storage QueueStorage) (*Editor, *testMapServer, *testPresenceServer) {
	mapServer := newTestMapServer()
	t.Cleanup(mapServer.Close)
	presenceServer := newTestPresenceServer()
	t.Cleanup(presenceServer.Close)

	editor, err := NewEditor(
		context.Background(),
		NewId(),
		testSessionAuth(),
		mapServer.server.URL,
		presenceServer.wsUrl(),
		storage,
		testEditorSettings(),
	)
	assert.Equal(t, err, nil)
	t.Cleanup(editor.Close)
	return editor, mapServer, presenceServer
}

func TestEditorLifecycle(t *testing.T) {
	editor, mapServer, _ := newTestEditor(t, NewMemoryQueueStorage())

	ack := make(chan error, 1)
	rootId, err := editor.CreateNode(nil, Point{}, func(err error) {
		ack <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, nil, waitAck(t, ack))

	childId, err := editor.CreateNode(&rootId, Point{X: 1}, func(err error) {
		ack <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, nil, waitAck(t, ack))

	assert.Equal(t, 2, len(editor.Nodes()))
	assert.Equal(t, 1, len(editor.Edges()))

	err = editor.UpdateNodeText(childId, "idea", func(err error) {
		ack <- err
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, nil, waitAck(t, ack))
	node, ok := editor.Node(childId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "idea", node.Text)

	// the drag path debounces to one call
	for i := 0; i < 10; i += 1 {
		err := editor.MoveNode(childId, Point{X: float32(i), Y: 1})
		assert.Equal(t, err, nil)
	}
	waitForPositionCount(t, mapServer, 1)

	// collapse applies locally without a network call
	err = editor.SetNodeCollapsed(childId, true)
	assert.Equal(t, err, nil)
	node, _ = editor.Node(childId)
	assert.Equal(t, true, node.IsCollapsed)

	assert.Equal(t, 0, editor.Status().PendingChanges())
}

func TestEditorOfflineRecovery(t *testing.T) {
	editor, mapServer, _ := newTestEditor(t, NewMemoryQueueStorage())

	mapServer.setOffline(true)

	ack := make(chan error, 1)
	rootId, err := editor.CreateNode(nil, Point{}, func(err error) {
		ack <- err
	})
	assert.Equal(t, err, nil)
	// the network failure is absorbed and the node stands
	assert.Equal(t, nil, waitAck(t, ack))
	assert.Equal(t, true, editor.store.Contains(rootId))
	assert.Equal(t, 1, editor.Status().PendingChanges())

	// connectivity returns: the probe loop replays without any call from
	// the editor surface
	mapServer.setOffline(false)

	endTime := time.Now().Add(5 * time.Second)
	for editor.Status().PendingChanges() != 0 {
		if endTime.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, true, editor.Status().LastConnectionError() == nil)

	createCount, _, _, _ := mapServer.counts()
	assert.Equal(t, 1, createCount)
}

func TestEditorSelectPublishesPresence(t *testing.T) {
	editor, _, presenceServer := newTestEditor(t, NewMemoryQueueStorage())

	waitForPresenceState(t, editor.presence, PresenceJoined)

	ack := make(chan error, 1)
	rootId, _ := editor.CreateNode(nil, Point{}, func(err error) {
		ack <- err
	})
	waitAck(t, ack)

	editor.Select(rootId)
	assert.Equal(t, []Id{rootId}, editor.SelectedNodeIds())

	endTime := time.Now().Add(5 * time.Second)
	for {
		facts := presenceServer.updateFacts()
		if 0 < len(facts) && len(facts[len(facts)-1].SelectedNodeIds) == 1 {
			assert.Equal(t, rootId, facts[len(facts)-1].SelectedNodeIds[0])
			break
		}
		if endTime.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEditorResumesQueueFromStorage(t *testing.T) {
	storage := NewMemoryQueueStorage()

	mapServer := newTestMapServer()
	t.Cleanup(mapServer.Close)
	presenceServer := newTestPresenceServer()
	t.Cleanup(presenceServer.Close)
	mapId := NewId()

	// a previous run left a pending operation behind
	nodeId := NewId()
	storage.Append(&PendingOperation{
		Kind:     OperationDelete,
		MapId:    mapId,
		TargetId: nodeId,
	})

	editor, err := NewEditor(
		context.Background(),
		mapId,
		testSessionAuth(),
		mapServer.server.URL,
		presenceServer.wsUrl(),
		storage,
		testEditorSettings(),
	)
	assert.Equal(t, err, nil)
	t.Cleanup(editor.Close)

	// the probe loop flushes the resumed work
	endTime := time.Now().Add(5 * time.Second)
	for editor.Status().PendingChanges() != 0 {
		if endTime.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, _, deleteCount, _ := mapServer.counts()
	assert.Equal(t, 1, deleteCount)
}
