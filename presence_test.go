package mapsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testPresenceSettings() *PresenceChannelSettings {
	return &PresenceChannelSettings{
		WsHandshakeTimeout: 1 * time.Second,
		JoinTimeout:        1 * time.Second,
		ReconnectTimeout:   50 * time.Millisecond,
		PingTimeout:        100 * time.Millisecond,
		WriteTimeout:       1 * time.Second,
		ReadTimeout:        5 * time.Second,
		MinPublishInterval: 1 * time.Millisecond,
	}
}

type testPresenceServer struct {
	stateLock      sync.Mutex
	joinCount      int
	hellos         []*presenceHello
	updates        []*PresenceFact
	snapshotFacts  []json.RawMessage
	closeAfterJoin bool

	upgrader websocket.Upgrader
	server   *httptest.Server
}

func newTestPresenceServer() *testPresenceServer {
	self := &testPresenceServer{}
	self.server = httptest.NewServer(http.HandlerFunc(self.handle))
	return self
}

func (self *testPresenceServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, helloBytes, err := ws.ReadMessage()
	if err != nil {
		return
	}
	hello := &presenceHello{}
	if err := json.Unmarshal(helloBytes, hello); err != nil {
		return
	}

	self.stateLock.Lock()
	self.joinCount += 1
	joinCount := self.joinCount
	self.hellos = append(self.hellos, hello)
	snapshotFacts := self.snapshotFacts
	closeAfterJoin := self.closeAfterJoin
	self.stateLock.Unlock()

	snapshotBytes, _ := json.Marshal(&presenceMessage{
		Type:  "snapshot",
		Facts: snapshotFacts,
	})
	if err := ws.WriteMessage(websocket.TextMessage, snapshotBytes); err != nil {
		return
	}

	if closeAfterJoin && joinCount == 1 {
		return
	}

	for {
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(messageBytes) == 0 {
			// ping
			continue
		}
		message := &presenceMessage{}
		if err := json.Unmarshal(messageBytes, message); err != nil {
			continue
		}
		if message.Type == "update" && message.Fact != nil {
			self.stateLock.Lock()
			self.updates = append(self.updates, message.Fact)
			self.stateLock.Unlock()
		}
	}
}

func (self *testPresenceServer) wsUrl() string {
	return strings.Replace(self.server.URL, "http", "ws", 1)
}

func (self *testPresenceServer) firstHello() *presenceHello {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hellos[0]
}

func (self *testPresenceServer) joins() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.joinCount
}

func (self *testPresenceServer) updateFacts() []*PresenceFact {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	facts := make([]*PresenceFact, len(self.updates))
	copy(facts, self.updates)
	return facts
}

func (self *testPresenceServer) Close() {
	self.server.Close()
}

func waitForPresenceState(t *testing.T, channel *PresenceChannel, state PresenceState) {
	endTime := time.Now().Add(5 * time.Second)
	for channel.State() != state {
		if endTime.Before(time.Now()) {
			t.Fatalf("presence state %s != %s", channel.State(), state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testSessionAuth() *SessionAuth {
	return &SessionAuth{
		Jwt:         "test",
		UserId:      NewId(),
		DisplayName: "me",
		Color:       "#00f",
	}
}

func TestPresenceJoin(t *testing.T) {
	server := newTestPresenceServer()
	defer server.Close()

	remoteUserId := NewId()
	nodeId := NewId()
	remoteRaw, _ := json.Marshal(&PresenceFact{
		UserId:          remoteUserId,
		DisplayName:     "peer",
		Cursor:          &Point{X: 1, Y: 1},
		SelectedNodeIds: []Id{nodeId},
	})
	server.snapshotFacts = []json.RawMessage{remoteRaw}

	auth := testSessionAuth()
	merger := NewAwarenessMerger(auth.UserId)
	mapId := NewId()

	channel := NewPresenceChannel(
		context.Background(),
		server.wsUrl(),
		mapId,
		auth,
		merger,
		testPresenceSettings(),
	)
	defer channel.Close()

	waitForPresenceState(t, channel, PresenceJoined)

	// the hello carries the map and the local fact
	hello := server.firstHello()
	assert.Equal(t, mapId, hello.MapId)
	assert.Equal(t, auth.UserId, hello.Fact.UserId)
	assert.Equal(t, "me", hello.Fact.DisplayName)

	// the join snapshot is merged
	users := merger.SelectedBy()[nodeId]
	assert.Equal(t, 1, len(users))
	assert.Equal(t, remoteUserId, users[0].Id)
}

func TestPresencePublish(t *testing.T) {
	server := newTestPresenceServer()
	defer server.Close()

	auth := testSessionAuth()
	merger := NewAwarenessMerger(auth.UserId)

	channel := NewPresenceChannel(
		context.Background(),
		server.wsUrl(),
		NewId(),
		auth,
		merger,
		testPresenceSettings(),
	)
	defer channel.Close()

	waitForPresenceState(t, channel, PresenceJoined)

	nodeId := NewId()
	channel.SetCursor(&Point{X: 5, Y: 6})
	channel.SetSelection([]Id{nodeId})

	endTime := time.Now().Add(5 * time.Second)
	for {
		facts := server.updateFacts()
		if 0 < len(facts) {
			last := facts[len(facts)-1]
			if last.Cursor != nil && len(last.SelectedNodeIds) == 1 {
				assert.Equal(t, auth.UserId, last.UserId)
				assert.Equal(t, Point{X: 5, Y: 6}, *last.Cursor)
				assert.Equal(t, nodeId, last.SelectedNodeIds[0])
				break
			}
		}
		if endTime.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresenceReconnect(t *testing.T) {
	server := newTestPresenceServer()
	defer server.Close()
	server.closeAfterJoin = true

	auth := testSessionAuth()
	merger := NewAwarenessMerger(auth.UserId)

	channel := NewPresenceChannel(
		context.Background(),
		server.wsUrl(),
		NewId(),
		auth,
		merger,
		testPresenceSettings(),
	)
	defer channel.Close()

	// the first session is dropped by the server; the channel rejoins
	// and completes a fresh join
	endTime := time.Now().Add(5 * time.Second)
	for server.joins() < 2 {
		if endTime.Before(time.Now()) {
			t.FailNow()
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitForPresenceState(t, channel, PresenceJoined)
}

func TestPresenceClose(t *testing.T) {
	server := newTestPresenceServer()
	defer server.Close()

	nodeId := NewId()
	remoteRaw, _ := json.Marshal(&PresenceFact{
		UserId:          NewId(),
		DisplayName:     "peer",
		Cursor:          &Point{},
		SelectedNodeIds: []Id{nodeId},
	})
	server.snapshotFacts = []json.RawMessage{remoteRaw}

	auth := testSessionAuth()
	merger := NewAwarenessMerger(auth.UserId)

	channel := NewPresenceChannel(
		context.Background(),
		server.wsUrl(),
		NewId(),
		auth,
		merger,
		testPresenceSettings(),
	)

	waitForPresenceState(t, channel, PresenceJoined)
	assert.Equal(t, 1, len(merger.SelectedBy()[nodeId]))

	channel.Close()
	waitForPresenceState(t, channel, PresenceLeft)

	// left is terminal and remote facts are dropped
	assert.Equal(t, 0, len(merger.SelectedBy()))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PresenceLeft, channel.State())
	assert.Equal(t, 1, server.joins())
}

func TestPresenceJoinFailureRetries(t *testing.T) {
	// no server listening yet: the channel stays disconnected and keeps
	// retrying without leaving
	auth := testSessionAuth()
	merger := NewAwarenessMerger(auth.UserId)

	channel := NewPresenceChannel(
		context.Background(),
		"ws://127.0.0.1:1",
		NewId(),
		auth,
		merger,
		testPresenceSettings(),
	)
	defer channel.Close()

	time.Sleep(200 * time.Millisecond)
	state := channel.State()
	assert.Equal(t, true, state == PresenceDisconnected || state == PresenceJoining)
}
