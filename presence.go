package mapsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const PresenceBufferSize = 1

type PresenceState string

const (
	PresenceDisconnected PresenceState = "disconnected"
	PresenceJoining      PresenceState = "joining"
	PresenceJoined       PresenceState = "joined"
	// terminal. a left channel never rejoins.
	PresenceLeft PresenceState = "left"
)

type PresenceChannelSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// floor between consecutive fact publishes. cursor moves arrive
	// much faster than remote peers need to see them.
	MinPublishInterval time.Duration
}

func DefaultPresenceChannelSettings() *PresenceChannelSettings {
	return &PresenceChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		JoinTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		MinPublishInterval: 50 * time.Millisecond,
	}
}

// join = dial + hello + first snapshot
type presenceHello struct {
	MapId Id            `json:"map_id"`
	Fact  *PresenceFact `json:"fact"`
}

type presenceMessage struct {
	Type  string            `json:"type"`
	Fact  *PresenceFact     `json:"fact,omitempty"`
	Facts []json.RawMessage `json:"facts,omitempty"`
}

// maintains the websocket to the presence service for one map.
// every (re)connect performs a full join and receives a fresh
// snapshot, so a dropped channel never leaves stale remote facts
// behind. presence failures never affect document sync.
type PresenceChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	mapId      Id
	auth       *SessionAuth
	merger     *AwarenessMerger

	settings *PresenceChannelSettings

	stateLock sync.Mutex
	state     PresenceState
	localFact *PresenceFact

	publish chan *PresenceFact

	stateMonitor *Monitor
}

func NewPresenceChannelWithDefaults(
	ctx context.Context,
	channelUrl string,
	mapId Id,
	auth *SessionAuth,
	merger *AwarenessMerger,
) *PresenceChannel {
	return NewPresenceChannel(
		ctx,
		channelUrl,
		mapId,
		auth,
		merger,
		DefaultPresenceChannelSettings(),
	)
}

func NewPresenceChannel(
	ctx context.Context,
	channelUrl string,
	mapId Id,
	auth *SessionAuth,
	merger *AwarenessMerger,
	settings *PresenceChannelSettings,
) *PresenceChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &PresenceChannel{
		ctx:        cancelCtx,
		cancel:     cancel,
		channelUrl: channelUrl,
		mapId:      mapId,
		auth:       auth,
		merger:     merger,
		settings:   settings,
		state:      PresenceDisconnected,
		localFact: &PresenceFact{
			UserId:         auth.UserId,
			DisplayName:    auth.DisplayName,
			Color:          auth.Color,
			ActivityStatus: ActivityActive,
			LastActiveAt:   time.Now(),
		},
		publish:      make(chan *PresenceFact, PresenceBufferSize),
		stateMonitor: NewMonitor(),
	}
	go channel.run()
	return channel
}

func (self *PresenceChannel) run() {
	defer func() {
		self.cancel()
		self.setState(PresenceLeft)
		self.merger.Clear()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setState(PresenceJoining)

		join := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.Jwt))
			ws, _, err := dialer.DialContext(self.ctx, self.channelUrl, header)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			helloBytes, err := json.Marshal(&presenceHello{
				MapId: self.mapId,
				Fact:  self.fact(),
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, helloBytes); err != nil {
				return nil, err
			}

			// the join completes with a full snapshot
			ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
			_, messageBytes, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			message := &presenceMessage{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				return nil, err
			}
			if message.Type != "snapshot" {
				return nil, fmt.Errorf("join response error: %s", message.Type)
			}
			self.merger.ApplySnapshot(message.Facts)

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[p]join %s", self.mapId), join)
		} else {
			ws, err = join()
		}
		if err != nil {
			glog.Infof("[p]join error %s = %s\n", self.mapId, err)
			self.setState(PresenceDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setState(PresenceJoined)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case fact, ok := <-self.publish:
						if !ok {
							return
						}

						factBytes, err := json.Marshal(&presenceMessage{
							Type: "update",
							Fact: fact,
						})
						if err != nil {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, factBytes); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[p]%s-> error = %s\n", self.mapId, err)
							return
						}
						glog.V(2).Infof("[p]%s->\n", self.mapId)

						select {
						case <-handleCtx.Done():
							return
						case <-time.After(self.settings.MinPublishInterval):
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[p]%s<- error = %s\n", self.mapId, err)
						return
					}

					if 0 == len(messageBytes) {
						// ping
						glog.V(2).Infof("[p]ping %s<-\n", self.mapId)
						continue
					}

					message := &presenceMessage{}
					if err := json.Unmarshal(messageBytes, message); err != nil {
						glog.Infof("[p]%s<- decode error = %s\n", self.mapId, err)
						continue
					}
					switch message.Type {
					case "snapshot":
						self.merger.ApplySnapshot(message.Facts)
						glog.V(2).Infof("[p]%s<-\n", self.mapId)
					default:
						glog.V(2).Infof("[p]other=%s %s<-\n", message.Type, self.mapId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[p]joined run %s", self.mapId), c)
		} else {
			c()
		}

		self.setState(PresenceDisconnected)
		self.merger.Clear()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PresenceChannel) setState(state PresenceState) {
	self.stateLock.Lock()
	if self.state == PresenceLeft {
		self.stateLock.Unlock()
		return
	}
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()
	if changed {
		self.stateMonitor.NotifyAll()
	}
}

func (self *PresenceChannel) State() PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *PresenceChannel) StateMonitor() *Monitor {
	return self.stateMonitor
}

func (self *PresenceChannel) SetCursor(cursor *Point) {
	self.updateFact(func(fact *PresenceFact) {
		fact.Cursor = cursor
	})
}

func (self *PresenceChannel) SetSelection(nodeIds []Id) {
	self.updateFact(func(fact *PresenceFact) {
		fact.SelectedNodeIds = nodeIds
	})
}

func (self *PresenceChannel) SetEditing(nodeId *Id) {
	self.updateFact(func(fact *PresenceFact) {
		fact.EditingNodeId = nodeId
	})
}

func (self *PresenceChannel) SetActivity(status ActivityStatus) {
	self.updateFact(func(fact *PresenceFact) {
		fact.ActivityStatus = status
	})
}

func (self *PresenceChannel) updateFact(update func(fact *PresenceFact)) {
	self.stateLock.Lock()
	update(self.localFact)
	self.localFact.LastActiveAt = time.Now()
	fact := self.localFact.Copy()
	self.stateLock.Unlock()

	self.offerPublish(fact)
}

func (self *PresenceChannel) fact() *PresenceFact {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localFact.Copy()
}

// latest wins. a slow channel sees the newest fact, never a backlog.
func (self *PresenceChannel) offerPublish(fact *PresenceFact) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case self.publish <- fact:
			return
		default:
			select {
			case <-self.publish:
			default:
			}
		}
	}
}

func (self *PresenceChannel) Close() {
	self.cancel()
}
