package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commonstate/converge/protocol"

	"github.com/golang/glog"
)

// SyncTransport terminates websocket connections for the sync service. the
// first message must authenticate; after that the reader dispatches inbound
// messages into the pipeline while the writer drains the session outbox.

type TransportSettings struct {
	// bound on receiving the auth message after upgrade
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		AuthTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  25 * time.Second,
		ReadLimit:    1 << 20,
	}
}

type SyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	service       *SyncService
	authenticator *Authenticator
	settings      *TransportSettings

	upgrader *websocket.Upgrader
}

func NewSyncTransportWithDefaults(ctx context.Context, service *SyncService, authenticator *Authenticator) *SyncTransport {
	return NewSyncTransport(ctx, service, authenticator, DefaultTransportSettings())
}

func NewSyncTransport(ctx context.Context, service *SyncService, authenticator *Authenticator, settings *TransportSettings) *SyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncTransport{
		ctx:           cancelCtx,
		cancel:        cancel,
		service:       service,
		authenticator: authenticator,
		settings:      settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// clients connect from any origin. auth happens in band.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *SyncTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[t]upgrade err = %s\n", err)
		return
	}

	go HandleError(func() {
		self.run(ws)
	}, func(err error) {
		ws.Close()
	})
}

func (self *SyncTransport) run(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadLimit(self.settings.ReadLimit)

	clientId, err := self.auth(ws)
	if err != nil {
		glog.V(1).Infof("[t]auth err = %s\n", err)
		return
	}

	session := self.service.Connect(clientId)
	defer self.service.DisconnectSession(session)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go self.writeLoop(handleCtx, handleCancel, ws, session)
	self.readLoop(handleCtx, handleCancel, ws, session)
}

func (self *SyncTransport) auth(ws *websocket.Conn) (Id, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return Id{}, err
	}

	messageType, err := protocol.MessageType(message)
	if err != nil {
		return Id{}, err
	}
	if messageType != protocol.MessageTypeAuth {
		return Id{}, fmt.Errorf("Expected auth, got %s.", messageType)
	}

	auth := &protocol.Auth{}
	if err := json.Unmarshal(message, auth); err != nil {
		return Id{}, err
	}

	clientId, err := self.authenticator.Verify(auth.Token)
	if err != nil {
		self.write(ws, &protocol.UpdateFailed{
			Type: protocol.MessageTypeUpdateFailed,
			Error: &protocol.ErrorInfo{
				Name:    "auth_failed",
				Message: "Invalid token.",
			},
		})
		return Id{}, err
	}

	if err := self.write(ws, &protocol.AuthOk{
		Type:     protocol.MessageTypeAuthOk,
		ClientId: clientId.String(),
	}); err != nil {
		return Id{}, err
	}
	return clientId, nil
}

func (self *SyncTransport) write(ws *websocket.Conn, message any) error {
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *SyncTransport) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, session *ClientSession) {
	defer cancel()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tr]close = %s\n", err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		self.handleMessage(session, message)
	}
}

func (self *SyncTransport) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, session *ClientSession) {
	defer func() {
		cancel()
		// unblocks a reader waiting in ReadMessage
		ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			// the registry dropped this session, disconnected or replaced
			// by a newer connection for the same client
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-session.Outbox():
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.V(2).Infof("[ts]write err = %s\n", err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *SyncTransport) handleMessage(session *ClientSession, message []byte) {
	messageType, err := protocol.MessageType(message)
	if err != nil {
		self.sendError(session, "", "validation_error", "Malformed message.")
		return
	}

	switch messageType {
	case protocol.MessageTypeSubscribe:
		subscribe := &protocol.Subscribe{}
		if err := json.Unmarshal(message, subscribe); err != nil {
			self.sendError(session, "", "validation_error", "Malformed subscribe.")
			return
		}
		options := &SubscribeOptions{
			IncludeHistory: subscribe.IncludeHistory,
		}
		if err := self.service.Subscribe(self.ctx, session.ClientId, subscribe.ResourceId, options); err != nil {
			self.sendError(session, subscribe.ResourceId, "subscribe_failed", err.Error())
		}
	case protocol.MessageTypeUnsubscribe:
		unsubscribe := &protocol.Unsubscribe{}
		if err := json.Unmarshal(message, unsubscribe); err != nil {
			self.sendError(session, "", "validation_error", "Malformed unsubscribe.")
			return
		}
		self.service.Unsubscribe(session.ClientId, unsubscribe.ResourceId)
	case protocol.MessageTypeUpdate:
		update := &protocol.Update{}
		if err := json.Unmarshal(message, update); err != nil {
			self.sendError(session, "", "validation_error", "Malformed update.")
			return
		}
		if update.Change == nil {
			self.sendError(session, update.ResourceId, "validation_error", "Update carries no change.")
			return
		}
		change := coreChange(update.Change, update.ResourceId, session.ClientId, time.Now())
		if err := self.service.Update(self.ctx, session.ClientId, change, ResolutionStrategy(update.Strategy)); err != nil {
			glog.V(1).Infof("[tr]update err = %s\n", err)
		}
	case protocol.MessageTypeResolveConflict:
		resolve := &protocol.ResolveConflict{}
		if err := json.Unmarshal(message, resolve); err != nil {
			self.sendError(session, "", "validation_error", "Malformed resolve_conflict.")
			return
		}
		changeId, err := ParseId(resolve.ChangeId)
		if err != nil {
			self.sendError(session, resolve.ResourceId, "validation_error", "Malformed changeId.")
			return
		}
		if err := self.service.ResolveChoice(self.ctx, session.ClientId, changeId, resolve.Choice, resolve.Values); err != nil {
			self.sendError(session, resolve.ResourceId, "resolve_failed", err.Error())
		}
	case protocol.MessageTypePing:
		if frame, err := json.Marshal(&protocol.Pong{Type: protocol.MessageTypePong}); err == nil {
			session.Send(frame)
		}
	default:
		glog.V(2).Infof("[tr]unknown message type %s\n", messageType)
	}
}

func (self *SyncTransport) sendError(session *ClientSession, resourceId string, name string, message string) {
	failed := &protocol.UpdateFailed{
		Type:       protocol.MessageTypeUpdateFailed,
		ResourceId: resourceId,
		Error: &protocol.ErrorInfo{
			Name:    name,
			Message: message,
		},
	}
	frame, err := json.Marshal(failed)
	if err != nil {
		return
	}
	session.Send(frame)
}

func (self *SyncTransport) Close() {
	self.cancel()
}
