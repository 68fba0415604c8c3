package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"brigade/fanout"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum control message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// observerControl is the only message shape observers may send: topic
// subscription management. Everything else on the socket flows server→client.
type observerControl struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// observer bridges one WebSocket connection to a fanout subscriber.
type observer struct {
	conn   *websocket.Conn
	sub    *fanout.Subscriber
	hub    *fanout.Hub
	logger *zap.SugaredLogger
}

// serveObserver upgrades the connection and registers it with the fan-out
// hub. Topics requested via ?topics=a,b are subscribed immediately; further
// control messages adjust the set.
func (a *API) serveObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	sub := a.hub.Register(connID)

	if topics := r.URL.Query().Get("topics"); topics != "" {
		for _, topic := range strings.Split(topics, ",") {
			if topic == "" {
				continue
			}
			if err := a.hub.Subscribe(connID, topic); err != nil {
				a.logger.Warnw("initial subscribe failed", "conn_id", connID, "topic", topic, "error", err)
			}
		}
	}

	obs := &observer{conn: conn, sub: sub, hub: a.hub, logger: a.logger}
	go obs.writePump()
	go obs.readPump()
}

// readPump consumes control messages until the peer goes away, then tears
// the subscriber down.
func (o *observer) readPump() {
	defer func() {
		o.hub.Unregister(o.sub.ID())
		o.conn.Close()
	}()

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.logger.Debugw("websocket unexpected close", "conn_id", o.sub.ID(), "error", err)
			}
			return
		}

		var ctrl observerControl
		if err := json.Unmarshal(message, &ctrl); err != nil {
			o.logger.Debugw("ignoring malformed control message", "conn_id", o.sub.ID(), "error", err)
			continue
		}
		switch ctrl.Action {
		case "subscribe":
			if err := o.hub.Subscribe(o.sub.ID(), ctrl.Topic); err != nil {
				o.logger.Warnw("subscribe failed", "conn_id", o.sub.ID(), "topic", ctrl.Topic, "error", err)
			}
		case "unsubscribe":
			o.hub.Unsubscribe(o.sub.ID(), ctrl.Topic)
		default:
			o.logger.Debugw("unknown control action", "conn_id", o.sub.ID(), "action", ctrl.Action)
		}
	}
}

// writePump forwards hub events to the peer and keeps the connection alive
// with pings. Exits when the subscriber channel closes (unregistered) or a
// write fails.
func (o *observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-o.sub.Events():
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteJSON(evt); err != nil {
				return
			}

		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
