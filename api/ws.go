package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"healthlink-api/events"
)

// Client commands, carried in the "action" field.
const (
	actionSubscribeContract   = "subscribe-contract-event"
	actionUnsubscribeContract = "unsubscribe-contract-event"
	actionSubscribeBlock      = "subscribe-block-event"
	actionUnsubscribeBlock    = "unsubscribe-block-event"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

type wsCommand struct {
	Action       string  `json:"action"`
	ContractName string  `json:"contractName,omitempty"`
	EventName    string  `json:"eventName,omitempty"`
	StartBlock   *uint64 `json:"startBlock,omitempty"`
}

// handleEvents upgrades the connection and bridges it to an event
// subscriber. Command failures go back in-band as event-error messages; the
// connection only closes on client disconnect, server shutdown or a missed
// ping deadline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	sub := s.hub.NewSubscriber()
	replies := make(chan events.Envelope, 8)
	wsConnections.Inc()
	logger.Infof("websocket client %s connected as subscriber %s", conn.RemoteAddr(), sub.ID())

	go s.writePump(conn, sub, replies)
	s.readPump(conn, sub, replies)
}

// readPump decodes client commands until the connection dies. It owns the
// connection teardown: closing the subscriber ends the write pump too.
func (s *Server) readPump(conn *websocket.Conn, sub *events.Subscriber, replies chan<- events.Envelope) {
	defer func() {
		sub.Close()
		conn.Close()
		wsConnections.Dec()
		logger.Infof("websocket subscriber %s disconnected", sub.ID())
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("subscriber %s read failed: %v", sub.ID(), err)
			}
			return
		}
		s.dispatch(sub, replies, frame)
	}
}

func (s *Server) dispatch(sub *events.Subscriber, replies chan<- events.Envelope, frame []byte) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()

	var cmd wsCommand
	if err := dec.Decode(&cmd); err != nil {
		reply(replies, events.NewEventError("", fmt.Sprintf("malformed command: %v", err)))
		return
	}

	switch cmd.Action {
	case actionSubscribeContract:
		if err := s.hub.SubscribeContract(sub, cmd.ContractName, cmd.EventName); err != nil {
			reply(replies, events.NewEventError(cmd.ContractName, err.Error()))
		}
	case actionUnsubscribeContract:
		s.hub.UnsubscribeContract(sub, cmd.ContractName)
	case actionSubscribeBlock:
		if err := s.hub.SubscribeBlocks(sub, cmd.StartBlock); err != nil {
			reply(replies, events.NewEventError("", err.Error()))
		}
	case actionUnsubscribeBlock:
		s.hub.UnsubscribeBlocks(sub)
	default:
		reply(replies, events.NewEventError("", fmt.Sprintf("unknown action %q", cmd.Action)))
	}
}

// reply queues an in-band answer without ever blocking the read loop.
func reply(replies chan<- events.Envelope, env events.Envelope) {
	select {
	case replies <- env:
	default:
	}
}

// writePump is the single writer on the connection: subscribed events,
// command replies and keepalive pings all leave through here.
func (s *Server) writePump(conn *websocket.Conn, sub *events.Subscriber, replies <-chan events.Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber closed"))
				return
			}
			if !writeEnvelope(conn, env) {
				return
			}
		case env := <-replies:
			if !writeEnvelope(conn, env) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env events.Envelope) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		logger.Debugf("websocket write failed: %v", err)
		return false
	}
	return true
}
