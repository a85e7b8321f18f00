package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := s.config.Auth.VerifyToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := r.URL.Query().Get("session")
	record, err := s.registry.Register(r.Context(), claims.UserID, sessionID)
	if err != nil {
		s.logger.Error("connection registration failed", "error", err)
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return
	}

	// A handshake that reclaims a client session id takes over the prior
	// connection's voice sessions and cancels its disconnect grace timer.
	if sessionID != "" {
		prior, err := s.registry.PreviousForSession(r.Context(), sessionID, record.ID)
		switch {
		case err == nil:
			s.voice.ReattachConnection(r.Context(), prior.ID, record.ID)
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("session reattach lookup failed",
				"session_id", sessionID,
				"error", err,
			)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsSession{
		server:       s,
		conn:         conn,
		send:         make(chan []byte, wsSendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		connectionID: record.ID,
		userID:       claims.UserID,
	}
	s.peers.add(record.ID, session)
	s.metrics.ActiveConnections.Inc()
	s.logger.Info("peer connected", "connection_id", record.ID, "user_id", claims.UserID)

	session.run()
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	connectionID string
	userID       string
	closeOnce    sync.Once
}

// enqueue implements the peer interface for the sender.
func (s *wsSession) enqueue(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	case <-s.ctx.Done():
		return errors.New("session closing")
	default:
		s.server.metrics.SendFailures.WithLabelValues("buffer_full").Inc()
		return errors.New("send buffer full")
	}
}

func (s *wsSession) gone() bool {
	return s.ctx.Err() != nil
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.server.peers.remove(s.connectionID)
		s.server.metrics.ActiveConnections.Dec()
		_ = s.conn.Close() //nolint:errcheck // best-effort cleanup

		// Detach uses a fresh context: the request context ended with the
		// socket.
		teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.registry.MarkDisconnected(teardownCtx, s.connectionID); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			s.server.logger.Warn("mark disconnected failed",
				"connection_id", s.connectionID,
				"error", err,
			)
		}
		s.server.voice.HandleConnectionLoss(context.Background(), s.connectionID)
		s.server.logger.Info("peer disconnected", "connection_id", s.connectionID)
	})
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck // deadline errors surface on read
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.server.metrics.MessagesTotal.WithLabelValues("inbound").Inc()
		s.touch()

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("", "invalid_frame", err.Error())
			continue
		}
		s.handleRequest(&frame)
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // deadline errors surface on write
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			s.server.metrics.MessagesTotal.WithLabelValues("outbound").Inc()
		}
	}
}

func (s *wsSession) touch() {
	if err := s.server.registry.Touch(s.ctx, s.connectionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.server.logger.Warn("touch failed", "connection_id", s.connectionID, "error", err)
	}
}

func (s *wsSession) handleRequest(frame *wsFrame) {
	switch frame.Method {
	case "ping":
		s.sendResult(frame.ID, "pong")

	case "voice.create":
		var params wsVoiceCreateParams
		if !s.decodeParams(frame, &params) {
			return
		}
		session, err := s.server.voice.Create(s.ctx, s.connectionID, s.userID, params.AudioFormat)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.server.metrics.VoiceSessionsTotal.WithLabelValues("started").Inc()
		s.sendResult(frame.ID, session)

	case "voice.update":
		var params wsVoiceUpdateParams
		if !s.decodeParams(frame, &params) {
			return
		}
		patch := models.VoiceSessionPatch{
			TotalDuration: params.TotalDuration,
			MessageCount:  params.MessageCount,
		}
		if params.Status != nil {
			status := models.VoiceSessionStatus(*params.Status)
			patch.Status = &status
		}
		session, err := s.server.voice.Update(s.ctx, params.SessionID, patch)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.sendResult(frame.ID, session)

	case "voice.end":
		var params wsVoiceSessionParams
		if !s.decodeParams(frame, &params) {
			return
		}
		session, err := s.server.voice.End(s.ctx, params.SessionID)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.server.metrics.VoiceSessionsTotal.WithLabelValues("completed").Inc()
		s.sendResult(frame.ID, session)

	case "voice.get":
		var params wsVoiceSessionParams
		if !s.decodeParams(frame, &params) {
			return
		}
		session, err := s.server.voice.Get(s.ctx, params.SessionID)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		if session.UserID != s.userID {
			s.sendError(frame.ID, "not_found", "voice session not found")
			return
		}
		s.sendResult(frame.ID, session)

	case "voice.list":
		var params wsListParams
		if !s.decodeParams(frame, &params) {
			return
		}
		sessions, err := s.server.voice.List(s.ctx, s.userID, params.Limit)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.sendResult(frame.ID, sessions)

	case "notes.list":
		var params wsListParams
		if !s.decodeParams(frame, &params) {
			return
		}
		notes, err := s.server.config.Stores.Notes.List(s.ctx, s.userID, params.Limit)
		if err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.sendResult(frame.ID, notes)

	case "events.publish":
		var params wsPublishParams
		if !s.decodeParams(frame, &params) {
			return
		}
		var event models.DomainEvent
		if err := json.Unmarshal(params.Event, &event); err != nil {
			s.sendError(frame.ID, "invalid_params", err.Error())
			return
		}
		// Callers publish only as themselves.
		event.UserID = s.userID
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		if err := s.server.bus.Publish(s.ctx, event); err != nil {
			s.sendFailure(frame.ID, err)
			return
		}
		s.sendResult(frame.ID, "accepted")

	default:
		s.sendError(frame.ID, "unknown_method", fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (s *wsSession) decodeParams(frame *wsFrame, out any) bool {
	if len(frame.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(frame.Params, out); err != nil {
		s.sendError(frame.ID, "invalid_params", err.Error())
		return false
	}
	return true
}

func (s *wsSession) sendResult(id string, payload any) {
	ok := true
	s.sendFrame(wsFrame{Type: "resp", ID: id, OK: &ok, Payload: payload})
}

func (s *wsSession) sendFailure(id string, err error) {
	code := "internal"
	if errors.Is(err, storage.ErrNotFound) {
		code = "not_found"
	}
	s.sendError(id, code, err.Error())
}

func (s *wsSession) sendError(id, code, message string) {
	ok := false
	s.sendFrame(wsFrame{Type: "resp", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (s *wsSession) sendFrame(frame wsFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.server.logger.Error("marshal frame failed", "error", err)
		return
	}
	if err := s.enqueue(payload); err != nil {
		s.server.logger.Warn("drop outbound frame",
			"connection_id", s.connectionID,
			"error", err,
		)
	}
}
