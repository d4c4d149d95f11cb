package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ChannelFactory opens the session side-channel a websocket participant
// bridges onto.
type ChannelFactory func(sessionID domain.SessionID) ports.SignalChannel

// WebSocketRelay terminates participant websockets on the gateway and bridges
// each one onto the per-session signal channel. It relays in both directions
// and never interprets signaling payloads beyond boundary validation.
type WebSocketRelay struct {
	openChannel ChannelFactory
	drops       DropReporter

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewWebSocketRelay(openChannel ChannelFactory, drops DropReporter, logger *zap.SugaredLogger) *WebSocketRelay {
	return &WebSocketRelay{
		openChannel:  openChannel,
		drops:        drops,
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func (s *WebSocketRelay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := domain.SessionID(query.Get("session_id"))
	entry := domain.PresenceEntry{
		Key:           domain.PresenceKey(query.Get("key")),
		Role:          domain.Role(query.Get("role")),
		ParticipantID: domain.ParticipantID(query.Get("participant_id")),
		DisplayName:   query.Get("display_name"),
		JoinedAt:      time.Now().UTC(),
	}
	if sessionID == "" || entry.Validate() != nil {
		http.Error(w, "invalid presence parameters", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	channel := s.openChannel(sessionID)
	defer channel.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := channel.Join(ctx, entry); err != nil {
		s.logger.Errorw("failed to join session channel",
			"session_id", sessionID,
			"key", entry.Key,
			"error", err,
		)
		s.sendError(conn, "failed to join session channel")
		return
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if err := channel.Leave(leaveCtx); err != nil {
			s.logger.Warnw("failed to leave session channel",
				"session_id", sessionID,
				"key", entry.Key,
				"error", err,
			)
		}
	}()

	s.logger.Infow("participant connected",
		"session_id", sessionID,
		"key", entry.Key,
		"role", entry.Role,
	)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	inbound := make(chan domain.ChannelEvent, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var event domain.ChannelEvent
			if err := conn.ReadJSON(&event); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case inbound <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case event := <-inbound:
			if err := event.Validate(); err != nil {
				s.reportDrop("malformed_payload")
				s.logger.Warnw("dropping malformed websocket event",
					"session_id", sessionID,
					"key", entry.Key,
					"kind", event.Kind,
				)
				s.sendError(conn, "malformed event")
				continue
			}
			if err := channel.Publish(ctx, event); err != nil {
				s.logger.Warnw("failed to publish websocket event",
					"session_id", sessionID,
					"key", entry.Key,
					"kind", event.Kind,
					"error", err,
				)
			}

		case event, ok := <-channel.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Infow("failed to write to participant",
					"session_id", sessionID,
					"key", entry.Key,
					"error", err,
				)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("failed to ping participant",
					"session_id", sessionID,
					"key", entry.Key,
					"error", err,
				)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("participant read error",
					"session_id", sessionID,
					"key", entry.Key,
					"error", err,
				)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *WebSocketRelay) sendError(conn *websocket.Conn, message string) {
	conn.WriteJSON(map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func (s *WebSocketRelay) reportDrop(reason string) {
	if s.drops != nil {
		s.drops.SignalDropped(reason)
	}
}
