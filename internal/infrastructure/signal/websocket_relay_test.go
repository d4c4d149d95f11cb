package signal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	"sessioncast/internal/infrastructure/monitoring"
)

func newTestRelay() *WebSocketRelay {
	factory := ChannelFactory(func(sessionID domain.SessionID) ports.SignalChannel {
		return nil
	})
	return NewWebSocketRelay(factory, (*monitoring.Collector)(nil), zap.NewNop().Sugar())
}

func TestHandleWebSocketRejectsInvalidParams(t *testing.T) {
	relay := newTestRelay()

	tests := []struct {
		name   string
		target string
	}{
		{"missing session", "/ws?key=k1&role=viewer&participant_id=p1"},
		{"missing key", "/ws?session_id=s1&role=viewer&participant_id=p1"},
		{"missing participant", "/ws?session_id=s1&key=k1&role=viewer"},
		{"bad role", "/ws?session_id=s1&key=k1&role=moderator&participant_id=p1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			relay.HandleWebSocket(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleWebSocketRejectsPlainHTTP(t *testing.T) {
	relay := newTestRelay()

	// Valid presence but no upgrade handshake.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?session_id=s1&key=k1&role=viewer&participant_id=p1", nil)
	relay.HandleWebSocket(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
