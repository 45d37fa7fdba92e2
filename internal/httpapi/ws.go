package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/autoshare/internal/clients"
	"github.com/ent0n29/autoshare/internal/protocol"
)

const (
	wsReadLimit = 64 << 10
	wsReadWait  = 120 * time.Second
)

// handleWS registers the caller as a push target for its client id. The
// client only listens; inbound frames are limited to pings.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter clientId is required")
		return
	}
	clientID, changed := clients.SanitizeClientID(raw)
	if changed {
		s.logger.Warn().Str("client_id", raw).Str("sanitized", clientID).Msg("potentially unsafe client id")
	}
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "clientId has no usable characters")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wsConn := clients.NewWSConn(conn, func(v any) {
		if t, ok := protocol.TypeOf(v); ok {
			s.metrics.ObserveWSMessage("outbound", string(t))
		}
	})
	s.clients.Register(clientID, wsConn)
	s.logger.Debug().Str("client_id", clientID).Msg("websocket connected")
	defer func() {
		s.clients.Unregister(clientID, wsConn)
		_ = wsConn.Close()
		s.logger.Debug().Str("client_id", clientID).Msg("websocket disconnected")
	}()

	if task, ok := s.store.FindByClient(clientID); ok {
		s.notifier.History(clientID, task)
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveWSMessage("inbound", "invalid")
			continue
		}
		if _, ok := parsed.(protocol.ClientPing); ok {
			s.metrics.ObserveWSMessage("inbound", string(protocol.TypeClientPing))
			wsConn.Send(protocol.Pong{Type: protocol.TypePong, At: time.Now().UTC()})
		}
	}
}
