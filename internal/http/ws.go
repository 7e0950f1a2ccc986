package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/registry"
)

const (
	maxMessageSize = 64 << 10
	pongWait       = 60 * time.Second
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

// handleWS binds the connection to /ws/{role}/{id} before reading. Customers
// may pass ?order_id= to receive a snapshot of that order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	ch := registry.NewWSChannel(conn, s.wsQueue, s.logger)
	sess := &engine.Session{Channel: ch}
	ctx := r.Context()
	log := s.logger.With().Str("channel_id", ch.ID()).Str("role", vars["role"]).Str("entity_id", vars["id"]).Logger()

	hello := engine.Connect{Role: models.Role(vars["role"]), EntityID: vars["id"], OrderID: r.URL.Query().Get("order_id")}
	if err := s.engine.Handle(ctx, sess, hello); err != nil {
		log.Warn().Err(err).Msg("ws connect rejected")
		_ = ch.Send(errorFrame(err))
		_ = ch.Close()
		return
	}
	defer func() {
		_ = s.engine.Handle(context.WithoutCancel(ctx), sess, engine.Disconnect{})
		_ = ch.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Err(err).Msg("ws closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := engine.Decode(data)
		if err != nil {
			_ = ch.Send(errorFrame(err))
			continue
		}
		if err := s.engine.Handle(ctx, sess, msg); err != nil {
			log.Debug().Err(err).Msg("message rejected")
			_ = ch.Send(errorFrame(err))
		}
	}
}

func errorFrame(err error) models.Outbound {
	msg := err.Error()
	if statusFor(err) == http.StatusInternalServerError {
		msg = "internal error"
	}
	return models.NewOutbound(models.MsgError, models.ErrorPayload{Error: msg})
}
