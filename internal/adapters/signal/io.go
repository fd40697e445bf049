package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

const writeWait = 5 * time.Second

type requestFrame struct {
	Type   string `json:"type"`
	ID     int64  `json:"id"`
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Session) writePump(ctx context.Context) {
	ping := time.NewTicker(s.cfg.PingPeriod)
	defer ping.Stop()
	c := s.conn
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.signal").Str("token", string(s.token)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	defer func() {
		if s.shutdown() {
			log.Info().Str("module", "adapters.signal").Str("token", string(s.token)).Msg("connection lost")
			s.events.Emit(core.EventDisconnect, nil)
		}
	}()

	c := s.conn.conn
	pongWait := s.cfg.PingPeriod * 10 / 9
	if s.cfg.ReadLimit > 0 {
		c.SetReadLimit(s.cfg.ReadLimit)
	}
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("module", "adapters.signal").Str("token", string(s.token)).Msg("readPump read error")
				}
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(pongWait))
			s.handleFrame(data)
		}
	}
}

func (s *Session) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("bad json")
		return
	}

	switch f.Type {
	case "connect":
		s.events.Emit(core.EventConnect, nil)
	case "disconnect":
		s.events.Emit(core.EventDisconnect, nil)
	case "signaling":
		s.events.Emit(core.EventSignaling, f.Data)
	case "response":
		var res domain.ActionResult
		if err := json.Unmarshal(f.Data, &res); err != nil {
			log.Error().Err(err).Str("module", "adapters.signal").Int64("id", f.ID).Msg("bad response payload")
			return
		}
		s.resolve(f.ID, res)
	case "media_offer":
		s.handleMediaOffer(data)
	case "candidate":
		s.handleCandidate(data)
	default:
		log.Warn().Str("module", "adapters.signal").Str("type", f.Type).Msg("unknown signal")
	}
}

func (s *Session) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("sendJSON marshal")
		return err
	}
	return s.conn.TrySend(b)
}
