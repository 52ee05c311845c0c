package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/app"
	"github.com/huddlechat/huddle/internal/domain"
	"github.com/huddlechat/huddle/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Closing here unblocks the read pump so a kicked
			// connection is fully torn down.
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, uid domain.UserID, cid domain.ConnID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("readPump closing")
		ctl.Relay.Disconnect(cid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(cid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn", string(cid)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(uid, cid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleMessage(uid domain.UserID, cid domain.ConnID, c *wsSignalConn, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch msg.Type {
	case protocol.TypeJoinCall:
		ctl.handleJoin(uid, cid, c, msg)
	case protocol.TypeWebRTCSignal:
		ctl.handleSignal(cid, c, msg)
	case protocol.TypeLeaveCall:
		ctl.handleLeave(cid, c, msg)
	case protocol.TypePing:
		ctl.sendJSON(c, protocol.Message{Type: protocol.TypePong})
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) handleJoin(uid domain.UserID, cid domain.ConnID, c *wsSignalConn, msg protocol.Message) {
	room, err := domain.ParseRoomID(string(msg.Room))
	if err != nil {
		ctl.sendError(c, "bad_room")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("join rate limited")
		ctl.sendError(c, "too_many_joins")
		return
	}
	if err := ctl.Relay.Join(cid, room); err != nil {
		if errors.Is(err, app.ErrRoomFull) {
			ctl.sendError(c, "room_full")
			return
		}
		ctl.sendError(c, "join_failed")
	}
}

func (ctl *SignalWSController) handleSignal(cid domain.ConnID, c *wsSignalConn, msg protocol.Message) {
	if msg.Room == "" || len(msg.Data) == 0 {
		ctl.sendError(c, "bad_payload")
		return
	}
	ctl.Relay.Signal(cid, msg.Room, msg.Data)
}

func (ctl *SignalWSController) handleLeave(cid domain.ConnID, c *wsSignalConn, msg protocol.Message) {
	if msg.Room == "" {
		ctl.sendError(c, "bad_payload")
		return
	}
	ctl.Relay.Leave(cid, msg.Room)
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, reason string) {
	ctl.sendJSON(c, protocol.Message{Type: protocol.TypeError, Error: reason})
}

func (ctl *SignalWSController) sendJSON(c *wsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
