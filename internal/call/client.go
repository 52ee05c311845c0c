package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/domain"
	"github.com/huddlechat/huddle/internal/protocol"
)

// Client is the signaling transport for one participant: a WebSocket
// to the relay plus the decode loop that feeds a session's event
// queue. It implements Signaler for the outbound direction.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	// OnOnlineUsers is invoked with every online-set broadcast; the
	// chat UI renders its presence list from it. Optional.
	OnOnlineUsers func([]domain.UserID)

	sessMu sync.RWMutex
	sess   *Session
}

// Dial connects to the relay as uid. serverURL is the http(s) base
// address of the signaling server.
func Dial(ctx context.Context, serverURL string, uid domain.UserID) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws/signal"
	u.RawQuery = url.Values{"userId": {string(uid)}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	log.Info().Str("module", "call.client").Str("url", u.String()).Msg("signaling connected")
	return &Client{conn: conn}, nil
}

// Attach wires inbound relay events to sess. Replaceable between
// calls; one session per call attempt.
func (c *Client) Attach(sess *Session) {
	c.sessMu.Lock()
	c.sess = sess
	c.sessMu.Unlock()
}

func (c *Client) session() *Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sess
}

// Run decodes envelopes until the socket dies, then reports the
// transport loss to the attached session.
func (c *Client) Run(ctx context.Context) {
	defer func() {
		if sess := c.session(); sess != nil {
			sess.TransportDown()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "call.client").Msg("read loop done")
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "call.client").Msg("bad envelope")
		return
	}

	switch msg.Type {
	case protocol.TypeOnlineUsers:
		if c.OnOnlineUsers != nil {
			c.OnOnlineUsers(msg.Users)
		}
	case protocol.TypeUserJoined:
		if sess := c.session(); sess != nil {
			sess.PeerJoined()
		}
	case protocol.TypeWebRTCSignal:
		sess := c.session()
		if sess == nil {
			return
		}
		sd, err := protocol.ParseSignalData(msg.Data)
		if err != nil {
			log.Error().Err(err).Str("module", "call.client").Msg("bad signal data")
			return
		}
		sess.Signal(sd)
	case protocol.TypeUserLeft:
		if sess := c.session(); sess != nil {
			sess.PeerLeft()
		}
	case protocol.TypePong:
	case protocol.TypeError:
		log.Warn().Str("module", "call.client").Str("error", msg.Error).Msg("server error")
	default:
		log.Warn().Str("module", "call.client").Str("type", msg.Type).Msg("unknown envelope")
	}
}

// ---- Signaler ----

func (c *Client) SendJoin(room domain.RoomID) error {
	return c.send(protocol.Message{Type: protocol.TypeJoinCall, Room: room})
}

func (c *Client) SendSignal(room domain.RoomID, data protocol.SignalData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal signal data: %w", err)
	}
	return c.send(protocol.Message{Type: protocol.TypeWebRTCSignal, Room: room, Data: raw})
}

func (c *Client) SendLeave(room domain.RoomID) error {
	return c.send(protocol.Message{Type: protocol.TypeLeaveCall, Room: room})
}

func (c *Client) send(msg protocol.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
