package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/app"
	"github.com/huddlechat/huddle/internal/config"
	"github.com/huddlechat/huddle/internal/core"
	"github.com/huddlechat/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendBuffer        = 32
	defaultPingPeriod = 54 * time.Second
)

// SignalWSController owns the WebSocket side of signaling: one
// connection per client, a read pump feeding the relay and a write
// pump draining the per-connection send channel.
type SignalWSController struct {
	Relay      *app.Relay
	Limiter    *JoinRateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(relay *app.Relay, cfg *config.Config) *SignalWSController {
	ping := cfg.PingPeriod
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	return &SignalWSController{
		Relay:      relay,
		Limiter:    NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: ping,
	}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and registers the participant
// named by the userId query parameter with the relay.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid, err := domain.ParseUserID(c.Query("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	// Connection identity lives and dies with this socket.
	cid := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("conn", string(cid)).Msg("new WS connection")

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Connect(uid, cid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, uid, cid, conn)
}
