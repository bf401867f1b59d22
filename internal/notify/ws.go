package notify

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

type wsConn struct {
	id   string
	conn net.Conn
	mu   sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteServerText(c.conn, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Handler upgrades GET /ws?userId=<id> to a WebSocket and keeps the connection
// registered for as long as the client stays connected.
func Handler(reg *Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "userId query parameter required", http.StatusBadRequest)
			return
		}

		raw, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn("websocket upgrade failed", "user_id", userID, "err", err)
			return
		}
		c := &wsConn{id: uuid.NewString(), conn: raw}
		if err := reg.Register(userID, c); err != nil {
			_ = raw.Close()
			return
		}
		logger.Info("client connected", "user_id", userID, "conn_id", c.id)

		defer func() {
			reg.Unregister(c.id)
			_ = raw.Close()
			logger.Info("client disconnected", "user_id", userID, "conn_id", c.id)
		}()
		for {
			// Clients only listen; inbound data frames are discarded.
			if _, _, err := wsutil.ReadClientData(raw); err != nil {
				return
			}
		}
	}
}
