package hub

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrTransportClosed is returned when writing to a closed transport
var ErrTransportClosed = errors.New("transport closed")

// wsTransport adapts a gorilla connection to Transport. gorilla allows one
// concurrent writer, so every write holds writeMu.
type wsTransport struct {
	conn       *websocket.Conn
	remoteAddr string

	writeMu sync.Mutex
	closed  bool
}

func newWSTransport(conn *websocket.Conn, remoteAddr string) *wsTransport {
	return &wsTransport{conn: conn, remoteAddr: remoteAddr}
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}

// ServeWS upgrades worker connections and pumps their frames into the hub
func (h *Hub) ServeWS() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Workers authenticate with a token, not with cookies
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}

		c := h.Connect(newWSTransport(ws, r.RemoteAddr))
		h.readLoop(c, ws)
	})
}

// readLoop delivers frames in order until the peer goes away or stops
// answering pings
func (h *Hub) readLoop(c *WorkerConn, ws *websocket.Conn) {
	defer h.Disconnect(c)

	pongWait := h.config.GetPongWait()
	if h.config.Server.MaxMessage > 0 {
		ws.SetReadLimit(h.config.Server.MaxMessage)
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().
					Err(err).
					Uint64("conn", c.seq).
					Str("worker_id", c.WorkerID()).
					Msg("Worker connection read error")
			}
			return
		}

		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		h.HandleMessage(c, data)
	}
}
