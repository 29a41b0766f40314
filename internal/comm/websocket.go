package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"

	"github.com/Yeicor/pvrender/internal/logging"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn carries one frame per binary websocket message: an 8 byte
// big-endian tag followed by the payload.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) writeFrame(tag int, data []byte) error {
	msg := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(msg, uint64(int64(tag)))
	copy(msg[8:], data)
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *wsConn) readFrame() (int, []byte, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) < 8 {
			return 0, nil, errors.New("comm: short websocket frame")
		}
		return int(int64(binary.BigEndian.Uint64(msg))), msg[8:], nil
	}
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// NewWebSocketLink wraps an established websocket connection.
func NewWebSocketLink(conn *websocket.Conn) *Link {
	return newLink(&wsConn{conn: conn})
}

// WebSocketHandler upgrades incoming requests and hands every new link to
// accept. accept owns the link.
func WebSocketHandler(accept func(*Link)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.For("comm").Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		accept(NewWebSocketLink(conn))
	})
}

func dialWebSocket(ctx context.Context, url string) (*Link, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (status %s): %w", url, resp.Status, err)
		}
		return nil, err
	}
	return NewWebSocketLink(conn), nil
}
