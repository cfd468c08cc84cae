package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	wsSendBuffer = 256
)

// Upgrader is the shared websocket upgrader. Origin checking is left
// to the HTTP layer in front of it.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSConn adapts a gorilla websocket connection to the Conn interface.
// All writes funnel through a single pump goroutine; gorilla allows at
// most one concurrent writer.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	send chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// UpgradeWS upgrades an HTTP request and starts the write pump.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "transport.UpgradeWS")
	}
	return NewWSConn(ws), nil
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	c := &WSConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan Event, wsSendBuffer),
		done: make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(event Event) error {
	select {
	case <-c.done:
		return errors.New("transport: connection closed")
	case c.send <- event:
		return nil
	default:
		return errors.New("transport: event buffer full")
	}
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ReadJSON reads one inbound frame into v, refreshing the read
// deadline. The caller runs its own read loop.
func (c *WSConn) ReadJSON(v interface{}) error {
	if err := c.ws.ReadJSON(v); err != nil {
		return errors.Wrap(err, "transport.ReadJSON")
	}
	return c.ws.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writePump",
					"conn_id":  truncateID(c.id),
					"error":    err,
				}).Debug("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
