package dapp

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	mtype "github.com/tarancss/dapp/lib/msg/types"
)

const (
	wsReadLimit         = 4 * 1024
	wsWriteTimeout      = 10 * time.Second
	wsKeepaliveInterval = 30 * time.Second
	wsKeepaliveTimeout  = 40 * time.Second
	wsQueue             = 32
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 5 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	Error: func(rw http.ResponseWriter, r *http.Request, status int, reason error) {
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(status)
		_ = json.NewEncoder(rw).Encode(Response{Error: reason.Error()})
	},
	CheckOrigin: func(r *http.Request) bool {
		// dapp front ends are served from other origins
		return true
	},
}

// client is a websocket connection receiving the commit events of a network and, optionally, of one session.
type client struct {
	ws      *websocket.Conn
	net     string
	session string
	tx      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *client) wants(e mtype.CommitEvent) bool {
	return (c.net == "" || c.net == e.Net) && (c.session == "" || c.session == e.Session)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// hub fans commit events out to the websocket clients.
type hub struct {
	log     *zap.Logger
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{log: logger, clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// count returns the number of clients connected.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// broadcast queues e to every client interested. Clients that do not keep up miss the event.
func (h *hub) broadcast(e mtype.CommitEvent) {
	b, err := json.Marshal(e)
	if err != nil {
		h.log.Error("failed to marshal commit event", zap.Error(err))

		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(e) {
			continue
		}

		select {
		case c.tx <- b:
		default:
			h.log.Warn("websocket client queue full, event dropped", zap.Stringer("client", c.ws.RemoteAddr()),
				zap.String("hash", e.Hash))
		}
	}
}

// close disconnects every client.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// eventsHandler upgrades the request to a websocket that receives the commit events of ?net= and ?session=, or all
// of them when not queried.
func (d *Dapp) eventsHandler(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if net := q.Get("net"); net != "" {
		if _, err := d.network(net); err != nil {
			d.reply(rw, r, http.StatusNotFound, nil, err)

			return
		}
	}

	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		d.log.Warn("failed to upgrade websocket connection", zap.Error(err))

		return
	}

	c := &client{
		ws:      ws,
		net:     q.Get("net"),
		session: q.Get("session"),
		tx:      make(chan []byte, wsQueue),
		done:    make(chan struct{}),
	}

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsKeepaliveTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsKeepaliveTimeout))
	})

	d.hub.register(c)
	d.log.Debug("websocket client connected", zap.Stringer("client", ws.RemoteAddr()), zap.String("net", c.net),
		zap.String("session", c.session))

	go d.writeLoop(c)
	go d.readLoop(c)
}

func (d *Dapp) writeLoop(c *client) {
	ticker := time.NewTicker(wsKeepaliveInterval)

	defer func() {
		ticker.Stop()
		d.hub.unregister(c)
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				d.log.Debug("failed to write ping to websocket", zap.Error(err))

				return
			}
		case b := <-c.tx:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				d.log.Debug("failed to write message to websocket", zap.Error(err))

				return
			}
		}
	}
}

// readLoop discards what clients send and notices when they go away.
func (d *Dapp) readLoop(c *client) {
	defer func() {
		d.hub.unregister(c)
		c.close()
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var closeError *websocket.CloseError
			if !errors.As(err, &closeError) {
				d.log.Debug("websocket read ended", zap.Stringer("client", c.ws.RemoteAddr()), zap.Error(err))
			}

			return
		}
	}
}
