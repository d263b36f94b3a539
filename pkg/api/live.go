// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/adxyz/adserver/core"
	"github.com/adxyz/adserver/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveHub fans recorded events out to websocket subscribers. Slow
// subscribers are dropped rather than backpressuring the recorder.
type liveHub struct {
	mu      sync.Mutex
	clients map[*liveClient]bool
	done    chan struct{}
	log     log.Logger
}

type liveClient struct {
	conn *websocket.Conn
	send chan *core.Event
}

func newLiveHub(logger log.Logger) *liveHub {
	return &liveHub{
		clients: make(map[*liveClient]bool),
		done:    make(chan struct{}),
		log:     logger,
	}
}

func (h *liveHub) run(events <-chan *core.Event) {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *liveHub) broadcast(ev *core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *liveHub) add(c *liveClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *liveHub) remove(c *liveClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *liveHub) stop() {
	close(h.done)
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// handleLiveFeed upgrades the connection and streams recorded events.
func (s *Server) handleLiveFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &liveClient{conn: conn, send: make(chan *core.Event, 64)}
	s.hub.add(client)

	go func() {
		defer func() {
			s.hub.remove(client)
			conn.Close()
		}()
		for ev := range client.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	// Discard inbound frames; the feed is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(client)
				return
			}
		}
	}()
}
