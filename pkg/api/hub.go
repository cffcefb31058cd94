// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/log"
)

const (
	writeWait      = 10 * time.Second
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect cross-origin; auth lives outside this surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans completed attribution runs out to connected dashboard sockets.
// Slow consumers are dropped rather than allowed to back up the pipeline.
type Hub struct {
	mu        sync.RWMutex
	conns     map[*websocket.Conn]bool
	broadcast chan *engine.Run
	done      chan struct{}
	log       log.Logger
}

// NewHub creates a Hub. Call Run in a goroutine to start delivery.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		conns:     make(map[*websocket.Conn]bool),
		broadcast: make(chan *engine.Run, broadcastDepth),
		done:      make(chan struct{}),
		log:       logger,
	}
}

// Run delivers broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case run := <-h.broadcast:
			h.deliver(run)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast queues a run for delivery. Drops when the queue is full.
func (h *Hub) Broadcast(run *engine.Run) {
	select {
	case h.broadcast <- run:
	default:
		h.log.Warn("results feed backlogged, dropping broadcast")
	}
}

func (h *Hub) deliver(run *engine.Run) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(run); err != nil {
			h.remove(conn)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
}

// handleResultsFeed upgrades the connection and registers it with the hub.
func (s *Server) handleResultsFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", log.Err(err))
		return
	}
	s.hub.add(conn)

	// Reader loop exists only to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()
}
