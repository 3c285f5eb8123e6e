// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package signalstore

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairlink/pairlink/lib/clock"
)

// DefaultEntryTTL is how long a published blob stays visible when the
// server prunes by age. A rendezvous attempt that has not completed
// within a day is abandoned; the entry only confuses later joiners.
const DefaultEntryTTL = 24 * time.Hour

// Server is the reference rendezvous store: an HTTP key-value service
// holding one blob per (room, publisher). It exists so the HTTPStore
// client has something real to run against; any store honoring the
// same routes works.
type Server struct {
	logger *slog.Logger
	clk    clock.Clock
	ttl    time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]entry // room → publisher → entry
}

// entry is one published blob with its publish time for TTL pruning.
type entry struct {
	blob      []byte
	published time.Time
}

// NewServer creates a store server. A zero ttl means DefaultEntryTTL.
func NewServer(logger *slog.Logger, clk clock.Clock, ttl time.Duration) *Server {
	if ttl == 0 {
		ttl = DefaultEntryTTL
	}
	return &Server{
		logger: logger,
		clk:    clk,
		ttl:    ttl,
		rooms:  make(map[string]map[string]entry),
	}
}

// Router returns the gin handler serving the store routes:
//
//	GET    /v1/rooms/:room/signals            list published blobs
//	PUT    /v1/rooms/:room/signals/:publisher publish/overwrite one blob
//	DELETE /v1/rooms/:room                    force-clear the room
//	GET    /healthz                           liveness probe
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/rooms/:room/signals", s.handleList)
		v1.PUT("/rooms/:room/signals/:publisher", s.handlePublish)
		v1.DELETE("/rooms/:room", s.handleClear)
	}
	return router
}

// listResponse is the GET body. Blobs serialize as base64 strings.
type listResponse struct {
	Signals [][]byte `json:"signals"`
}

// publishRequest is the PUT body.
type publishRequest struct {
	Blob []byte `json:"blob" binding:"required"`
}

func (s *Server) handleList(c *gin.Context) {
	room := c.Param("room")

	s.mu.Lock()
	s.pruneLocked(room)
	entries := s.rooms[room]
	blobs := make([][]byte, 0, len(entries))
	for _, e := range entries {
		blobs = append(blobs, e.blob)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, listResponse{Signals: blobs})
}

func (s *Server) handlePublish(c *gin.Context) {
	room := c.Param("room")
	publisher := c.Param("publisher")

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	entries, ok := s.rooms[room]
	if !ok {
		entries = make(map[string]entry)
		s.rooms[room] = entries
	}
	entries[publisher] = entry{blob: req.Blob, published: s.clk.Now()}
	publisherCount := len(entries)
	s.mu.Unlock()

	s.logger.Debug("signal published",
		"room", room,
		"publisher", publisher,
		"publishers", publisherCount,
		"bytes", len(req.Blob),
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClear(c *gin.Context) {
	room := c.Param("room")

	s.mu.Lock()
	_, existed := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()

	if existed {
		s.logger.Debug("room cleared", "room", room)
	}
	c.Status(http.StatusNoContent)
}

// pruneLocked drops entries older than the TTL. Caller holds s.mu.
func (s *Server) pruneLocked(room string) {
	entries, ok := s.rooms[room]
	if !ok {
		return
	}
	cutoff := s.clk.Now().Add(-s.ttl)
	for publisher, e := range entries {
		if e.published.Before(cutoff) {
			delete(entries, publisher)
		}
	}
	if len(entries) == 0 {
		delete(s.rooms, room)
	}
}
