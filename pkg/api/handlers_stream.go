package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amila-ai/amila/pkg/events"
)

// IssueStreamToken mints a short-lived token for the SSE endpoint. The
// token is bound to one query id and carried as query parameters because
// EventSource cannot set request headers.
func (s *Server) IssueStreamToken(c *gin.Context) {
	queryID := c.Param("id")
	expires := time.Now().Add(s.cfg.Server.StreamTokenTTL).Unix()
	token := signStreamToken(s.cfg.Server.SignatureSecret, queryID, expires)

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"expires": expires,
		"stream_url": fmt.Sprintf("/api/v1/queries/%s/stream?token=%s&expires=%d",
			queryID, token, expires),
	})
}

// StreamQuery streams a query's lifecycle events over SSE. A late
// subscriber immediately receives the last known state (or the stored
// events after its `since` id), then live events. The stream closes after
// the terminal event; disconnecting does not cancel orchestration.
func (s *Server) StreamQuery(c *gin.Context) {
	queryID := c.Param("id")

	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil || !verifyStreamToken(s.cfg.Server.SignatureSecret, queryID, c.Query("token"), expires) {
		abortError(c, http.StatusUnauthorized, "invalid or expired stream token")
		return
	}

	// sinceID < 0 skips catchup; the latest stored event is sent instead.
	sinceID := int64(-1)
	if since := c.Query("since"); since != "" {
		sinceID, err = strconv.ParseInt(since, 10, 64)
		if err != nil {
			abortError(c, http.StatusBadRequest, "invalid since parameter")
			return
		}
	}

	ctx := c.Request.Context()
	channel := events.QueryChannel(queryID)
	sub, replay, err := s.deps.Streams.Subscribe(ctx, channel, sinceID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer s.deps.Streams.Unsubscribe(context.Background(), sub)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// send writes one SSE frame and reports whether it was terminal.
	send := func(payload []byte) bool {
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
		var p events.LifecyclePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		return p.State.IsTerminal()
	}

	if sinceID < 0 {
		if latest, err := s.deps.Events.GetLatestEvent(ctx, channel); err == nil {
			if send(latest.Payload) {
				return
			}
		}
	} else {
		for _, ev := range replay {
			if send(ev.Payload) {
				return
			}
		}
	}

	keepAlive := time.NewTicker(s.cfg.Streaming.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case payload, ok := <-sub.Events:
			if !ok {
				return
			}
			if send(payload) {
				return
			}
		}
	}
}
