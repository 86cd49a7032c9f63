package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
)

const (
	heartbeatInterval = 15 * time.Second
	pollInterval      = 2 * time.Second
)

type connectedPayload struct {
	BuildStatus models.BuildStatus `json:"buildStatus"`
	IsLive      bool               `json:"isLive"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
}

type eventPayload struct {
	Event      *models.Event `json:"event"`
	Historical bool          `json:"historical,omitempty"`
}

type logPayload struct {
	Log        *models.LogEntry `json:"log"`
	Historical bool             `json:"historical,omitempty"`
}

type completePayload struct {
	BuildStatus models.BuildStatus `json:"buildStatus"`
}

// streamBuild handles GET /api/builds/:id/stream. Three modes: terminal
// builds replay history and complete immediately; builds active on this node
// stream from the in-process bus; builds running elsewhere are followed by
// polling the store.
func (s *Server) streamBuild(c *gin.Context) {
	build, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if build.Status.Terminal() {
		s.streamHistory(c, build)
		return
	}
	if state, ok := s.registry.Get(build.ID); ok {
		s.streamLive(c, build, state)
		return
	}
	s.streamPolling(c, build)
}

func (s *Server) send(c *gin.Context, name string, payload any) bool {
	if err := sse.Encode(c.Writer, sse.Event{Event: name, Data: payload}); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// streamHistory serves a finished build: stored history, then complete.
func (s *Server) streamHistory(c *gin.Context, build *models.Build) {
	if !s.send(c, "connected", connectedPayload{BuildStatus: build.Status, StartedAt: build.StartedAt}) {
		return
	}
	evs, err := s.store.GetBuildEvents(c.Request.Context(), build.ID)
	if err != nil {
		s.logger.Warn("Failed to load build events for stream", "build_id", build.ID, "error", err)
	}
	logs, err := s.store.GetBuildLogs(c.Request.Context(), build.ID)
	if err != nil {
		s.logger.Warn("Failed to load build logs for stream", "build_id", build.ID, "error", err)
	}
	// Both slices come back ordered by timestamp; merge them into the one
	// sequence the client originally observed.
	i, j := 0, 0
	for i < len(evs) || j < len(logs) {
		if j >= len(logs) || (i < len(evs) && !evs[i].Timestamp.After(logs[j].Timestamp)) {
			if !s.send(c, "event", eventPayload{Event: &evs[i], Historical: true}) {
				return
			}
			i++
			continue
		}
		if !s.send(c, "log", logPayload{Log: &logs[j], Historical: true}) {
			return
		}
		j++
	}
	s.send(c, "complete", completePayload{BuildStatus: build.Status})
}

// streamLive serves a build running in this process from its bus. The bus
// replays the full backlog first, so no gap exists between history and live
// items.
func (s *Server) streamLive(c *gin.Context, build *models.Build, state *registry.BuildState) {
	// Items at or below this sequence were published before this subscriber
	// attached and are tagged historical.
	histSeq := int64(0)
	if backlog := state.Bus.Backlog(); len(backlog) > 0 {
		histSeq = backlog[len(backlog)-1].Seq
	}
	ch, cancel := state.Bus.Subscribe()
	defer cancel()

	if !s.send(c, "connected", connectedPayload{BuildStatus: build.Status, IsLive: true, StartedAt: build.StartedAt}) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case item, ok := <-ch:
			if !ok {
				// Bus closed: the build reached a terminal state.
				s.sendComplete(c, build.ID)
				return
			}
			if !s.sendItem(c, item, item.Seq <= histSeq) {
				return
			}
		case <-heartbeat.C:
			if !s.send(c, "heartbeat", gin.H{"ts": time.Now().UTC()}) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) sendItem(c *gin.Context, item events.Item, historical bool) bool {
	switch {
	case item.Event != nil:
		return s.send(c, "event", eventPayload{Event: item.Event, Historical: historical})
	case item.Log != nil:
		return s.send(c, "log", logPayload{Log: item.Log, Historical: historical})
	}
	return true
}

// streamPolling follows a build owned by another node through the shared
// store, deduplicating on item IDs.
func (s *Server) streamPolling(c *gin.Context, build *models.Build) {
	if !s.send(c, "connected", connectedPayload{BuildStatus: build.Status, StartedAt: build.StartedAt}) {
		return
	}

	sentEvents := make(map[string]bool)
	sentLogs := make(map[string]bool)

	// Everything already in the store predates this connection.
	if !s.pollOnce(c, build.ID, sentEvents, sentLogs, true) {
		return
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		current, err := s.store.GetBuild(c.Request.Context(), build.ID)
		if err != nil {
			s.sendComplete(c, build.ID)
			return
		}
		if !s.pollOnce(c, build.ID, sentEvents, sentLogs, false) {
			return
		}
		if current.Status.Terminal() {
			s.send(c, "complete", completePayload{BuildStatus: current.Status})
			return
		}

		select {
		case <-poll.C:
		case <-heartbeat.C:
			if !s.send(c, "heartbeat", gin.H{"ts": time.Now().UTC()}) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// pollOnce forwards any stored items not yet sent on this connection.
func (s *Server) pollOnce(c *gin.Context, buildID string, sentEvents, sentLogs map[string]bool, historical bool) bool {
	evs, err := s.store.GetBuildEvents(c.Request.Context(), buildID)
	if err == nil {
		for i := range evs {
			if sentEvents[evs[i].ID] {
				continue
			}
			sentEvents[evs[i].ID] = true
			if !s.send(c, "event", eventPayload{Event: &evs[i], Historical: historical}) {
				return false
			}
		}
	}
	logs, err := s.store.GetBuildLogs(c.Request.Context(), buildID)
	if err == nil {
		for i := range logs {
			if sentLogs[logs[i].ID] {
				continue
			}
			sentLogs[logs[i].ID] = true
			if !s.send(c, "log", logPayload{Log: &logs[i], Historical: historical}) {
				return false
			}
		}
	}
	return true
}

// sendComplete looks up the final status and closes out the stream.
func (s *Server) sendComplete(c *gin.Context, buildID string) {
	status := models.StatusCompleted
	if b, err := s.store.GetBuild(c.Request.Context(), buildID); err == nil {
		status = b.Status
	}
	s.send(c, "complete", completePayload{BuildStatus: status})
}
