package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/getmockd/subtransport/pkg/websocket"
)

// maxPublishBody bounds POST /publish request bodies.
const maxPublishBody = 1 << 20

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Uptime        string `json:"uptime"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	MessagesSent  int64  `json:"messagesSent"`
	MessagesRecv  int64  `json:"messagesReceived"`

	// ConnectionDetails is only filled for GET /healthz?verbose=true.
	ConnectionDetails []*websocket.ConnectionInfo `json:"connectionDetails,omitempty"`
}

// PublishResponse is the body of a successful POST /publish/{channel}.
type PublishResponse struct {
	Channel   string `json:"channel"`
	Listeners int    `json:"listeners"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineStats := s.engine.Stats()
	wsStats := s.manager.Stats()

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Uptime:        s.Uptime().Round(time.Second).String(),
		Connections:   engineStats.Connections,
		Subscriptions: engineStats.Subscriptions,
		MessagesSent:  wsStats.TotalMessagesSent,
		MessagesRecv:  wsStats.TotalMessagesReceived,
	}
	if verbose, _ := strconv.ParseBool(r.URL.Query().Get("verbose")); verbose {
		resp.ConnectionDetails = s.manager.ListConnectionInfos()
		sort.Slice(resp.ConnectionDetails, func(i, j int) bool {
			return resp.ConnectionDetails[i].ConnectedAt.Before(resp.ConnectionDetails[j].ConnectedAt)
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePublish publishes the JSON request body to the channel named by the
// rest of the path, so /publish/sensors/kitchen targets "sensors/kitchen".
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "*")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxPublishBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	n := s.ps.Publish(channel, payload)
	s.log.Debug("published", "channel", channel, "listeners", n)
	writeJSON(w, http.StatusAccepted, PublishResponse{Channel: channel, Listeners: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
