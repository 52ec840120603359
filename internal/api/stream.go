package api

import (
	"encoding/json"
	"net/http"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/meter"
)

// StatusStream is the server-sent event stream id carrying snapshots.
const StatusStream = "status"

// Stream pushes every snapshot to connected SSE clients.
type Stream struct {
	server *sse.Server
}

// NewStream creates the SSE server with the status stream.
func NewStream() *Stream {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StatusStream)
	return &Stream{server: server}
}

// Subscribe wires the stream to the event bus.
func (s *Stream) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeSnapshot, func(e eventbus.Event) { s.Publish(e.Snapshot) })
}

// Publish sends snap to every client.
func (s *Stream) Publish(snap meter.Snapshot) {
	data, err := json.Marshal(statusResponse{Snapshot: snap, Debug: snap.DebugLog()})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode snapshot for stream")
		return
	}
	s.server.Publish(StatusStream, &sse.Event{Event: []byte("snapshot"), Data: data})
}

// ServeHTTP serves the stream; the stream query parameter defaults to status.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		q := r.URL.Query()
		q.Set("stream", StatusStream)
		r.URL.RawQuery = q.Encode()
	}
	s.server.ServeHTTP(w, r)
}

// Close disconnects all clients.
func (s *Stream) Close() {
	s.server.Close()
}
