// Package websocket streams live pipeline metrics to dashboards.
//
// Clients open a WebSocket connection to:
//
//	GET /ws/metrics?interval_ms=1000
//
// The server sends one frame immediately and then one per interval:
//
//	{"type":"metrics","data":{...get_metrics shape...},"sent_at":"..."}
//
// If reading metrics fails the frame carries an error instead:
//
//	{"type":"error","error":"..."}
//
// Anything the client sends is ignored; the read loop exists to notice the
// close frame and to answer pings.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/pipeline"
)

// Interval bounds accepted from the query string.
const (
	DefaultInterval = 2 * time.Second
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = time.Minute
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gorillaws.Upgrader{
	// Same-origin only. Requests without an Origin header (curl, native
	// clients) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// MetricsSource is the pipeline operation the stream polls.
type MetricsSource interface {
	Metrics(ctx context.Context) (*pipeline.MetricsReport, error)
}

// Handler serves the metrics stream.
type Handler struct {
	Source MetricsSource
	// Interval is used when the client does not ask for one.
	Interval time.Duration
}

// Frame is the JSON structure the server sends.
type Frame struct {
	Type   string                  `json:"type"` // "metrics" | "error"
	Data   *pipeline.MetricsReport `json:"data,omitempty"`
	Error  string                  `json:"error,omitempty"`
	SentAt time.Time               `json:"sent_at"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	interval, err := h.interval(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logging.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Dur("interval", interval).Msg("metrics stream opened")

	// The read loop only detects disconnects and keeps the pong deadline fresh.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if !h.push(r.Context(), conn) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Debug().Msg("metrics stream closed by client")
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			if !h.push(r.Context(), conn) {
				return
			}
		}
	}
}

// push writes one frame and reports whether the connection is still usable.
func (h *Handler) push(ctx context.Context, conn *gorillaws.Conn) bool {
	frame := Frame{Type: "metrics", SentAt: time.Now().UTC()}
	report, err := h.Source.Metrics(ctx)
	if err != nil {
		frame.Type = "error"
		frame.Error = err.Error()
	} else {
		frame.Data = report
	}

	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error().Err(err).Msg("encode metrics frame")
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data) == nil
}

func (h *Handler) interval(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("interval_ms")
	if raw == "" {
		if h.Interval > 0 {
			return h.Interval, nil
		}
		return DefaultInterval, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("interval_ms must be an integer")
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinInterval || d > MaxInterval {
		return 0, fmt.Errorf("interval_ms must be between %d and %d", MinInterval.Milliseconds(), MaxInterval.Milliseconds())
	}
	return d, nil
}
