// Package media terminates provider audio websockets and paces
// synthesized audio back out at telephone rate.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/call"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/observability"
)

const (
	// FrameBytes is 20 ms of 8 kHz mulaw.
	FrameBytes = 160
	// FrameInterval paces outbound frames at real time.
	FrameInterval = 20 * time.Millisecond
)

// Bridge upgrades inbound media connections, feeds caller audio to the
// call manager, and implements call.AudioSender for the outbound leg.
type Bridge struct {
	mgr      *call.Manager
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func NewBridge(mgr *call.Manager, metrics *observability.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mgr:     mgr,
		logger:  logging.NewComponentLogger(logger, "media_bridge"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsChannel serializes writes to one websocket and makes Close idempotent,
// since both the read loop and session cleanup may close it.
type wsChannel struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (c *wsChannel) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.conn.Close()
	}
	return nil
}

type inboundEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     struct {
		StreamSid string `json:"streamSid"`
	} `json:"start"`
	Media struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// ServeHTTP authorizes the media token, upgrades the connection, and runs
// the inbound read loop until stop, disconnect, or teardown.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sess, ok := b.mgr.AuthorizeMediaToken(token)
	if !ok {
		b.logger.Warn("media_auth_rejected", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("media_upgrade_failed",
			slog.String("call_id", sess.ID()),
			slog.String("error", err.Error()))
		return
	}

	ch := &wsChannel{conn: conn}
	b.mgr.AttachMedia(sess, ch)
	defer func() {
		b.mgr.DetachMedia(sess, ch)
		_ = ch.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Debug("media_read_closed",
				slog.String("call_id", sess.ID()),
				slog.String("error", err.Error()))
			return
		}

		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Providers interleave non-JSON keepalives on some plans.
			continue
		}

		switch ev.Event {
		case "start":
			sid := ev.StreamSid
			if sid == "" {
				sid = ev.Start.StreamSid
			}
			b.mgr.SetStreamSID(sess, sid)
		case "media":
			if ev.Media.Track != "" && ev.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				continue
			}
			b.mgr.ForwardInboundAudio(sess, payload)
		case "stop":
			b.mgr.HandleMediaStop(sess)
			return
		}
	}
}

// SendAudio slices audio into 20 ms mulaw frames and writes them at real
// time so the provider's jitter buffer never starves or overflows.
// Teardown or context cancellation aborts the remainder.
func (b *Bridge) SendAudio(ctx context.Context, sess *call.Session, audio []byte) error {
	ch := sess.MediaChannel()
	if ch == nil {
		return nil
	}

	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()

	for off := 0; off < len(audio); off += FrameBytes {
		end := off + FrameBytes
		if end > len(audio) {
			end = len(audio)
		}

		frame := outboundFrame{Event: "media", StreamSid: sess.StreamSID()}
		frame.Media.Payload = base64.StdEncoding.EncodeToString(audio[off:end])
		if err := ch.WriteJSON(frame); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		if b.metrics != nil {
			b.metrics.MediaFrames.WithLabelValues("outbound").Inc()
		}

		select {
		case <-ticker.C:
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
