// Package realtime adapts an eventlog.Subscription to the two wire
// transports spec §6 defines: a CBOR-framed WebSocket (header frame then
// payload frame per event) and a JSON Server-Sent Events stream. Both the
// client-facing and the federation-facing subscribeConvoEvents handlers
// serve through ServeWS; no handler mounts ServeSSE.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"

	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/models"
)

// KeepaliveInterval is how often an idle SSE stream emits a comment line to
// keep the connection from being reaped by an intermediary.
const KeepaliveInterval = 15 * time.Second

type wireHeader struct {
	Op int    `cbor:"op" json:"op"`
	T  string `cbor:"t" json:"t"`
}

type wireError struct {
	Error   string `cbor:"error" json:"error"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

// Transport serves subscribeConvoEvents over WebSocket and SSE, streaming
// from an eventlog.Subscription until the client disconnects or the
// subscription ends.
type Transport struct {
	Log    *eventlog.Log
	Logger *slog.Logger
}

// ServeWS upgrades the request to a WebSocket and streams events as
// header+payload DAG-CBOR frame pairs.
func (t *Transport) ServeWS(w http.ResponseWriter, r *http.Request, convoID, resumeFrom string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.Logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub, err := t.Log.Subscribe(ctx, convoID, resumeFrom)
	if err != nil {
		writeWSError(ctx, conn, "subscribe_failed", err.Error())
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeWSEvent(ctx, conn, ev); err != nil {
				t.Logger.Warn("websocket write failed, closing", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeWSEvent(ctx context.Context, conn *websocket.Conn, ev models.Event) error {
	header, err := cbor.Marshal(wireHeader{Op: 1, T: string(ev.Type)})
	if err != nil {
		return fmt.Errorf("marshal header frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, header); err != nil {
		return fmt.Errorf("write header frame: %w", err)
	}

	payload, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("write payload frame: %w", err)
	}
	return nil
}

func writeWSError(ctx context.Context, conn *websocket.Conn, code, message string) {
	header, err := cbor.Marshal(wireHeader{Op: -1, T: "error"})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, header); err != nil {
		return
	}
	payload, err := cbor.Marshal(wireError{Error: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageBinary, payload)
}

// ServeSSE streams events as `data:` JSON lines, with a comment-line
// keepalive every KeepaliveInterval, per spec §6.
func (t *Transport) ServeSSE(w http.ResponseWriter, r *http.Request, convoID, resumeFrom string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := t.Log.Subscribe(ctx, convoID, resumeFrom)
	if err != nil {
		http.Error(w, "subscribe failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				t.Logger.Warn("sse: marshal event failed", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
