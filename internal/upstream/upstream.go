// Package upstream implements the subscription multiplexer (C11): when a
// local client subscribes to a conversation whose sequencer is remote, this
// package owns the single upstream WebSocket to that sequencer and fans its
// events out to however many local subscribers are listening, so the
// sequencer sees exactly one connection per (sequencer, conversation) no
// matter how many local devices subscribe.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"

	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/servicetoken"
	"github.com/catbird/mls-ds/internal/ssrfguard"
)

// GracePeriod is how long an entry lingers after its last local subscriber
// leaves before the upstream connection is torn down.
const GracePeriod = 30 * time.Second

// reconnectBaseDelay and reconnectMaxDelay bound the exponential backoff
// used to re-establish a dropped upstream connection.
const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 60 * time.Second
)

const ticketNSID = "blue.catbird.mls.ds.getSubscriptionTicket"
const subscribeNSID = "blue.catbird.mls.ds.subscribeConvoEvents"

// wireHeader is the first of the two DAG-CBOR objects per event frame
// (spec §4.3's wire format): op=1 for an event, op=-1 for an error.
type wireHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

// wireError is op=-1's payload object.
type wireError struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

// Multiplexer owns every live (sequencer, conversation) upstream entry.
type Multiplexer struct {
	signer *servicetoken.Signer
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	entries map[entryKey]*entry
}

type entryKey struct {
	sequencerDID string
	convoID      string
}

// New constructs a Multiplexer. signer mints the service tokens used to
// request subscription tickets from remote sequencers.
func New(signer *servicetoken.Signer, policy ssrfguard.Policy, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		signer:  signer,
		client:  ssrfguard.Client(policy),
		logger:  logger,
		entries: make(map[entryKey]*entry),
	}
}

// entry is one upstream connection to a (sequencer, conversation), shared by
// every local subscriber.
type entry struct {
	mux          *Multiplexer
	key          entryKey
	endpoint     string
	logger       *slog.Logger
	runCtx       context.Context
	runCancel    context.CancelFunc
	closeTimer   *time.Timer

	mu             sync.Mutex
	refcount       int
	lastSeenCursor string
	subs           map[int]chan models.Event
	nextSubID      int
}

// Subscription is a local subscriber's handle on a shared upstream entry.
type Subscription struct {
	entry *entry
	subID int
	out   chan models.Event
}

// Events yields proxied events. The channel closes when the subscription is
// closed or the entry itself is torn down.
func (s *Subscription) Events() <-chan models.Event { return s.out }

// Close releases this subscriber's slot on the shared entry. When the last
// subscriber closes, the upstream connection is torn down after
// GracePeriod.
func (s *Subscription) Close() {
	s.entry.unsubscribe(s.subID)
}

// Subscribe returns a Subscription proxying events for convoID from
// sequencerDID at sequencerEndpoint, resuming from resumeFrom if set.
// Concurrent local subscribers for the same (sequencer, conversation) share
// one upstream connection.
func (m *Multiplexer) Subscribe(ctx context.Context, sequencerDID, sequencerEndpoint, convoID, resumeFrom string) (*Subscription, error) {
	key := entryKey{sequencerDID: sequencerDID, convoID: convoID}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.Background())
		e = &entry{
			mux: m, key: key, endpoint: sequencerEndpoint,
			logger: m.logger.With(slog.String("sequencer", sequencerDID), slog.String("convo_id", convoID)),
			runCtx: runCtx, runCancel: cancel,
			lastSeenCursor: resumeFrom,
			subs:           make(map[int]chan models.Event),
		}
		m.entries[key] = e
		go e.run()
	}
	m.mu.Unlock()

	return e.subscribe(), nil
}

func (e *entry) subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}

	id := e.nextSubID
	e.nextSubID++
	ch := make(chan models.Event, 256)
	e.subs[id] = ch
	e.refcount++
	return &Subscription{entry: e, subID: id, out: ch}
}

func (e *entry) unsubscribe(id int) {
	e.mu.Lock()
	if ch, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(ch)
		e.refcount--
	}
	remaining := e.refcount
	e.mu.Unlock()

	if remaining <= 0 {
		e.scheduleClose()
	}
}

// scheduleClose tears down the upstream connection after GracePeriod if no
// new subscriber has arrived by then.
func (e *entry) scheduleClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refcount > 0 {
		return
	}
	if e.closeTimer != nil {
		e.closeTimer.Stop()
	}
	e.closeTimer = time.AfterFunc(GracePeriod, func() {
		e.mu.Lock()
		stillIdle := e.refcount <= 0
		e.mu.Unlock()
		if !stillIdle {
			return
		}
		e.mux.mu.Lock()
		delete(e.mux.entries, e.key)
		e.mux.mu.Unlock()
		e.runCancel()
	})
}

func (e *entry) broadcast(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeenCursor = ev.Cursor
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("upstream subscriber lagging, dropping event")
		}
	}
}

// run owns the entry's single upstream connection, reconnecting with
// exponential backoff on transport failure until runCtx is cancelled.
func (e *entry) run() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-e.runCtx.Done():
			return
		default:
		}

		err := e.connectAndPump()
		if e.runCtx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn("upstream connection failed, reconnecting", slog.String("error", err.Error()), slog.Duration("delay", delay))
		}

		select {
		case <-e.runCtx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// connectAndPump acquires a subscription ticket, opens the WebSocket, and
// reads CBOR-framed header+payload pairs until the connection drops.
func (e *entry) connectAndPump() error {
	ticket, err := e.acquireTicket()
	if err != nil {
		return fmt.Errorf("acquire subscription ticket: %w", err)
	}

	wsURL, err := subscribeURL(e.endpoint, e.key.convoID, e.currentCursor())
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(e.runCtx, wsURL, &websocket.DialOptions{
		HTTPClient: e.mux.client,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + ticket}},
	})
	if err != nil {
		return fmt.Errorf("dial upstream websocket: %w", err)
	}
	defer conn.CloseNow()

	for {
		header, payload, err := readFrame(e.runCtx, conn)
		if err != nil {
			return err
		}
		if header.Op == -1 {
			var werr wireError
			if err := cbor.Unmarshal(payload, &werr); err == nil {
				return fmt.Errorf("upstream reported error: %s: %s", werr.Error, werr.Message)
			}
			return fmt.Errorf("upstream reported an error frame")
		}

		var ev models.Event
		if err := cbor.Unmarshal(payload, &ev); err != nil {
			e.logger.Warn("discarding unparseable upstream event", slog.String("error", err.Error()))
			continue
		}
		ev.Type = models.EventType(header.T)
		e.broadcast(ev)
	}
}

func (e *entry) currentCursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeenCursor
}

func readFrame(ctx context.Context, conn *websocket.Conn) (wireHeader, []byte, error) {
	_, headerBytes, err := conn.Read(ctx)
	if err != nil {
		return wireHeader{}, nil, fmt.Errorf("read header frame: %w", err)
	}
	var header wireHeader
	if err := cbor.Unmarshal(headerBytes, &header); err != nil {
		return wireHeader{}, nil, fmt.Errorf("decode header frame: %w", err)
	}

	_, payload, err := conn.Read(ctx)
	if err != nil {
		return wireHeader{}, nil, fmt.Errorf("read payload frame: %w", err)
	}
	return header, payload, nil
}

// acquireTicket calls the sequencer's getSubscriptionTicket NSID with a
// service token minted by this DS.
func (e *entry) acquireTicket() (string, error) {
	token, err := e.mux.signer.Mint(e.key.sequencerDID, ticketNSID)
	if err != nil {
		return "", fmt.Errorf("mint service token: %w", err)
	}

	body, err := json.Marshal(map[string]string{"convoId": e.key.convoID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(e.runCtx, http.MethodPost, e.endpoint+"/xrpc/"+ticketNSID, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.mux.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getSubscriptionTicket returned %d", resp.StatusCode)
	}

	var out struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	return out.Ticket, nil
}

// subscribeURL derives the ws/wss subscription URL from the sequencer's
// resolved HTTP(S) endpoint, per spec §4.11.
func subscribeURL(endpoint, convoID, resumeFrom string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse sequencer endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported sequencer endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/xrpc/" + subscribeNSID

	q := u.Query()
	q.Set("convoId", convoID)
	if resumeFrom != "" {
		q.Set("cursor", resumeFrom)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ShutdownAll tears down every live upstream entry, for graceful process
// shutdown.
func (m *Multiplexer) ShutdownAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[entryKey]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.runCancel()
	}
}
