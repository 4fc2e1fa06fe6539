// Package outbound implements the signed RPC client and durable retry
// queue for service-to-service delivery (C9).
package outbound

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/servicetoken"
	"github.com/catbird/mls-ds/internal/ssrfguard"
	"github.com/catbird/mls-ds/internal/storage"
)

// MaxRetries bounds how many retryable failures an item tolerates before
// being marked failed.
const MaxRetries = 11

// backoff implements spec §4.9's min(5*2^n, 300) seconds schedule.
func backoff(retryCount int) time.Duration {
	seconds := 5 * math.Pow(2, float64(retryCount))
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// Ack is the acknowledgement format from spec §6.
type Ack struct {
	ReceiverDSDID string    `json:"receiver_ds_did"`
	ConvoID       string    `json:"convo_id"`
	ReceivedAt    time.Time `json:"received_at"`
	Signature     string    `json:"signature"`
}

// AckVerifyKeyResolver locates a receiver's P-256 ack-verifying key,
// implemented by internal/resolver's DID document lookup.
type AckVerifyKeyResolver interface {
	ResolveAckVerifyKey(ctx context.Context, receiverDSDID string) (*ecdsa.PublicKey, error)
}

// DeliverResult is returned by Deliver.
type DeliverResult struct {
	Accepted       bool
	Ack            *Ack
	AckFieldsOnly  bool // true if the ack was accepted on fields alone (no usable verifying key)
	Retryable      bool
	Err            error
}

// Client is the signed-request wrapper described in spec §4.9.
type Client struct {
	signer   *servicetoken.Signer
	ackKeys  AckVerifyKeyResolver
	http     *http.Client
	logger   *slog.Logger
}

// NewClient constructs a Client. policy governs the SSRF-guarded transport
// used for every outbound POST.
func NewClient(signer *servicetoken.Signer, ackKeys AckVerifyKeyResolver, policy ssrfguard.Policy, logger *slog.Logger) *Client {
	return &Client{signer: signer, ackKeys: ackKeys, http: ssrfguard.Client(policy), logger: logger}
}

// Deliver mints a service token and POSTs payload to targetEndpoint's
// methodNSID. On success, the response is parsed as an optional Ack and
// verified against the receiver's published key.
func (c *Client) Deliver(ctx context.Context, targetDSID, targetEndpoint, methodNSID string, payload []byte) DeliverResult {
	token, err := c.signer.Mint(targetDSID, methodNSID)
	if err != nil {
		return DeliverResult{Retryable: false, Err: fmt.Errorf("mint service token: %w", err)}
	}

	url := targetEndpoint + "/xrpc/" + methodNSID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return DeliverResult{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return DeliverResult{Retryable: true, Err: fmt.Errorf("deliver to %s: %w", targetDSID, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result := DeliverResult{Accepted: true}
		if len(body) > 0 {
			var ack Ack
			if err := json.Unmarshal(body, &ack); err == nil && ack.ReceiverDSDID != "" {
				verified, fieldsOnly := c.verifyAck(ctx, ack)
				if verified {
					result.Ack = &ack
					result.AckFieldsOnly = fieldsOnly
				} else {
					c.logger.Warn("discarding ack: possible forgery", slog.String("target", targetDSID))
				}
			}
		}
		return result
	}

	retryable := retryableStatus(resp.StatusCode)
	return DeliverResult{Retryable: retryable, Err: fmt.Errorf("delivery to %s returned %d: %s", targetDSID, resp.StatusCode, string(body))}
}

func retryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

// verifyAck validates the ack's signature against the receiver's published
// key. If no usable key is available, it is accepted with fieldsOnly=true
// per spec §4.9.
func (c *Client) verifyAck(ctx context.Context, ack Ack) (verified bool, fieldsOnly bool) {
	key, err := c.ackKeys.ResolveAckVerifyKey(ctx, ack.ReceiverDSDID)
	if err != nil || key == nil {
		return true, true
	}

	sig, err := base64.StdEncoding.DecodeString(ack.Signature)
	if err != nil || len(sig) != 64 {
		return false, false
	}
	msg := canonicalAckMessage(ack)
	hash := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(key, hash[:], r, s), false
}

func canonicalAckMessage(ack Ack) []byte {
	return []byte(ack.ReceiverDSDID + "|" + ack.ConvoID + "|" + ack.ReceivedAt.UTC().Format(time.RFC3339Nano))
}

// Queue is the durable retry worker described in spec §4.9.
type Queue struct {
	store  *storage.Store
	client *Client
	logger *slog.Logger
	maxAge time.Duration
}

// NewQueue constructs a Queue.
func NewQueue(store *storage.Store, client *Client, logger *slog.Logger, purgeAge time.Duration) *Queue {
	return &Queue{store: store, client: client, logger: logger, maxAge: purgeAge}
}

// Enqueue appends a durable outbound item.
func (q *Queue) Enqueue(ctx context.Context, item models.OutboundQueueItem) error {
	if item.Status == "" {
		item.Status = models.OutboundPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = time.Now().UTC()
	}
	return q.store.EnqueueOutbound(ctx, item)
}

// RunWorker wakes every tick (spec §4.9: 5s) and processes up to
// batchSize pending items, until ctx is cancelled. At most one tick runs at
// a time — a slow tick simply delays the next one rather than overlapping.
func (q *Queue) RunWorker(ctx context.Context, tick time.Duration, batchSize int) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.processTick(ctx, batchSize)
		}
	}
}

func (q *Queue) processTick(ctx context.Context, batchSize int) {
	items, err := q.store.OutboundDue(ctx, batchSize)
	if err != nil {
		q.logger.Warn("outbound worker: list due items failed", slog.String("error", err.Error()))
		return
	}
	for _, item := range items {
		q.deliverOne(ctx, item)
	}
}

func (q *Queue) deliverOne(ctx context.Context, item storage.OutboundRow) {
	result := q.client.Deliver(ctx, item.TargetDS, item.TargetURL, item.MethodNSID, item.Payload)
	if result.Err == nil && result.Accepted {
		if err := q.store.MarkOutboundTerminal(ctx, item.ID, "delivered", ""); err != nil {
			q.logger.Warn("outbound worker: mark delivered failed", slog.String("error", err.Error()))
		}
		return
	}

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	if !result.Retryable || item.RetryCount >= MaxRetries {
		if err := q.store.MarkOutboundTerminal(ctx, item.ID, "failed", errMsg); err != nil {
			q.logger.Warn("outbound worker: mark failed failed", slog.String("error", err.Error()))
		}
		return
	}

	wait := backoff(item.RetryCount)
	nextRetryCount := item.RetryCount + 1
	nextRetryAt := time.Now().Add(wait)
	if err := q.store.MarkOutboundRetry(ctx, item.ID, nextRetryCount, nextRetryAt, errMsg); err != nil {
		q.logger.Warn("outbound worker: mark retry failed", slog.String("error", err.Error()))
	}
}

// RunPurger periodically removes terminal-state items older than the
// configured max age.
func (q *Queue) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.store.PurgeOldOutbound(ctx, q.maxAge); err != nil {
				q.logger.Warn("outbound worker: purge old items failed", slog.String("error", err.Error()))
			}
		}
	}
}
