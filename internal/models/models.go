package models

import "time"

// MessageType enumerates the kinds a Message row can take.
type MessageType string

const (
	MessageTypeApplication MessageType = "application"
	MessageTypeCommit      MessageType = "commit"
	MessageTypeSystem      MessageType = "system"
)

// EventType enumerates the kinds of events the realtime fabric (C3) emits.
type EventType string

const (
	EventTypeMessage                    EventType = "message"
	EventTypeReaction                   EventType = "reaction"
	EventTypeTyping                     EventType = "typing"
	EventTypeInfo                       EventType = "info"
	EventTypeNewDevice                  EventType = "new-device"
	EventTypeGroupInfoRefreshRequested  EventType = "group-info-refresh-requested"
	EventTypeReadditionRequested        EventType = "readdition-requested"
	EventTypeMembershipChange           EventType = "membership-change"
	EventTypeRead                       EventType = "read"
	EventTypeWarning                    EventType = "warning"
)

// Persisted reports whether events of this type are written to the event log.
// Typing events are ephemeral and are broadcast live only.
func (t EventType) Persisted() bool {
	return t != EventTypeTyping
}

// OutboundStatus enumerates the lifecycle of an outbound queue item.
type OutboundStatus string

const (
	OutboundPending   OutboundStatus = "pending"
	OutboundDelivered OutboundStatus = "delivered"
	OutboundFailed    OutboundStatus = "failed"
)

// PeerStatus enumerates the federation peer table's trust level.
type PeerStatus string

const (
	PeerAllow    PeerStatus = "allow"
	PeerThrottle PeerStatus = "throttle"
	PeerBlock    PeerStatus = "block"
)

// Conversation is the root entity for an MLS group. Identity is an opaque
// string (a ULID in practice, but the field is untyped string because
// conversation ids may be client-supplied at creation).
type Conversation struct {
	ID               string    `json:"id"`
	Creator          string    `json:"creator"`
	CurrentEpoch     uint64    `json:"current_epoch"`
	CipherSuite      string    `json:"cipher_suite"`
	SequencerDS      *string   `json:"sequencer_ds,omitempty"` // nil => this DS is sequencer
	GroupInfo        []byte    `json:"-"`
	GroupInfoEpoch   uint64    `json:"-"`
	AllowRejoin      bool      `json:"allow_rejoin"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsLocalSequencer reports whether this DS holds the sequencer role.
func (c Conversation) IsLocalSequencer() bool {
	return c.SequencerDS == nil
}

// Member is keyed by (conversation, member identity) — one row per device.
type Member struct {
	ConvoID            string     `json:"convo_id"`
	MemberID           string     `json:"member_id"` // row identity, unique per device
	UserDID            string     `json:"user_did"`  // base user identity, shared across devices
	DeviceID           *string    `json:"device_id,omitempty"`
	DeviceName         *string    `json:"device_name,omitempty"`
	JoinedAt           time.Time  `json:"joined_at"`
	LeftAt             *time.Time `json:"left_at,omitempty"`
	UnreadCount        int64      `json:"unread_count"`
	IsAdmin            bool       `json:"is_admin"`
	IsModerator        bool       `json:"is_moderator"`
	LeafIndex          *uint32    `json:"leaf_index,omitempty"`
	NeedsRejoin        bool       `json:"needs_rejoin"`
	RejoinPSKHash      *string    `json:"-"`
}

// Active reports whether the member has not left.
func (m Member) Active() bool {
	return m.LeftAt == nil
}

// Message is keyed by a server-assigned row id.
type Message struct {
	ID             string      `json:"id"`
	ConvoID        string      `json:"convo_id"`
	SenderDID      string      `json:"sender_did"`
	Type           MessageType `json:"type"`
	Epoch          uint64      `json:"epoch"`
	Seq            int64       `json:"seq"`
	Ciphertext     []byte      `json:"ciphertext"`
	PaddedSize     int         `json:"padded_size"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	ClientMsgID    *string     `json:"client_msg_id,omitempty"`
	IdempotencyKey *string     `json:"-"`
}

// KeyPackage is keyed by (owner, hash).
type KeyPackage struct {
	OwnerDID   string     `json:"owner_did"`
	Hash       string     `json:"hash"`
	CipherSuite string    `json:"cipher_suite"`
	Data       []byte     `json:"data"`
	DeviceID   *string    `json:"device_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"-"`
	ReservedAt *time.Time `json:"-"`
}

// Available reports whether the key package may be selected for a new
// reservation at time now, per spec §3: unconsumed, unexpired, and not
// reserved within the last reservationGrace window.
func (k KeyPackage) Available(now time.Time, reservationGrace time.Duration) bool {
	if k.ConsumedAt != nil {
		return false
	}
	if !now.Before(k.ExpiresAt) {
		return false
	}
	if k.ReservedAt != nil && now.Before(k.ReservedAt.Add(reservationGrace)) {
		return false
	}
	return true
}

// Welcome is keyed by row id.
type Welcome struct {
	ID             string     `json:"id"`
	ConvoID        string     `json:"convo_id"`
	RecipientDID   string     `json:"recipient_did"`
	Data           []byte     `json:"data"`
	KeyPackageHash string     `json:"key_package_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	Consumed       bool       `json:"-"`
	ConsumedAt     *time.Time `json:"-"`
	Confirmed      bool       `json:"-"`
}

// VisibleTo reports whether the welcome should still be returned to a
// fetching recipient at time now: either never consumed, or consumed within
// the grace period (crash-recovery window between fetch and confirm).
func (w Welcome) VisibleTo(now time.Time, grace time.Duration) bool {
	if w.Confirmed {
		return false
	}
	if !w.Consumed {
		return true
	}
	return w.ConsumedAt != nil && now.Before(w.ConsumedAt.Add(grace))
}

// Event is keyed by a monotonic cursor (see internal/cursor).
type Event struct {
	Cursor    string      `json:"cursor"`
	ConvoID   string      `json:"convo_id"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	MessageID *string     `json:"message_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// OutboundQueueItem is a durable record of an undelivered (or retrying)
// service-to-service RPC.
type OutboundQueueItem struct {
	ID            string         `json:"id"`
	TargetDS      string         `json:"target_ds"`
	TargetURL     string         `json:"target_url"`
	MethodNSID    string         `json:"method_nsid"`
	Payload       []byte         `json:"-"`
	ConvoID       string         `json:"convo_id"`
	RetryCount    int            `json:"retry_count"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	LastError     *string        `json:"last_error,omitempty"`
	Status        OutboundStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FederationPeer is keyed by peer DS identity, canonicalized (fragment
// stripped) before lookup.
type FederationPeer struct {
	DSID           string     `json:"ds_id"`
	Status         PeerStatus `json:"status"`
	PerMinuteCap   *int       `json:"per_minute_cap,omitempty"`
	OperatorNote   string     `json:"operator_note,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Envelope is a per-recipient record that a message is available for that
// recipient. (recipient_did, message_id) is unique — the natural idempotency
// key for delivery.
type Envelope struct {
	RecipientDID string    `json:"recipient_did"`
	MessageID    string    `json:"message_id"`
	ConvoID      string    `json:"convo_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatRequestStatus enumerates a join-request's lifecycle.
type ChatRequestStatus string

const (
	ChatRequestPending  ChatRequestStatus = "pending"
	ChatRequestAccepted ChatRequestStatus = "accepted"
	ChatRequestDeclined ChatRequestStatus = "declined"
)

// ChatRequest is a pending invite into a conversation awaiting the target's
// acceptance, surfaced to the target as a "pending" entry from getConvos.
type ChatRequest struct {
	ID        string            `json:"id"`
	ConvoID   string            `json:"convo_id"`
	Requester string            `json:"requester"`
	Target    string            `json:"target"`
	Status    ChatRequestStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// PendingDeviceAddition records that a user's new device still needs an
// AddMembers commit run against an existing conversation it did not witness
// — surfaced as an "expected" entry from getConvos until readdition clears
// it.
type PendingDeviceAddition struct {
	ID          string    `json:"id"`
	ConvoID     string    `json:"convo_id"`
	UserDID     string    `json:"user_did"`
	DeviceID    string    `json:"device_id"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Block is a one-way mirror of a Bluesky actor block, synced in from the
// PDS so checkBlocks can answer without re-querying the PDS on every call.
// sendMessage and addMembers do not consult it.
type Block struct {
	UserDID    string    `json:"user_did"`
	BlockedDID string    `json:"blocked_did"`
	SyncedAt   time.Time `json:"synced_at"`
}

// ReportStatus enumerates a moderation report's lifecycle.
type ReportStatus string

const (
	ReportOpen     ReportStatus = "open"
	ReportResolved ReportStatus = "resolved"
)

// Report is a member-filed moderation report against another member of a
// conversation.
type Report struct {
	ID         string       `json:"id"`
	ConvoID    string       `json:"convo_id"`
	Reporter   string       `json:"reporter"`
	Target     string       `json:"target"`
	Reason     string       `json:"reason"`
	Status     ReportStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}
