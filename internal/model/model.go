package model

import "time"

// Mode is the kind of access a session holds on a file.
type Mode string

const (
	ModeEdit Mode = "EDIT"
	ModeView Mode = "VIEW"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeEdit || m == ModeView
}

// State tracks the save progress of a session.
type State string

const (
	StateActive      State = "ACTIVE"
	StateSavePending State = "SAVE_PENDING"
	StateStale       State = "STALE"
)

// BatchStatus distinguishes unsaved from saved change batches.
type BatchStatus string

const (
	BatchCurrent BatchStatus = "CURRENT"
	BatchSaved   BatchStatus = "SAVED"
)

// Session is one occupancy of a file by one collaborator.
type Session struct {
	FileID              string `json:"file_id" dynamodbav:"file_id"`
	SessionID           string `json:"session_id" dynamodbav:"session_id"`
	UserID              string `json:"user_id" dynamodbav:"user_id"`
	UserDisplayName     string `json:"user_display_name,omitempty" dynamodbav:"user_display_name,omitempty"`
	Mode                Mode   `json:"mode" dynamodbav:"mode"`
	State               State  `json:"state" dynamodbav:"state"`
	CreatedAt           int64  `json:"created_at" dynamodbav:"created_at"`
	LastActivityAt      int64  `json:"last_activity_at" dynamodbav:"last_activity_at"`
	TTL                 int64  `json:"ttl" dynamodbav:"ttl"` // Unix seconds
	LinkedUserSessionID string `json:"linked_user_session_id,omitempty" dynamodbav:"linked_user_session_id,omitempty"`
	LatestVersionID     string `json:"latest_version_id,omitempty" dynamodbav:"latest_version_id,omitempty"`
	StorageType         string `json:"storage_type,omitempty" dynamodbav:"storage_type,omitempty"`
	ExternalAccountID   string `json:"external_account_id,omitempty" dynamodbav:"external_account_id,omitempty"`
	Device              string `json:"device,omitempty" dynamodbav:"device,omitempty"`
	Rev                 string `json:"rev,omitempty" dynamodbav:"rev,omitempty"`
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.TTL < now.Unix()
}

// Lease is the single-writer claim on a file. At most one live row exists per file.
type Lease struct {
	FileID    string `json:"file_id" dynamodbav:"file_id"`
	SessionID string `json:"session_id" dynamodbav:"session_id"`
	UserID    string `json:"user_id" dynamodbav:"user_id"`
	TTL       int64  `json:"ttl" dynamodbav:"ttl"`
	Rev       string `json:"rev,omitempty" dynamodbav:"rev,omitempty"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return l.TTL < now.Unix()
}

// EditRequest is a pending bid for the lease held by OwnerSessionID.
type EditRequest struct {
	FileID             string `json:"file_id" dynamodbav:"file_id"`
	RequesterSessionID string `json:"requester_session_id" dynamodbav:"requester_session_id"`
	RequesterUserID    string `json:"requester_user_id" dynamodbav:"requester_user_id"`
	OwnerSessionID     string `json:"owner_session_id" dynamodbav:"owner_session_id"`
	TTL                int64  `json:"ttl" dynamodbav:"ttl"`
	Seq                int64  `json:"seq" dynamodbav:"seq"`
	Denied             bool   `json:"denied" dynamodbav:"denied"`
	CreatedAt          int64  `json:"created_at" dynamodbav:"created_at"`
	Rev                string `json:"rev,omitempty" dynamodbav:"rev,omitempty"`
}

// Expired reports whether the request has lapsed at now.
func (r *EditRequest) Expired(now time.Time) bool {
	return r.TTL < now.Unix()
}

// Before orders requests by TTL, then by sequence number.
func (r *EditRequest) Before(o *EditRequest) bool {
	if r.TTL != o.TTL {
		return r.TTL < o.TTL
	}
	return r.Seq < o.Seq
}

// Change is one opaque edit record.
type Change struct {
	Seq     int64  `json:"seq" dynamodbav:"seq"`
	Kind    string `json:"kind" dynamodbav:"kind"`
	Payload string `json:"payload" dynamodbav:"payload"`
	At      int64  `json:"at" dynamodbav:"at"`
	Sealed  bool   `json:"sealed,omitempty" dynamodbav:"sealed,omitempty"`
}

// ChangeBatch groups the changes a session made. BatchKey is the sort key.
type ChangeBatch struct {
	FileID    string      `json:"file_id" dynamodbav:"file_id"`
	BatchKey  string      `json:"batch_key" dynamodbav:"batch_key"`
	SessionID string      `json:"session_id" dynamodbav:"session_id"`
	Status    BatchStatus `json:"status" dynamodbav:"status"`
	Changes   []Change    `json:"changes" dynamodbav:"changes"`
	UpdatedAt int64       `json:"updated_at" dynamodbav:"updated_at"`
	SavedAt   int64       `json:"saved_at,omitempty" dynamodbav:"saved_at,omitempty"`
	TTL       int64       `json:"ttl,omitempty" dynamodbav:"ttl,omitempty"`
	Rev       string      `json:"rev,omitempty" dynamodbav:"rev,omitempty"`
}

// UserProfile is the directory entry used for display names.
type UserProfile struct {
	UserID      string    `json:"user_id" dynamodbav:"user_id"`
	DisplayName string    `json:"display_name" dynamodbav:"display_name"`
	Email       string    `json:"email,omitempty" dynamodbav:"email,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
}
