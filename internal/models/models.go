// Package models holds the gatekeeper's storage-level record shapes (§3 of
// the design: KV-store records, not wire DTOs).
package models

import "time"

// PathEntry is one FIFO-bounded (key_path, created_at) pair inside a
// Whitelist Record.
type PathEntry struct {
	KeyPath   string `json:"key_path"`
	CreatedAt int64  `json:"created_at"`
}

// WhitelistRecord is keyed ip_cidr_access:{normalized-pattern}:{ua-hash}.
type WhitelistRecord struct {
	UID       string      `json:"uid"`
	IPPattern string      `json:"ip_pattern"`
	Paths     []PathEntry `json:"paths"`
	UserAgent string      `json:"user_agent"`
	CreatedAt int64       `json:"created_at"`
}

// StaticWhitelistRecord is keyed static_file_access:{pattern}:{ua-hash}.
type StaticWhitelistRecord struct {
	UID       string `json:"uid"`
	IPPattern string `json:"ip_pattern"`
	UserAgent string `json:"user_agent"`
	CreatedAt int64  `json:"created_at"`
}

// UIDPair is one entry of a UID Pairs Index, keyed uid_ua_ip_pairs:{uid}.
type UIDPair struct {
	PairID      string `json:"pair_id"` // ip_pattern:ua_hash
	IPPattern   string `json:"ip_pattern"`
	UAHash      string `json:"ua_hash"`
	CreatedAt   int64  `json:"created_at"`
	LastUpdated int64  `json:"last_updated"`
}

// JSWhitelistRecord is keyed
// js_wl_frontend:{uid}:{match-key-hash}:{ua-hash}:{ip-hash}.
type JSWhitelistRecord struct {
	UID        string `json:"uid"`
	JSPath     string `json:"js_path"` // "" => wildcard
	MatchKey   string `json:"match_key"`
	ClientIP   string `json:"client_ip"`
	UserAgent  string `json:"user_agent"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	IsWildcard bool   `json:"is_wildcard"`
}

// SessionType distinguishes how a session was established.
type SessionType string

const (
	SessionTypeNew    SessionType = "new"
	SessionTypeReused SessionType = "reused"
)

// SessionRecord is keyed session:{uuid}, looked up via
// ip_ua_session:{ip}:{ua-hash}:{uid}:{key-path}.
type SessionRecord struct {
	SessionID     string      `json:"session_id"`
	UID           string      `json:"uid"`
	ClientIP      string      `json:"client_ip"`
	UserAgent     string      `json:"user_agent"`
	Path          string      `json:"path"`
	KeyPath       string      `json:"key_path"`
	CreatedAt     int64       `json:"created_at"`
	LastActivity  int64       `json:"last_activity"`
	AccessCount   int64       `json:"access_count"`
	SessionType   SessionType `json:"session_type"`
}

// BrowserClass is the four-way UA classification feeding the adaptive
// manifest access limits.
type BrowserClass string

const (
	BrowserMobile   BrowserClass = "mobile_browser"
	BrowserDesktop  BrowserClass = "desktop_browser"
	BrowserDownload BrowserClass = "download_tool"
	BrowserUnknown  BrowserClass = "unknown"
)

// AccessLogEntry is the compact JSON record LPUSHed into one of the four
// access-log rings (C14).
type AccessLogEntry struct {
	UID       string `json:"uid,omitempty"`
	Path      string `json:"path,omitempty"`
	FullURL   string `json:"full_url,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"ua,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ReplayLogEntry is the compact record for token-replay and key-access
// event rings (C8/C9).
type ReplayLogEntry struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	FullURL   string `json:"full_url,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"ua,omitempty"`
	Count     int64  `json:"count"`
	MaxUses   int    `json:"max_uses"`
	Blocked   bool   `json:"blocked"`
	Fallback  bool   `json:"fallback,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// LiveTransferStatus is the lifecycle state of an in-memory Live Transfer.
type LiveTransferStatus string

const (
	TransferActive       LiveTransferStatus = "active"
	TransferCompleted    LiveTransferStatus = "completed"
	TransferDisconnected LiveTransferStatus = "disconnected"
	TransferError        LiveTransferStatus = "error"
)

// LiveTransfer is the in-memory accounting record for a currently
// delivering response (C13). Not persisted to the KV store.
type LiveTransfer struct {
	TransferID       string
	FilePath         string
	UID              string
	SessionID        string
	ClientIP         string
	FileType         string
	StartByte        int64
	EndByte          int64
	TotalSize        int64
	BytesTransferred int64
	StartTime        time.Time
	LastUpdate       time.Time
	FirstByteTime    time.Time
	Status           LiveTransferStatus
	SpeedHistory     []float64 // ring, len <= 10
	SmoothedSpeedBps float64
}

// APISuccess is the generic success envelope for admin API mutations.
type APISuccess struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// APIError is the generic error envelope for admin API failures.
type APIError struct {
	Error string `json:"error"`
}

// AdmissionResult is the outcome of the admission pipeline (C11) for a
// single request, threaded through to the delivery and logging stages.
type AdmissionResult struct {
	Allowed       bool
	UID           string
	EffectiveUID  string
	SessionID     string
	NewSession    bool
	Reason        string
	StatusCode    int
	RedirectURL   string
	Fallback      bool
}
