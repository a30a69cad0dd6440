// Package model holds the shared domain types: users, portal notifications
// and the credential cookies that accompany a fetch round.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NotificationType is the closed set of portal notification kinds.
// The portal is Spanish-speaking; the wire values follow it.
type NotificationType string

const (
	TypeNotice     NotificationType = "noticia"
	TypeEvaluation NotificationType = "evaluacion"
	TypeDocument   NotificationType = "documento"
)

// DocumentStatus tracks whether a document notification's file list has been
// fully resolved by the portal side. Only meaningful for TypeDocument.
type DocumentStatus string

const (
	DocumentUnresolved DocumentStatus = "unresolved"
	DocumentResolved   DocumentStatus = "resolved"
)

// File is one downloadable attachment of a document notification.
type File struct {
	FileName    string `json:"file_name"`
	DownloadURL string `json:"download_url"`
	SourceURL   string `json:"source_url,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ContentHash derives the dedup key for the uploaded-file ledger. It must be
// deterministic: the same (download URL, file name) pair always maps to the
// same digest, across processes and restarts.
func (f File) ContentHash() string {
	sum := sha256.Sum256([]byte(f.DownloadURL + f.FileName))
	return hex.EncodeToString(sum[:])
}

// Notification is a normalized portal notification as produced by the fetch
// layer. (user_id, external_id) is the identity used for idempotency.
type Notification struct {
	ExternalID     string           `json:"external_id"`
	Type           NotificationType `json:"type"`
	Course         string           `json:"course"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Link           string           `json:"link"`
	Date           string           `json:"date"`
	Files          []File           `json:"files,omitempty"`
	DocumentStatus DocumentStatus   `json:"document_status,omitempty"`

	// PortalID is the portal's own notification id, used to acknowledge
	// (delete) the notification after successful processing. May be empty.
	PortalID string `json:"portal_id,omitempty"`
}

// Cookie is a persisted credential token of an authenticated portal session.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
}

// Expired reports whether the cookie carries an expiry in the past.
// Cookies without an expiry are session cookies and never expire here.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

// User is an active portal account the relay works on behalf of.
type User struct {
	ID             string
	Name           string
	PortalUsername string
	PortalPassword string
	TelegramChatID int64
	VaultRootID    string
	Active         bool
	CreatedAt      time.Time
}
