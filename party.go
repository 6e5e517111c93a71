// BubbleUp Party
//
// A host creates a party and shares its add link (or QR code) with the
// room. Participants submit short words from their phones, and every
// connected viewer sees the list grow live. When the host is ready, they
// flip the party from collecting words to displaying them.
//
// Features:
// - REST API under /api/party backed by sqlite
// - WebSocket per party: /api/party/:id/ws
// - Live events: init snapshot on connect, then word_added / status_changed
// - Manage, display, and add pages served from embedded assets
// - Shareable links plus a QR code for the add page, backed by go-qrcode

package main

import "fmt"

// Status is the lifecycle state of a party: collecting submissions
// ("add") or showing them off ("display").
type Status string

const (
	StatusAdd     Status = "add"
	StatusDisplay Status = "display"
)

// ParseStatus validates the external string form of a status. Unknown
// values fail with ErrInvalidStatus before any store access happens.
// Both valid states may transition to either, including themselves.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusAdd, StatusDisplay:
		return Status(s), nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Word is one short text submission, owned by exactly one party.
type Word struct {
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	PartyID int64  `json:"party_id"`
}

// Party is a single shared session. Words are ordered by creation.
type Party struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
	Words  []Word `json:"words"`
}

// PartyLinks is a party plus the URLs a host needs to run it. QRCode is
// a base64-encoded PNG of AddURL, included on request.
type PartyLinks struct {
	Party
	ManageURL  string `json:"manage_url"`
	DisplayURL string `json:"display_url"`
	AddURL     string `json:"add_url"`
	QRCode     string `json:"qr_code,omitempty"`
}

// Messages pushed to live connections

// initMessage is the full snapshot sent once per connection, on join.
type initMessage struct {
	Type  string `json:"type"` // "init"
	Party *Party `json:"party"`
}

type wordAddedMessage struct {
	Type string `json:"type"` // "word_added"
	Word *Word  `json:"word"`
}

type statusChangedMessage struct {
	Type   string `json:"type"` // "status_changed"
	Status Status `json:"status"`
}

// pongMessage answers the client keepalive ping.
type pongMessage struct {
	Type string `json:"type"` // "pong"
}
