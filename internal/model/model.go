// Package model defines the domain types used across the application.
package model

import "time"

// Torrent is a snapshot of one torrent as reported by a user's Transmission endpoint.
type Torrent struct {
	ID           int64
	Hash         string
	Name         string
	ETA          int64 // seconds; negative when unknown or not applicable
	DoneDate     int64 // unix seconds; 0 when never completed
	RateDownload int64 // bytes per second
	RateUpload   int64 // bytes per second
}

// Completed reports whether the torrent has ever finished downloading.
func (t Torrent) Completed() bool {
	return t.DoneDate != 0
}

// CompletedAt returns the completion instant in UTC.
func (t Torrent) CompletedAt() time.Time {
	return time.Unix(t.DoneDate, 0).UTC()
}

// PinRecord tracks the timeline pin that represents one torrent of a user.
type PinRecord struct {
	// PinID is generated once and reused for every update and delete of the pin.
	PinID string
	// Pending is true until the completion pin has been delivered once.
	Pending bool
}

// User is a registered account whose torrents are mirrored to the timeline.
type User struct {
	Token     string // timeline user token, also the primary key
	URL       string // Transmission RPC endpoint
	Username  string
	Password  string
	CreatedAt time.Time
}
