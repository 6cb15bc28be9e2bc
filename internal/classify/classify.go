// Package classify decides what the timeline should do about a torrent.
package classify

import (
	"time"

	"torrent_pins/internal/model"
)

// Action is the outcome of classifying a torrent.
type Action string

// Supported actions.
const (
	ActionPut         Action = "put"
	ActionDelete      Action = "delete"
	ActionShowable    Action = "showable"
	ActionNotShowable Action = "not_showable"
)

// ShowableWindow is how long after completion a finished torrent is still worth a pin.
const ShowableWindow = 3 * 24 * time.Hour

// Torrent maps a torrent snapshot to an action relative to now.
// Rules are evaluated in order and the first match wins:
//   - no ETA and never completed: delete
//   - ETA known: put
//   - completed within ShowableWindow: showable
//   - completed earlier: not_showable
//
// Completed torrents are never classified as delete, whatever their age.
func Torrent(t model.Torrent, now time.Time) Action {
	if t.ETA < 0 && !t.Completed() {
		return ActionDelete
	}
	if t.ETA >= 0 {
		return ActionPut
	}
	if !t.CompletedAt().Before(now.Add(-ShowableWindow)) {
		return ActionShowable
	}
	return ActionNotShowable
}
