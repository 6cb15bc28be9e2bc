// Package pin builds timeline pins from torrent snapshots.
package pin

import (
	"fmt"
	"math"
	"time"

	"torrent_pins/internal/model"
)

const (
	timeLayout = "2006-01-02T15:04:05Z"
	dateLayout = "02/01/2006"
	tinyIcon   = "system://images/SCHEDULED_EVENT"

	// maxETA is the largest ETA in seconds that fits in a time.Duration.
	maxETA = int64(math.MaxInt64 / time.Second)
)

// Pin is the JSON body accepted by the timeline pin API.
type Pin struct {
	ID        string     `json:"id"`
	Time      string     `json:"time"`
	Layout    Layout     `json:"layout"`
	Actions   []Action   `json:"actions"`
	Reminders []Reminder `json:"reminders,omitempty"`
}

// Layout describes how a pin or reminder is rendered on the watch.
type Layout struct {
	Type       string   `json:"type"`
	TinyIcon   string   `json:"tinyIcon"`
	Title      string   `json:"title"`
	Headings   []string `json:"headings,omitempty"`
	Paragraphs []string `json:"paragraphs,omitempty"`
}

// Action is a user action attached to a pin.
type Action struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Reminder is a notification fired at Time alongside a pin.
type Reminder struct {
	Time   string `json:"time"`
	Layout Layout `json:"layout"`
}

// Build creates the pin for t under the stable identifier id.
// A torrent with a known ETA gets a progress pin scheduled at now+ETA.
// A completed torrent gets a status pin and a reminder at its completion time.
func Build(t model.Torrent, id string, now time.Time) Pin {
	p := Pin{
		ID:      id,
		Actions: []Action{{Title: "Open WatchApp", Type: "openWatchApp"}},
		Layout: Layout{
			Type:     "calendarPin",
			TinyIcon: tinyIcon,
			Title:    t.Name,
		},
	}

	switch {
	case t.ETA >= 0:
		eta := time.Duration(min(t.ETA, maxETA)) * time.Second
		p.Time = now.UTC().Add(eta).Format(timeLayout)
		p.Layout.Headings = []string{"Downloading", "Uploading", "ETA"}
		p.Layout.Paragraphs = []string{
			FormatRate(t.RateDownload),
			FormatRate(t.RateUpload),
			FormatETA(eta),
		}
	case t.Completed():
		done := t.CompletedAt()
		p.Time = done.Format(timeLayout)
		p.Layout.Headings = []string{"Status", "on"}
		p.Layout.Paragraphs = []string{"Completed", done.Format(dateLayout)}
		p.Reminders = []Reminder{{
			Time: p.Time,
			Layout: Layout{
				Type:     "genericReminder",
				TinyIcon: tinyIcon,
				Title:    "You have finished to download " + t.Name,
			},
		}}
	}

	return p
}

// FormatRate renders a byte rate as KB/s, MB/s or GB/s with binary multiples.
func FormatRate(bytesPerSec int64) string {
	const (
		kib = 1024
		mib = kib * 1024
		gib = mib * 1024
	)
	v := float64(bytesPerSec)
	switch {
	case bytesPerSec < mib:
		return fmt.Sprintf("%.1f KB/s", v/kib)
	case bytesPerSec < gib:
		return fmt.Sprintf("%.2f MB/s", v/mib)
	default:
		return fmt.Sprintf("%.2f GB/s", v/gib)
	}
}

// FormatETA renders d as H:MM:SS, prefixed with a day count past 24 hours.
func FormatETA(d time.Duration) string {
	total := int64(d / time.Second)
	days := total / 86400
	rest := total % 86400
	clock := fmt.Sprintf("%d:%02d:%02d", rest/3600, rest%3600/60, rest%60)

	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
