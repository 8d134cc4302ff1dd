package models

import "time"

// QueueEntry is the public view of a ticket inside a stats snapshot.
type QueueEntry struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Department string `json:"department" yaml:"department"`
	BookingID  string `json:"booking_id" yaml:"booking_id"`
}

// WaitingEntry is a waiting ticket with its 1-indexed FIFO position.
type WaitingEntry struct {
	Sno        int `json:"sno" yaml:"sno"`
	QueueEntry `yaml:",inline"`
}

// AggregateStats is a point-in-time snapshot of the queue. It is built fresh
// for every request and never mutated afterwards.
type AggregateStats struct {
	QueueLength          int            `json:"queue_length" yaml:"queue_length"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes" yaml:"estimated_wait_minutes"`
	CompletedToday       int            `json:"completed_today" yaml:"completed_today"`
	Waiting              []WaitingEntry `json:"waiting" yaml:"waiting"`
	InProgress           *QueueEntry    `json:"in_progress" yaml:"in_progress"`
	ServiceTimeMap       map[string]int `json:"service_time_map" yaml:"service_time_map"`
	LatestUpdate         time.Time      `json:"latest_update_ts" yaml:"latest_update_ts"`
}

// StatsDump is AggregateStats plus every stored record, for diagnostics.
type StatsDump struct {
	AggregateStats
	AllDocs []*Ticket `json:"all_docs" yaml:"all_docs"`
}

// NewQueueEntry projects a ticket onto its snapshot view.
func NewQueueEntry(t *Ticket) QueueEntry {
	return QueueEntry{
		ID:         t.ID,
		Name:       t.Name,
		Department: t.Category,
		BookingID:  t.ExternalCode,
	}
}
