// Package model defines the domain types used across the application.
package model

import "time"

// Channel represents a TV channel from an XMLTV source.
type Channel struct {
	XMLTVID     string
	DisplayName string
	IconURL     string
	CreatedAt   time.Time
}

// Program represents a single guide entry. ID is a synthetic identifier
// assigned at parse time; the store enforces uniqueness on the natural key
// (ChannelID, StartTime, Title).
type Program struct {
	ID          string
	ChannelID   string
	StartTime   time.Time
	StopTime    time.Time
	Title       string
	Description string
	CreatedAt   time.Time
}

// ProgramKey is the comparable natural key of a Program. StartUnix holds
// UTC seconds so that map equality depends only on the key fields.
type ProgramKey struct {
	ChannelID string
	StartUnix int64
	Title     string
}

// Key returns the natural key of p.
func (p Program) Key() ProgramKey {
	return ProgramKey{ChannelID: p.ChannelID, StartUnix: p.StartTime.Unix(), Title: p.Title}
}

// FetchContext is the time window of one fetch cycle. Computed once at the
// start of the cycle and immutable afterwards.
type FetchContext struct {
	WindowStart time.Time
	WindowEnd   time.Time
}

// NewFetchContext builds the window around now: archiveDays back, floored
// to midnight UTC, and futureDays forward, ceiled to end of day UTC.
func NewFetchContext(now time.Time, archiveDays, futureDays int) FetchContext {
	now = now.UTC()
	start := now.AddDate(0, 0, -archiveDays)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end := now.AddDate(0, 0, futureDays)
	end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, time.UTC)
	return FetchContext{WindowStart: start, WindowEnd: end}
}

// Contains reports whether t falls inside the inclusive window.
func (fc FetchContext) Contains(t time.Time) bool {
	return !t.Before(fc.WindowStart) && !t.After(fc.WindowEnd)
}

// SourceStatus is the outcome of a single source task.
type SourceStatus string

// Possible source outcomes.
const (
	SourceSuccess SourceStatus = "success"
	SourceFailed  SourceStatus = "failed"
)

// SourceSummary is the per-source outcome of one fetch cycle. It is never
// persisted; it only feeds the cycle report.
type SourceSummary struct {
	URL               string       `json:"url"`
	Status            SourceStatus `json:"status"`
	Error             string       `json:"error,omitempty"`
	ChannelsParsed    int          `json:"channels_parsed"`
	ProgramsParsed    int          `json:"programs_parsed"`
	ProgramsInserted  int64        `json:"programs_inserted"`
	DuplicatesSkipped int64        `json:"duplicates_skipped"`
	Duration          float64      `json:"duration_seconds"`
}

// ReportStatus is the overall outcome of a fetch cycle.
type ReportStatus string

// Possible cycle outcomes.
const (
	StatusSuccess ReportStatus = "success"
	StatusFailed  ReportStatus = "failed"
	StatusSkipped ReportStatus = "skipped"
)

// Report is the structured result of one fetch cycle, returned to the
// scheduler and to the manual-trigger endpoint.
type Report struct {
	Status           ReportStatus    `json:"status"`
	Message          string          `json:"message,omitempty"`
	Error            string          `json:"error,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	SourcesProcessed int             `json:"sources_processed"`
	SourcesSucceeded int             `json:"sources_succeeded"`
	SourcesFailed    int             `json:"sources_failed"`
	ProgramsInserted int64           `json:"programs_inserted"`
	ProgramsDeleted  int64           `json:"programs_deleted"`
	WindowStart      time.Time       `json:"window_start"`
	WindowEnd        time.Time       `json:"window_end"`
	SourceDetails    []SourceSummary `json:"source_details,omitempty"`
}
