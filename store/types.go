// Package store provides the hybrid data-access layer: an embedded DuckDB
// store that is authoritative offline, an optional remote store reached
// through the request coordinator, and background reconciliation between
// the two.
package store

import "time"

// Template is one cached template record.
type Template struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Analysis is one cached analysis result, keyed by the hash of the
// analyzed content.
type Analysis struct {
	ContentHash  string    `json:"content_hash"`
	AnalysisType string    `json:"analysis_type"`
	Result       string    `json:"result"`
	Confidence   float64   `json:"confidence"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Query describes a template search.
type Query struct {
	// Text matches against template names and content. Empty matches all.
	Text string

	// Category restricts results to one category. Empty matches all.
	Category string

	// Limit caps the result count. Zero uses the store default.
	Limit int
}

// SyncCursor records how far delta synchronization has advanced for one
// tracked table.
type SyncCursor struct {
	Table    string
	LastSync time.Time

	// SyncHash is the content hash of the last synchronized batch, used to
	// skip re-applying an unchanged delta.
	SyncHash string
}
