package memory

import "time"

// Record is one durable memory row.
type Record struct {
	ID         int64
	ActorID    int64
	ChannelID  int64
	Category   string
	Categories []string
	Content    string
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Report is a persisted daily system report.
type Report struct {
	Date      string
	Title     string
	Body      []byte
	CreatedAt time.Time
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Memories int
	Actors   int
	Reports  int
}
