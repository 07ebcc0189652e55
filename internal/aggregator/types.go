package aggregator

import (
	"time"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

type ActivityLevel string

const (
	ActivityInactive ActivityLevel = "inactive"
	ActivityLow      ActivityLevel = "low"
	ActivityMedium   ActivityLevel = "medium"
	ActivityHigh     ActivityLevel = "high"
	ActivityVeryHigh ActivityLevel = "very_high"
)

// activityOrder ranks levels from quietest to busiest.
var activityOrder = []ActivityLevel{ActivityInactive, ActivityLow, ActivityMedium, ActivityHigh, ActivityVeryHigh}

type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthWarning    Health = "warning"
	HealthCritical   Health = "critical"
	HealthOptimizing Health = "optimizing"
)

type ChannelStatus struct {
	ChannelID       int64           `json:"channel_id"`
	Title           string          `json:"title,omitempty"`
	Kind            bus.ChannelKind `json:"kind,omitempty"`
	Activity        ActivityLevel   `json:"activity"`
	MessagesToday   int64           `json:"messages_today"`
	MessagesTotal   int64           `json:"messages_total"`
	LastActivity    time.Time       `json:"last_activity"`
	HasPrivileged   bool            `json:"has_privileged"`
	Health          Health          `json:"health"`
	Issues          []string        `json:"issues,omitempty"`
	Narrative       string          `json:"narrative,omitempty"`
	BufferLen       int             `json:"buffer_len"`
	NeedsProcessing bool            `json:"needs_processing"`
	InFlight        bool            `json:"in_flight"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type GlobalStats struct {
	Channels         int                   `json:"channels"`
	ByActivity       map[ActivityLevel]int `json:"by_activity"`
	ByHealth         map[Health]int        `json:"by_health"`
	MessagesToday    int64                 `json:"messages_today"`
	MessagesTotal    int64                 `json:"messages_total"`
	DominantActivity ActivityLevel         `json:"dominant_activity"`
	SystemHealth     Health                `json:"system_health"`
	ComputedAt       time.Time             `json:"computed_at"`
}

func (g GlobalStats) clone() GlobalStats {
	out := g
	out.ByActivity = make(map[ActivityLevel]int, len(g.ByActivity))
	for k, v := range g.ByActivity {
		out.ByActivity[k] = v
	}
	out.ByHealth = make(map[Health]int, len(g.ByHealth))
	for k, v := range g.ByHealth {
		out.ByHealth[k] = v
	}
	return out
}

// Performance accumulates pipeline run counters since process start.
type Performance struct {
	Batches         int64         `json:"batches"`
	EventsProcessed int64         `json:"events_processed"`
	TasksGenerated  int64         `json:"tasks_generated"`
	TasksExecuted   int64         `json:"tasks_executed"`
	TasksFailed     int64         `json:"tasks_failed"`
	TasksMerged     int64         `json:"tasks_merged"`
	RelatedPairs    int64         `json:"related_pairs"`
	OracleFallbacks int64         `json:"oracle_fallbacks"`
	Recovered       int64         `json:"recovered"`
	ProcessingTime  time.Duration `json:"processing_time"`
	SlowestBatch    time.Duration `json:"slowest_batch"`
}

func (p Performance) AverageBatch() time.Duration {
	if p.Batches == 0 {
		return 0
	}
	return p.ProcessingTime / time.Duration(p.Batches)
}

// MetricSample is one stats tick kept for the metric history.
type MetricSample struct {
	At            time.Time `json:"at"`
	Channels      int       `json:"channels"`
	MessagesToday int64     `json:"messages_today"`
	SystemHealth  Health    `json:"system_health"`
}

// Report is the daily narrative system report.
type Report struct {
	Date         string          `json:"date"`
	Title        string          `json:"title"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Global       GlobalStats     `json:"global"`
	TopChannels  []ChannelStatus `json:"top_channels"`
	Issues       []string        `json:"issues"`
	Performance  Performance     `json:"performance"`
	PeakChannels int             `json:"peak_channels"`
	Samples      int             `json:"samples"`
	Narrative    string          `json:"narrative"`
}
