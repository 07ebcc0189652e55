package aggregator

import (
	"fmt"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/buffer"
)

func activityFor(bufferLen int) ActivityLevel {
	switch {
	case bufferLen <= 0:
		return ActivityInactive
	case bufferLen < 10:
		return ActivityLow
	case bufferLen < 30:
		return ActivityMedium
	case bufferLen < 60:
		return ActivityHigh
	default:
		return ActivityVeryHigh
	}
}

// evaluate applies the channel health rules. Every triggered rule adds one
// issue; the worst triggered rule decides the health.
func (a *Aggregator) evaluate(s buffer.ChannelSummary) ChannelStatus {
	status := ChannelStatus{
		ChannelID:       s.ChannelID,
		Title:           s.Title,
		Kind:            s.Kind,
		Activity:        activityFor(s.BufferLen),
		MessagesToday:   s.EventsToday,
		MessagesTotal:   s.TotalEvents,
		LastActivity:    s.LastActivity,
		HasPrivileged:   s.HasPrivileged,
		Health:          HealthHealthy,
		Narrative:       s.Narrative,
		BufferLen:       s.BufferLen,
		NeedsProcessing: s.NeedsProcessing,
		InFlight:        s.InFlight,
		UpdatedAt:       a.now(),
	}

	if s.BufferLen >= a.cfg.WarningWatermark {
		status.Health = HealthWarning
		status.Issues = append(status.Issues,
			fmt.Sprintf("buffer length %d reached warning watermark %d", s.BufferLen, a.cfg.WarningWatermark))
	}
	if s.BufferLen >= a.cfg.CriticalWatermark {
		status.Health = HealthCritical
		status.Issues = append(status.Issues,
			fmt.Sprintf("buffer length %d reached critical watermark %d", s.BufferLen, a.cfg.CriticalWatermark))
	}
	if !s.HasPrivileged && s.TotalEvents >= a.cfg.HighTrafficTotal {
		if status.Health == HealthHealthy {
			status.Health = HealthWarning
		}
		status.Issues = append(status.Issues,
			fmt.Sprintf("%d messages without a privileged participant", s.TotalEvents))
	}
	if status.Health == HealthHealthy && s.NeedsProcessing {
		status.Health = HealthOptimizing
		status.Issues = append(status.Issues, "waiting for processing")
	}
	return status
}

func computeGlobal(statuses []ChannelStatus, now time.Time) GlobalStats {
	g := GlobalStats{
		Channels:   len(statuses),
		ByActivity: make(map[ActivityLevel]int, len(activityOrder)),
		ByHealth:   make(map[Health]int, 4),
		ComputedAt: now,
	}
	today := now.Format("2006-01-02")
	for _, s := range statuses {
		g.ByActivity[s.Activity]++
		g.ByHealth[s.Health]++
		g.MessagesTotal += s.MessagesTotal
		if s.LastActivity.Format("2006-01-02") == today {
			g.MessagesToday += s.MessagesToday
		}
	}
	g.DominantActivity = dominantActivity(g.ByActivity)
	g.SystemHealth = systemHealth(g.ByHealth, g.Channels)
	return g
}

// dominantActivity picks the most common level; ties go to the busier one.
func dominantActivity(counts map[ActivityLevel]int) ActivityLevel {
	best := ActivityInactive
	bestCount := 0
	for _, level := range activityOrder {
		if n := counts[level]; n > 0 && n >= bestCount {
			best, bestCount = level, n
		}
	}
	return best
}

// systemHealth reduces the channel health distribution: any critical channel
// makes the system critical, then more than 20% warning, then more than 30%
// optimizing.
func systemHealth(counts map[Health]int, total int) Health {
	if total == 0 {
		return HealthHealthy
	}
	switch {
	case counts[HealthCritical] > 0:
		return HealthCritical
	case counts[HealthWarning]*100 > total*20:
		return HealthWarning
	case counts[HealthOptimizing]*100 > total*30:
		return HealthOptimizing
	}
	return HealthHealthy
}
