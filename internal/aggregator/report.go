package aggregator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// ComposeReport builds the daily report from the current statuses, stats and
// counters, keeps it as the latest report and hands it to the sink. The
// report is kept even when the sink fails.
func (a *Aggregator) ComposeReport(ctx context.Context, now time.Time) (Report, error) {
	global := a.RefreshStats()
	statuses := a.ChannelStatuses()

	a.mu.RLock()
	perf := a.perf
	samples := len(a.samples)
	peak := 0
	for _, s := range a.samples {
		if s.Channels > peak {
			peak = s.Channels
		}
	}
	a.mu.RUnlock()

	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].MessagesToday != statuses[j].MessagesToday {
			return statuses[i].MessagesToday > statuses[j].MessagesToday
		}
		return statuses[i].BufferLen > statuses[j].BufferLen
	})

	var issues []string
	for _, s := range statuses {
		for _, issue := range s.Issues {
			issues = append(issues, fmt.Sprintf("%s: %s", channelLabel(s), issue))
		}
	}

	top := statuses
	if len(top) > a.cfg.TopN {
		top = top[:a.cfg.TopN]
	}

	date := now.Format("2006-01-02")
	r := Report{
		Date:         date,
		Title:        "ChatPulse daily report " + date,
		GeneratedAt:  now,
		Global:       global,
		TopChannels:  append([]ChannelStatus(nil), top...),
		Issues:       issues,
		Performance:  perf,
		PeakChannels: peak,
		Samples:      samples,
	}
	r.Narrative = narrate(r)

	a.mu.Lock()
	a.report = &r
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink(ctx, r); err != nil {
			return r, fmt.Errorf("store report %s: %w", date, err)
		}
	}
	log.Printf("[aggregator] daily report %s: %d channels, %d issues, health %s",
		date, global.Channels, len(issues), global.SystemHealth)
	return r, nil
}

func narrate(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d channels tracked, %d messages today (%d total). System health is %s",
		r.Global.Channels, r.Global.MessagesToday, r.Global.MessagesTotal, r.Global.SystemHealth)
	if r.Global.Channels > 0 {
		fmt.Fprintf(&b, " with mostly %s activity", strings.ReplaceAll(string(r.Global.DominantActivity), "_", " "))
	}
	b.WriteString(".")

	if len(r.TopChannels) > 0 {
		names := make([]string, 0, len(r.TopChannels))
		for _, s := range r.TopChannels {
			names = append(names, fmt.Sprintf("%s (%d)", channelLabel(s), s.MessagesToday))
		}
		fmt.Fprintf(&b, " Most active: %s.", strings.Join(names, ", "))
	}

	p := r.Performance
	if p.Batches > 0 {
		fmt.Fprintf(&b, " Processed %d batches (avg %s), created %d memories, %d failed, %d oracle fallbacks.",
			p.Batches, p.AverageBatch().Round(time.Millisecond), p.TasksExecuted, p.TasksFailed, p.OracleFallbacks)
	}
	if n := len(r.Issues); n > 0 {
		fmt.Fprintf(&b, " %d open issues.", n)
	}
	return b.String()
}

func channelLabel(s ChannelStatus) string {
	if s.Title != "" {
		return s.Title
	}
	return fmt.Sprintf("channel %d", s.ChannelID)
}
