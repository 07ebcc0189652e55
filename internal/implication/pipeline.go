package implication

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/stellarlinkco/chatpulse/internal/buffer"
	"github.com/stellarlinkco/chatpulse/internal/bus"
)

const (
	DefaultSubBatchSize    = 5
	DefaultSummaryWindow   = 20
	DefaultTranscriptChars = 200
	DefaultMergeThreshold  = 0.6
	DefaultOracleTimeout   = 30 * time.Second

	classifyTokens = 600
	taskTokens     = 1200
	summaryTokens  = 200
	searchLimit    = 5
)

type Config struct {
	SubBatchSize    int
	SummaryWindow   int
	TranscriptChars int
	MergeThreshold  float64
	OracleTimeout   time.Duration
	BotHandle       string
	ExtraIndicators []string
	// NodeID seeds task ID generation; valid values are 0-1023.
	NodeID int64
}

func (c Config) withDefaults() Config {
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = DefaultSubBatchSize
	}
	if c.SummaryWindow <= 0 {
		c.SummaryWindow = DefaultSummaryWindow
	}
	if c.TranscriptChars <= 0 {
		c.TranscriptChars = DefaultTranscriptChars
	}
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		c.MergeThreshold = DefaultMergeThreshold
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = DefaultOracleTimeout
	}
	return c
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

type Pipeline struct {
	oracle Oracle
	store  Store
	cfg    Config
	seg    *segmenter
	ids    *snowflake.Node
	now    func() time.Time
}

func New(oracle Oracle, store Store, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Printf("[implication] invalid node id %d, using 1: %v", cfg.NodeID, err)
		node, _ = snowflake.NewNode(1)
	}
	p := &Pipeline{
		oracle: oracle,
		store:  store,
		cfg:    cfg,
		seg:    newSegmenter(cfg.BotHandle, cfg.ExtraIndicators),
		ids:    node,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every stage over one batch. It never returns an error: oracle
// failures take fixed fallbacks, store failures are counted per task, and a
// panic anywhere yields a fallback summary.
func (p *Pipeline) Process(ctx context.Context, batch buffer.Batch) (sum Summary) {
	start := p.now()
	sum = Summary{
		ChannelID: batch.ChannelID,
		BatchSize: len(batch.Events),
		Stage:     StageReceived,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[implication] channel=%d panic in stage %s: %v\n%s", batch.ChannelID, sum.Stage, r, debug.Stack())
			sum.Recovered = true
			if len(sum.Classification.Topics) == 0 {
				sum.Classification = NeutralClassification()
				sum.ClassificationFallback = true
			}
			if sum.Narrative == "" {
				sum.Narrative = fallbackNarrative(len(batch.Events))
				sum.NarrativeFallback = true
			}
		}
		sum.Duration = p.now().Sub(start)
	}()

	sum.Stage = StageClassifying
	sum.Classification, sum.ClassificationFallback = p.classify(ctx, batch)

	sum.Stage = StageExtracting
	segments := p.seg.selectSegments(batch.Events, sum.Classification.Importance)
	sum.Segments = len(segments)

	sum.Stage = StageGeneratingTasks
	tasks, fallbacks := p.generateTasks(ctx, batch, segments, sum.Classification)
	sum.TasksGenerated = len(tasks)
	sum.TaskBatchFallbacks = fallbacks

	sum.Stage = StageExecuting
	for i := range tasks {
		merged, err := p.execute(ctx, &tasks[i])
		switch {
		case err != nil:
			sum.TasksFailed++
			log.Printf("[implication] channel=%d task %d (%s) failed: %v", batch.ChannelID, tasks[i].ID, tasks[i].Operation, err)
		case tasks[i].Operation == OpRelate:
		default:
			sum.TasksExecuted++
			if merged {
				sum.TasksMerged++
			}
		}
	}
	sum.RelatedPairs = relate(tasks)
	sum.Tasks = tasks

	sum.Stage = StageSummarizing
	sum.Narrative, sum.NarrativeFallback = p.summarize(ctx, batch.Events)

	sum.Stage = StageDone
	log.Printf("[implication] channel=%d batch=%d segments=%d tasks=%d executed=%d failed=%d fallbacks=%d",
		batch.ChannelID, sum.BatchSize, sum.Segments, sum.TasksGenerated, sum.TasksExecuted, sum.TasksFailed, sum.OracleFallbacks())
	return sum
}

func (p *Pipeline) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if p.oracle == nil {
		return "", fmt.Errorf("no oracle configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	defer cancel()
	return p.oracle.Complete(ctx, prompt, maxTokens)
}

func (p *Pipeline) classify(ctx context.Context, batch buffer.Batch) (Classification, bool) {
	text := transcript(batch.Events, p.cfg.TranscriptChars)
	if text == "" {
		return NeutralClassification(), true
	}
	raw, err := p.complete(ctx, buildClassificationPrompt(text), classifyTokens)
	if err != nil {
		log.Printf("[implication] channel=%d classification fallback: %v", batch.ChannelID, err)
		return NeutralClassification(), true
	}
	c, ok := parseClassification(raw)
	if !ok {
		log.Printf("[implication] channel=%d classification fallback: malformed response", batch.ChannelID)
		return NeutralClassification(), true
	}
	return c, false
}

func (p *Pipeline) generateTasks(ctx context.Context, batch buffer.Batch, segments []bus.Event, c Classification) ([]MemoryTask, int) {
	actorsByName := make(map[string]int64)
	for i := range batch.Events {
		actorsByName[strings.ToLower(batch.Events[i].Author())] = batch.Events[i].ActorID
	}

	var (
		tasks     []MemoryTask
		fallbacks int
	)
	for start := 0; start < len(segments); start += p.cfg.SubBatchSize {
		end := start + p.cfg.SubBatchSize
		if end > len(segments) {
			end = len(segments)
		}
		sub := segments[start:end]

		raw, err := p.complete(ctx, buildTaskPrompt(c, transcript(sub, p.cfg.TranscriptChars)), taskTokens)
		if err != nil {
			fallbacks++
			log.Printf("[implication] channel=%d task batch %d-%d skipped: %v", batch.ChannelID, start, end, err)
			continue
		}
		proposed, ok := parseTasks(raw)
		if !ok {
			fallbacks++
			log.Printf("[implication] channel=%d task batch %d-%d skipped: malformed response", batch.ChannelID, start, end)
			continue
		}

		subActors := distinctActors(sub)
		for _, pt := range proposed {
			actorID := sub[0].ActorID
			if id, found := actorsByName[strings.ToLower(pt.Author)]; found {
				actorID = id
			}
			tasks = append(tasks, MemoryTask{
				ID:         p.ids.Generate().Int64(),
				Operation:  pt.Operation,
				Content:    pt.Content,
				Category:   pt.Category,
				Importance: pt.Importance,
				ActorID:    actorID,
				ChannelID:  batch.ChannelID,
				Actors:     withActor(subActors, actorID),
				Metadata: map[string]any{
					"entities":   pt.Entities,
					"reason":     pt.Reason,
					"tone":       c.Tone,
					"topics":     c.Topics,
					"batch_size": len(batch.Events),
					"importance": pt.Importance.String(),
					"channel_id": batch.ChannelID,
				},
				CreatedAt: p.now(),
			})
		}
	}
	return tasks, fallbacks
}

// execute applies one task to the store. The bool reports whether an update
// merged into an existing record.
func (p *Pipeline) execute(ctx context.Context, task *MemoryTask) (bool, error) {
	if p.store == nil {
		return false, fmt.Errorf("no memory store configured")
	}
	meta := make(map[string]any, len(task.Metadata)+2)
	for k, v := range task.Metadata {
		meta[k] = v
	}
	meta["task_id"] = strconv.FormatInt(task.ID, 10)
	meta["operation"] = string(task.Operation)

	switch task.Operation {
	case OpRelate:
		return false, nil
	case OpUpdate:
		target, found, err := p.findSimilar(ctx, task)
		if err != nil {
			return false, fmt.Errorf("search similar: %w", err)
		}
		if found {
			meta["previous_content"] = target.Content
			if err := p.store.Update(ctx, target.ID, task.Content, meta); err != nil {
				return false, fmt.Errorf("update memory %d: %w", target.ID, err)
			}
			return true, nil
		}
	}

	if _, err := p.store.Create(ctx, task.Content, []string{string(task.Category)}, task.ActorID, meta); err != nil {
		return false, fmt.Errorf("create memory: %w", err)
	}
	return false, nil
}

type similarRecord struct {
	ID      int64
	Content string
}

// findSimilar looks only at the task actor's own memories. An unknown actor
// (ID 0) would search every actor, so it never merges.
func (p *Pipeline) findSimilar(ctx context.Context, task *MemoryTask) (similarRecord, bool, error) {
	if task.ActorID == 0 {
		return similarRecord{}, false, nil
	}
	records, err := p.store.Search(ctx, task.ActorID, task.Content, searchLimit)
	if err != nil {
		return similarRecord{}, false, err
	}
	var (
		best      similarRecord
		bestScore float64
	)
	for _, rec := range records {
		if rec.Category != string(task.Category) {
			continue
		}
		score := tokenOverlap(task.Content, rec.Content)
		if score >= p.cfg.MergeThreshold && score > bestScore {
			best = similarRecord{ID: rec.ID, Content: rec.Content}
			bestScore = score
		}
	}
	return best, bestScore > 0, nil
}

func (p *Pipeline) summarize(ctx context.Context, events []bus.Event) (string, bool) {
	window := events
	if len(window) > p.cfg.SummaryWindow {
		window = window[len(window)-p.cfg.SummaryWindow:]
	}
	text := transcript(window, p.cfg.TranscriptChars)
	if text == "" {
		return fallbackNarrative(len(events)), true
	}
	raw, err := p.complete(ctx, buildSummaryPrompt(text), summaryTokens)
	if err != nil {
		log.Printf("[implication] summary fallback: %v", err)
		return fallbackNarrative(len(events)), true
	}
	narrative := strings.TrimSpace(raw)
	if narrative == "" {
		return fallbackNarrative(len(events)), true
	}
	return narrative, false
}

func fallbackNarrative(n int) string {
	return fmt.Sprintf("Chat activity with %d messages", n)
}

// relate links task pairs sharing a category when they also share an actor
// or sit within one importance tier. Links are not persisted.
func relate(tasks []MemoryTask) int {
	pairs := 0
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			a, b := &tasks[i], &tasks[j]
			if a.Category != b.Category {
				continue
			}
			if !sharesActor(a.Actors, b.Actors) && absInt(int(a.Importance)-int(b.Importance)) > 1 {
				continue
			}
			a.Related = append(a.Related, b.ID)
			b.Related = append(b.Related, a.ID)
			pairs++
		}
	}
	return pairs
}

func distinctActors(events []bus.Event) []int64 {
	seen := make(map[int64]struct{}, len(events))
	var out []int64
	for i := range events {
		id := events[i].ActorID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func withActor(actors []int64, id int64) []int64 {
	out := append([]int64(nil), actors...)
	for _, a := range out {
		if a == id {
			return out
		}
	}
	return append(out, id)
}

func sharesActor(a, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// tokenOverlap is |A∩B| / min(|A|,|B|) over lowercase word sets.
func tokenOverlap(a, b string) float64 {
	ta, tb := wordSet(a), wordSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			shared++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(shared) / float64(smaller)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || r == '\'' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	}) {
		if len(w) < 2 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
