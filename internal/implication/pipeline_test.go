package implication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/buffer"
	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/memory"
)

type fakeOracle struct {
	fn func(ctx context.Context, prompt string, maxTokens int) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (o *fakeOracle) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	o.mu.Lock()
	o.prompts = append(o.prompts, prompt)
	o.mu.Unlock()
	return o.fn(ctx, prompt, maxTokens)
}

type createCall struct {
	content    string
	categories []string
	actorID    int64
	metadata   map[string]any
}

type updateCall struct {
	id       int64
	content  string
	metadata map[string]any
}

type fakeStore struct {
	createFn func(content string) error
	records  []memory.Record

	mu      sync.Mutex
	creates []createCall
	updates []updateCall
}

func (s *fakeStore) Create(_ context.Context, content string, categories []string, actorID int64, metadata map[string]any) (int64, error) {
	if s.createFn != nil {
		if err := s.createFn(content); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, createCall{content, categories, actorID, metadata})
	return int64(len(s.creates)), nil
}

func (s *fakeStore) Search(_ context.Context, actorID int64, query string, limit int) ([]memory.Record, error) {
	var out []memory.Record
	for _, r := range s.records {
		if actorID == 0 || r.ActorID == actorID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id int64, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{id, content, metadata})
	return nil
}

func makeBatch(channelID int64, texts ...string) buffer.Batch {
	events := make([]bus.Event, len(texts))
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i, text := range texts {
		actor := int64(1 + i%2)
		name := "alice"
		if actor == 2 {
			name = "bob"
		}
		events[i] = bus.Event{
			ActorID:     actor,
			ChannelID:   channelID,
			Seq:         int64(i + 1),
			Text:        text,
			Type:        bus.EventText,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			DisplayName: name,
			Kind:        bus.KindGroup,
		}
	}
	return buffer.Batch{ChannelID: channelID, Events: events}
}

func failingOracle() *fakeOracle {
	return &fakeOracle{fn: func(context.Context, string, int) (string, error) {
		return "", errors.New("rate limited")
	}}
}

func TestProcess_OracleAlwaysFails(t *testing.T) {
	texts := make([]string, 30)
	for i := range texts {
		texts[i] = fmt.Sprintf("chatter %d", i)
	}
	texts[3] = "what time is the meetup?"
	texts[7] = "remember to bring snacks"

	store := &fakeStore{}
	p := New(failingOracle(), store, Config{})
	sum := p.Process(context.Background(), makeBatch(5, texts...))

	if len(sum.Classification.Topics) != 1 || sum.Classification.Topics[0] != "general" {
		t.Errorf("topics = %v, want [general]", sum.Classification.Topics)
	}
	if sum.Classification.Tone != "neutral" {
		t.Errorf("tone = %q, want neutral", sum.Classification.Tone)
	}
	if !sum.ClassificationFallback || !sum.NarrativeFallback {
		t.Errorf("expected fallbacks, got %+v", sum)
	}
	if sum.Segments != 2 {
		t.Errorf("segments = %d, want 2 heuristic matches", sum.Segments)
	}
	if sum.TasksGenerated > sum.Segments {
		t.Errorf("tasks = %d, must not exceed segments %d", sum.TasksGenerated, sum.Segments)
	}
	if sum.Narrative != "Chat activity with 30 messages" {
		t.Errorf("narrative = %q", sum.Narrative)
	}
	if sum.Stage != StageDone {
		t.Errorf("stage = %s, want done", sum.Stage)
	}
	if sum.OracleFallbacks() != 3 {
		t.Errorf("oracle fallbacks = %d, want 3", sum.OracleFallbacks())
	}
	if len(store.creates) != 0 {
		t.Errorf("store writes = %d, want 0", len(store.creates))
	}
}

const (
	goodClassification = `{"topics":["travel","food"],"roles":{"alice":"planner","bob":7},"tone":"Excited","activity_level":"busy","importance":0.9,"entities":["Lisbon"],"relationships":[{"from":"alice","to":"bob","kind":"friends","style":"playful"},{"from":"alice"}]}`
	goodTasks          = "Sure! Here you go:\n```json\n" + `{"tasks":[
		{"operation":"create","content":"Alice is moving to Lisbon in May","category":"location","importance":"high","author":"alice","entities":["Lisbon"],"reason":"relocation"},
		{"content":"Bob is vegetarian","category":"fact","importance":3,"author":"bob"},
		{"operation":"create","content":"It rained","category":"weather","importance":"low"},
		{"operation":"create","content":"Too important","category":"fact","importance":9},
		{"operation":"destroy","content":"Nope","category":"fact","importance":"low"},
		{"operation":"relate","content":"Alice and Bob travel together","category":"relationship","importance":"medium","author":"alice"},
		{"operation":"create","content":"","category":"fact","importance":"low"}
	]}` + "\n```"
)

func scriptedOracle() *fakeOracle {
	return &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		switch {
		case strings.Contains(prompt, "analysing a group chat"):
			return goodClassification, nil
		case strings.Contains(prompt, "extract durable memories"):
			return goodTasks, nil
		default:
			return "  Alice and Bob planned a trip to Lisbon.  ", nil
		}
	}}
}

func TestProcess_HappyPath(t *testing.T) {
	store := &fakeStore{}
	p := New(scriptedOracle(), store, Config{SubBatchSize: 10})
	sum := p.Process(context.Background(), makeBatch(9, "hi", "hey", "moving to lisbon", "nice", "lunch?", "sure"))

	if sum.ClassificationFallback || sum.NarrativeFallback {
		t.Fatalf("unexpected fallback: %+v", sum)
	}
	c := sum.Classification
	if c.Tone != "excited" || c.Importance != 0.9 || len(c.Topics) != 2 {
		t.Errorf("classification = %+v", c)
	}
	if c.Roles["alice"] != "planner" {
		t.Errorf("roles = %v", c.Roles)
	}
	if _, ok := c.Roles["bob"]; ok {
		t.Error("non-string role should be dropped")
	}
	if len(c.Relationships) != 1 {
		t.Errorf("relationships = %+v, want only the complete one", c.Relationships)
	}
	if sum.Segments != 6 {
		t.Errorf("segments = %d, want all 6 for high importance", sum.Segments)
	}
	if sum.TasksGenerated != 3 {
		t.Fatalf("tasks generated = %d, want 3", sum.TasksGenerated)
	}
	if sum.TasksExecuted != 2 || sum.TasksFailed != 0 {
		t.Errorf("executed/failed = %d/%d", sum.TasksExecuted, sum.TasksFailed)
	}
	if sum.Narrative != "Alice and Bob planned a trip to Lisbon." {
		t.Errorf("narrative = %q", sum.Narrative)
	}

	if len(store.creates) != 2 {
		t.Fatalf("creates = %d, want 2", len(store.creates))
	}
	first := store.creates[0]
	if first.actorID != 1 || first.categories[0] != "location" {
		t.Errorf("first create = %+v", first)
	}
	if first.metadata["reason"] != "relocation" || first.metadata["tone"] != "excited" || first.metadata["batch_size"] != 6 {
		t.Errorf("metadata = %v", first.metadata)
	}
	if store.creates[1].actorID != 2 {
		t.Errorf("second create actor = %d, want bob", store.creates[1].actorID)
	}

	for _, task := range sum.Tasks {
		if task.ID == 0 {
			t.Error("task ID should be assigned")
		}
		if task.ChannelID != 9 {
			t.Errorf("task channel = %d", task.ChannelID)
		}
	}
}

func TestProcess_OutOfRangeImportanceFallsBack(t *testing.T) {
	oracle := &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "analysing a group chat") {
			return `{"topics":["x"],"tone":"calm","importance":7}`, nil
		}
		return "", errors.New("skip")
	}}
	texts := make([]string, 30)
	for i := range texts {
		texts[i] = fmt.Sprintf("lol ok %d", i)
	}

	p := New(oracle, &fakeStore{}, Config{})
	sum := p.Process(context.Background(), makeBatch(4, texts...))

	if !sum.ClassificationFallback || sum.Classification.Importance != 0.5 {
		t.Errorf("classification = %+v, fallback = %v; want neutral fallback", sum.Classification, sum.ClassificationFallback)
	}
	if sum.Segments != 0 {
		t.Errorf("segments = %d, want 0 for trivial chatter", sum.Segments)
	}
	for _, prompt := range oracle.prompts {
		if strings.Contains(prompt, "extract durable memories") {
			t.Fatal("task generation should not run without segments")
		}
	}
}

func TestProcess_UnknownActorNeverMerges(t *testing.T) {
	store := &fakeStore{records: []memory.Record{
		{ID: 7, ActorID: 5, Category: "location", Content: "Erin lives in Porto"},
	}}
	oracle := &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "extract durable memories") {
			return `{"tasks":[{"operation":"update","content":"Erin lives in Porto now","category":"location","importance":"high","author":"nobody"}]}`, nil
		}
		return "", errors.New("skip")
	}}
	batch := makeBatch(1, "remember erin moved")
	batch.Events[0].ActorID = 0

	p := New(oracle, store, Config{})
	sum := p.Process(context.Background(), batch)

	if sum.TasksMerged != 0 || len(store.updates) != 0 {
		t.Fatalf("updates = %+v, actor 0 must not merge into another actor's memory", store.updates)
	}
	if len(store.creates) != 1 || store.creates[0].actorID != 0 {
		t.Errorf("creates = %+v, want one create for actor 0", store.creates)
	}
}

func TestProcess_ProcessedEventsAreContextOnly(t *testing.T) {
	batch := makeBatch(3, "remember my birthday is friday", "ok", "what is for dinner?")
	batch.Events[0].Processed = true

	oracle := failingOracle()
	p := New(oracle, &fakeStore{}, Config{})
	sum := p.Process(context.Background(), batch)

	if sum.Segments != 1 {
		t.Errorf("segments = %d, want only the unprocessed question", sum.Segments)
	}
	if !strings.Contains(oracle.prompts[0], "remember my birthday") {
		t.Error("processed events should still appear in the classification transcript")
	}
}

func TestProcess_UpdateMergesIntoSimilar(t *testing.T) {
	store := &fakeStore{records: []memory.Record{
		{ID: 41, ActorID: 1, Category: "fact", Content: "Alice lives in Lisbon"},
		{ID: 42, ActorID: 1, Category: "location", Content: "Alice lives in Lisbon"},
	}}
	oracle := &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "extract durable memories") {
			return `{"tasks":[
				{"operation":"update","content":"Alice lives in Porto","category":"location","importance":"high","author":"alice"},
				{"operation":"update","content":"Bob started a bakery","category":"goal","importance":"low","author":"bob"}
			]}`, nil
		}
		return "", errors.New("skip")
	}}

	p := New(oracle, store, Config{})
	sum := p.Process(context.Background(), makeBatch(1, "remember I moved", "remember the bakery"))

	if sum.TasksExecuted != 2 || sum.TasksMerged != 1 {
		t.Fatalf("executed/merged = %d/%d", sum.TasksExecuted, sum.TasksMerged)
	}
	if len(store.updates) != 1 || store.updates[0].id != 42 {
		t.Fatalf("updates = %+v, want one update of record 42", store.updates)
	}
	if store.updates[0].metadata["previous_content"] != "Alice lives in Lisbon" {
		t.Errorf("update metadata = %v", store.updates[0].metadata)
	}
	if len(store.creates) != 1 || store.creates[0].content != "Bob started a bakery" {
		t.Errorf("creates = %+v, want unmatched update created", store.creates)
	}
}

func TestProcess_StoreFailureIsPerTask(t *testing.T) {
	store := &fakeStore{createFn: func(content string) error {
		if content == "Alice is moving to Lisbon in May" {
			return errors.New("disk full")
		}
		return nil
	}}
	p := New(scriptedOracle(), store, Config{SubBatchSize: 10})
	sum := p.Process(context.Background(), makeBatch(2, "a", "b"))

	if sum.TasksFailed != 1 || sum.TasksExecuted != 1 {
		t.Errorf("failed/executed = %d/%d, want 1/1", sum.TasksFailed, sum.TasksExecuted)
	}
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	oracle := &fakeOracle{fn: func(context.Context, string, int) (string, error) {
		panic("oracle exploded")
	}}
	p := New(oracle, &fakeStore{}, Config{})
	sum := p.Process(context.Background(), makeBatch(4, "hello there", "hi"))

	if !sum.Recovered {
		t.Fatal("expected Recovered")
	}
	if sum.Classification.Tone != "neutral" {
		t.Errorf("tone = %q", sum.Classification.Tone)
	}
	if sum.Narrative != "Chat activity with 2 messages" {
		t.Errorf("narrative = %q", sum.Narrative)
	}
}

func TestProcess_OracleTimeout(t *testing.T) {
	oracle := &fakeOracle{fn: func(ctx context.Context, _ string, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p := New(oracle, &fakeStore{}, Config{OracleTimeout: 10 * time.Millisecond})

	done := make(chan Summary, 1)
	go func() { done <- p.Process(context.Background(), makeBatch(1, "hello?")) }()

	select {
	case sum := <-done:
		if !sum.ClassificationFallback || !sum.NarrativeFallback {
			t.Errorf("expected fallbacks on timeout: %+v", sum)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not honour the oracle timeout")
	}
}

func TestProcess_SummaryUsesRecentWindow(t *testing.T) {
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = fmt.Sprintf("line-%02d", i)
	}
	var summaryPromptSeen string
	oracle := &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "Summarise this chat") {
			summaryPromptSeen = prompt
			return "summary", nil
		}
		return "", errors.New("skip")
	}}
	p := New(oracle, &fakeStore{}, Config{})
	p.Process(context.Background(), makeBatch(1, texts...))

	if strings.Contains(summaryPromptSeen, "line-04") {
		t.Error("summary prompt should not include events outside the window")
	}
	if !strings.Contains(summaryPromptSeen, "line-05") || !strings.Contains(summaryPromptSeen, "line-24") {
		t.Error("summary prompt should include the 20 most recent events")
	}
}

func TestProcess_SubBatches(t *testing.T) {
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = fmt.Sprintf("remember item %d", i)
	}
	calls := 0
	oracle := &fakeOracle{fn: func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "extract durable memories") {
			calls++
			return `{"tasks":[]}`, nil
		}
		return "", errors.New("skip")
	}}
	p := New(oracle, &fakeStore{}, Config{SubBatchSize: 5})
	sum := p.Process(context.Background(), makeBatch(1, texts...))

	if calls != 3 {
		t.Errorf("task generation calls = %d, want 3", calls)
	}
	if sum.TaskBatchFallbacks != 0 {
		t.Errorf("empty task list is not a fallback, got %d", sum.TaskBatchFallbacks)
	}
}

func TestRelate(t *testing.T) {
	tasks := []MemoryTask{
		{ID: 1, Category: CategoryFact, Importance: ImportanceLow, Actors: []int64{1}},
		{ID: 2, Category: CategoryFact, Importance: ImportanceCritical, Actors: []int64{1, 2}},
		{ID: 3, Category: CategoryFact, Importance: ImportanceMedium, Actors: []int64{3}},
		{ID: 4, Category: CategoryGoal, Importance: ImportanceLow, Actors: []int64{1}},
	}
	pairs := relate(tasks)

	// 1-2 share an actor, 1-3 are one tier apart, 2-3 are neither, 4 has no peer.
	if pairs != 2 {
		t.Fatalf("pairs = %d, want 2", pairs)
	}
	if len(tasks[0].Related) != 2 || len(tasks[1].Related) != 1 || len(tasks[2].Related) != 1 {
		t.Errorf("related = %v %v %v", tasks[0].Related, tasks[1].Related, tasks[2].Related)
	}
	if len(tasks[3].Related) != 0 {
		t.Errorf("goal task related = %v", tasks[3].Related)
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Alice lives in Porto", "Alice lives in Lisbon", 0.75},
		{"", "anything", 0},
		{"same words", "Same, words!", 1},
	}
	for _, tt := range tests {
		if got := tokenOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("tokenOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
