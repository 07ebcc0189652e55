// Package implication turns a drained batch of channel events into durable
// memory operations and a short narrative, treating the classifier as an
// untrusted oracle whose failures always degrade to fixed fallbacks.
package implication

import (
	"context"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/memory"
)

// Oracle is the text classifier. Implementations must be safe for concurrent use.
type Oracle interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Store is the durable memory backend.
type Store interface {
	Create(ctx context.Context, content string, categories []string, actorID int64, metadata map[string]any) (int64, error)
	Search(ctx context.Context, actorID int64, query string, limit int) ([]memory.Record, error)
	Update(ctx context.Context, id int64, content string, metadata map[string]any) error
}

type Category string

const (
	CategoryPerson       Category = "person"
	CategoryEvent        Category = "event"
	CategoryEmotion      Category = "emotion"
	CategoryInterest     Category = "interest"
	CategoryFact         Category = "fact"
	CategorySkill        Category = "skill"
	CategoryGoal         Category = "goal"
	CategoryProblem      Category = "problem"
	CategoryLocation     Category = "location"
	CategoryRelationship Category = "relationship"
	CategoryDecision     Category = "decision"
	CategoryQuestion     Category = "question"
	CategoryConflict     Category = "conflict"
)

// Categories lists the accepted taxonomy in prompt order.
var Categories = []Category{
	CategoryPerson, CategoryEvent, CategoryEmotion, CategoryInterest, CategoryFact,
	CategorySkill, CategoryGoal, CategoryProblem, CategoryLocation, CategoryRelationship,
	CategoryDecision, CategoryQuestion, CategoryConflict,
}

func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Importance is a five-step tier; the zero value is invalid.
type Importance int

const (
	ImportanceTrivial Importance = iota + 1
	ImportanceLow
	ImportanceMedium
	ImportanceHigh
	ImportanceCritical
)

var importanceNames = map[Importance]string{
	ImportanceTrivial:  "trivial",
	ImportanceLow:      "low",
	ImportanceMedium:   "medium",
	ImportanceHigh:     "high",
	ImportanceCritical: "critical",
}

func (i Importance) String() string {
	if name, ok := importanceNames[i]; ok {
		return name
	}
	return "invalid"
}

func (i Importance) Valid() bool {
	return i >= ImportanceTrivial && i <= ImportanceCritical
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpRelate Operation = "relate"
)

// MemoryTask is one proposed durable fact.
type MemoryTask struct {
	ID         int64
	Operation  Operation
	Content    string
	Category   Category
	Importance Importance
	ActorID    int64
	ChannelID  int64
	Actors     []int64
	Related    []int64
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Relationship is an inferred pairwise link between two participants.
type Relationship struct {
	From  string
	To    string
	Kind  string
	Style string
}

// Classification is the batch-level reading returned by the oracle.
type Classification struct {
	Topics        []string
	Roles         map[string]string
	Tone          string
	ActivityLevel string
	Importance    float64
	Entities      []string
	Relationships []Relationship
}

// NeutralClassification is used whenever the oracle cannot be trusted.
func NeutralClassification() Classification {
	return Classification{
		Topics:        []string{"general"},
		Roles:         map[string]string{},
		Tone:          "neutral",
		ActivityLevel: "normal",
		Importance:    0.5,
	}
}

type Stage string

const (
	StageReceived        Stage = "received"
	StageClassifying     Stage = "classifying"
	StageExtracting      Stage = "extracting"
	StageGeneratingTasks Stage = "generating-tasks"
	StageExecuting       Stage = "executing"
	StageSummarizing     Stage = "summarizing"
	StageDone            Stage = "done"
)

// Summary reports what one Process run did.
type Summary struct {
	ChannelID              int64
	BatchSize              int
	Stage                  Stage
	Classification         Classification
	ClassificationFallback bool
	Segments               int
	TasksGenerated         int
	TaskBatchFallbacks     int
	TasksExecuted          int
	TasksFailed            int
	TasksMerged            int
	RelatedPairs           int
	Tasks                  []MemoryTask
	Narrative              string
	NarrativeFallback      bool
	Recovered              bool
	Duration               time.Duration
}

// OracleFallbacks counts the oracle calls in this run that took a fallback path.
func (s Summary) OracleFallbacks() int {
	n := s.TaskBatchFallbacks
	if s.ClassificationFallback {
		n++
	}
	if s.NarrativeFallback {
		n++
	}
	return n
}
