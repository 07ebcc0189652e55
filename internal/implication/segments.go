package implication

import (
	"strings"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

// highImportance is the batch score above which every event is kept.
const highImportance = 0.7

var defaultIndicators = []string{
	"remember",
	"important",
	"don't forget",
	"dont forget",
	"note that",
	"fyi",
	"my name is",
	"i am ",
	"i'm ",
	"i live",
	"i work",
	"i moved",
	"birthday",
	"anniversary",
	"deadline",
	"decided",
	"we agreed",
	"agreed",
	"plan to",
	"going to",
	"promise",
	"problem",
	"issue",
	"broken",
	"help",
	"favorite",
	"favourite",
	"i love",
	"i hate",
	"always",
	"never",
	"urgent",
}

var questionWords = []string{
	"who", "what", "when", "where", "why", "how", "which",
	"is", "are", "can", "could", "should", "would", "will", "do", "does", "did",
}

type segmenter struct {
	indicators []string
	mention    string
}

func newSegmenter(botHandle string, extra []string) *segmenter {
	s := &segmenter{indicators: append([]string(nil), defaultIndicators...)}
	for _, ind := range extra {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			s.indicators = append(s.indicators, ind)
		}
	}
	if handle := strings.TrimPrefix(strings.TrimSpace(botHandle), "@"); handle != "" {
		s.mention = "@" + strings.ToLower(handle)
	}
	return s
}

// selectSegments returns the unprocessed events worth remembering, oldest
// first. Events retained from an earlier run are context only.
func (s *segmenter) selectSegments(events []bus.Event, batchImportance float64) []bus.Event {
	all := batchImportance > highImportance
	var out []bus.Event
	for i := range events {
		ev := events[i]
		if ev.Processed || strings.TrimSpace(ev.Text) == "" {
			continue
		}
		if all || s.important(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *segmenter) important(ev bus.Event) bool {
	if ev.IsPrivileged || ev.IsDirectAddress {
		return true
	}
	text := strings.ToLower(ev.Text)
	if s.mention != "" && strings.Contains(text, s.mention) {
		return true
	}
	if isQuestion(text) {
		return true
	}
	for _, ind := range s.indicators {
		if strings.Contains(text, ind) {
			return true
		}
	}
	return false
}

func isQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "?") {
		return true
	}
	fields := strings.Fields(text)
	if len(fields) < 3 {
		return false
	}
	first := strings.Trim(fields[0], ",.!:;")
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}
