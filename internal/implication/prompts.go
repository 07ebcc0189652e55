package implication

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

const (
	classificationPrompt = `You are analysing a group chat. Read the transcript and describe it.

Return strict JSON object:
{"topics":["..."],"roles":{"<participant>":"<role>"},"tone":"...","activity_level":"quiet|normal|busy|heated","importance":0.5,"entities":["..."],"relationships":[{"from":"<participant>","to":"<participant>","kind":"...","style":"..."}]}

Rules:
1. topics: 1-5 short lowercase topics
2. importance is a number in [0.0, 1.0]; 1.0 means the chat contains facts worth remembering long term
3. only use participant names that appear in the transcript

Transcript:
%s`

	taskPrompt = `You extract durable memories from chat messages.
Chat context: topics=%s tone=%s

For each fact worth remembering, propose one task.
operation must be one of: create/update/relate ("update" when it corrects or extends something already known)
category must be one of: %s
importance must be one of: trivial/low/medium/high/critical
author must be the participant name the fact is about or came from

Return strict JSON object:
{"tasks":[{"operation":"create","content":"...","category":"fact","importance":"medium","author":"...","entities":["..."],"reason":"..."}]}
Return {"tasks":[]} when nothing is worth remembering.

Messages:
%s`

	summaryPrompt = `Summarise this chat in 2-3 sentences: the main topics, who took part, and anything notable.
Reply with plain text only.

Transcript:
%s`
)

func buildClassificationPrompt(transcript string) string {
	return fmt.Sprintf(classificationPrompt, transcript)
}

func buildTaskPrompt(c Classification, transcript string) string {
	names := make([]string, len(Categories))
	for i, cat := range Categories {
		names[i] = string(cat)
	}
	return fmt.Sprintf(taskPrompt, strings.Join(c.Topics, ","), c.Tone, strings.Join(names, "/"), transcript)
}

func buildSummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryPrompt, transcript)
}

// transcript renders events oldest first as "author: text", truncating each
// text to maxChars runes.
func transcript(events []bus.Event, maxChars int) string {
	var b strings.Builder
	for i := range events {
		text := strings.TrimSpace(events[i].Text)
		if text == "" {
			continue
		}
		b.WriteString(events[i].Author())
		b.WriteString(": ")
		b.WriteString(truncateRunes(text, maxChars))
		b.WriteByte('\n')
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
