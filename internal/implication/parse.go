package implication

import (
	"strings"

	"github.com/tidwall/gjson"
)

// firstJSON returns the first balanced JSON object or array in s, tolerating
// code fences and prose around it.
func firstJSON(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		if end := matchClose(s, start); end > start {
			candidate := s[start : end+1]
			if gjson.Valid(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

func matchClose(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseClassification validates the oracle reply field by field. It reports
// false when topics, tone or importance are missing or unusable. An importance
// outside [0,1] is unusable.
func parseClassification(raw string) (Classification, bool) {
	payload, ok := firstJSON(raw)
	if !ok {
		return Classification{}, false
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return Classification{}, false
	}

	out := Classification{Roles: map[string]string{}}

	out.Topics = stringList(root.Get("topics"))
	if len(out.Topics) == 0 {
		return Classification{}, false
	}

	tone := root.Get("tone")
	if tone.Type != gjson.String || strings.TrimSpace(tone.String()) == "" {
		return Classification{}, false
	}
	out.Tone = strings.ToLower(strings.TrimSpace(tone.String()))

	importance := root.Get("importance")
	if importance.Type != gjson.Number {
		return Classification{}, false
	}
	out.Importance = importance.Float()
	if out.Importance < 0 || out.Importance > 1 {
		return Classification{}, false
	}

	out.ActivityLevel = strings.TrimSpace(root.Get("activity_level").String())
	out.Entities = stringList(root.Get("entities"))

	root.Get("roles").ForEach(func(key, value gjson.Result) bool {
		name := strings.TrimSpace(key.String())
		role := strings.TrimSpace(value.String())
		if name != "" && role != "" && value.Type == gjson.String {
			out.Roles[name] = role
		}
		return true
	})

	for _, rel := range root.Get("relationships").Array() {
		r := Relationship{
			From:  strings.TrimSpace(rel.Get("from").String()),
			To:    strings.TrimSpace(rel.Get("to").String()),
			Kind:  strings.TrimSpace(rel.Get("kind").String()),
			Style: strings.TrimSpace(rel.Get("style").String()),
		}
		if r.From == "" || r.To == "" || r.Kind == "" {
			continue
		}
		out.Relationships = append(out.Relationships, r)
	}
	return out, true
}

type proposedTask struct {
	Operation  Operation
	Content    string
	Category   Category
	Importance Importance
	Author     string
	Entities   []string
	Reason     string
}

// parseTasks accepts {"tasks":[...]} or a bare array. Items with an unknown
// category, importance or operation are dropped individually; the second
// return is false only when no task list could be found at all.
func parseTasks(raw string) ([]proposedTask, bool) {
	payload, ok := firstJSON(raw)
	if !ok {
		return nil, false
	}
	root := gjson.Parse(payload)
	list := root
	if root.IsObject() {
		list = root.Get("tasks")
	}
	if !list.IsArray() {
		return nil, false
	}

	var out []proposedTask
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		content := strings.TrimSpace(item.Get("content").String())
		if content == "" {
			continue
		}
		category, ok := ParseCategory(strings.ToLower(strings.TrimSpace(item.Get("category").String())))
		if !ok {
			continue
		}
		importance, ok := parseImportance(item.Get("importance"))
		if !ok {
			continue
		}
		op, ok := parseOperation(item.Get("operation"))
		if !ok {
			continue
		}
		out = append(out, proposedTask{
			Operation:  op,
			Content:    content,
			Category:   category,
			Importance: importance,
			Author:     strings.TrimSpace(item.Get("author").String()),
			Entities:   stringList(item.Get("entities")),
			Reason:     strings.TrimSpace(item.Get("reason").String()),
		})
	}
	return out, true
}

func parseImportance(v gjson.Result) (Importance, bool) {
	switch v.Type {
	case gjson.Number:
		f := v.Float()
		if f != float64(int64(f)) {
			return 0, false
		}
		imp := Importance(int64(f))
		return imp, imp.Valid()
	case gjson.String:
		name := strings.ToLower(strings.TrimSpace(v.String()))
		for imp, n := range importanceNames {
			if n == name {
				return imp, true
			}
		}
	}
	return 0, false
}

func parseOperation(v gjson.Result) (Operation, bool) {
	if !v.Exists() || v.Type == gjson.Null || strings.TrimSpace(v.String()) == "" {
		return OpCreate, true
	}
	switch op := Operation(strings.ToLower(strings.TrimSpace(v.String()))); op {
	case OpCreate, OpUpdate, OpRelate:
		return op, true
	}
	return "", false
}

func stringList(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, item := range v.Array() {
		if item.Type != gjson.String {
			continue
		}
		s := strings.TrimSpace(item.String())
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
