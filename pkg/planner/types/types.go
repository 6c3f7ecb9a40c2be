// Package types holds the prompt and reply conventions shared by every
// planner backend.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"loopsync/pkg/bus"
	"loopsync/pkg/message"
)

// Instructions is prepended to every model prompt.
const Instructions = `You are a scheduling assistant inside a team chat.
Answer conversationally. When you propose a schedule, finish your answer with a
fenced json block of the form:
{"recommendations":[{"title":"...","detail":"...","startsAt":"HH:MM","endsAt":"HH:MM","days":["mon"]}]}
Only include the block when you are proposing a schedule.`

// Prompt renders a request as model input, including the re-request intent.
func Prompt(req bus.Request) string {
	return Instructions + "\n\n" + Turn(req)
}

// Turn renders only the user's side of a request, for backends that carry
// Instructions as a system message.
func Turn(req bus.Request) string {
	body := strings.TrimSpace(req.Body)

	var b strings.Builder
	switch req.Variant {
	case "retry":
		b.WriteString("The user asked you to try again. Ask one short question about what should change before proposing anything new.")
		if body != "" {
			fmt.Fprintf(&b, "\nTheir note: %s", body)
		}
	case "revision":
		b.WriteString("The user wants a revision of your last proposal.")
		if body != "" {
			fmt.Fprintf(&b, "\nRequested change: %s", body)
		}
	default:
		b.WriteString(body)
	}
	return b.String()
}

// ParseReply splits model output into prose and the recommendation set
// carried in its json block, if any.
func ParseReply(text string) (string, *message.RecommendationSet) {
	text = strings.TrimSpace(text)

	for rest, offset := text, 0; ; {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		inner := rest[start+3:]
		end := strings.Index(inner, "```")
		if end < 0 {
			break
		}

		block := inner[:end]
		if set, note, ok := decodeBlock(stripLanguage(block)); ok {
			from := offset + start
			to := from + 3 + end + 3
			prose := strings.TrimSpace(text[:from] + text[to:])
			if prose == "" {
				prose = note
			}
			return prose, set
		}

		consumed := start + 3 + end + 3
		rest = rest[consumed:]
		offset += consumed
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		if set, note, ok := decodeBlock(text); ok {
			return note, set
		}
	}
	return text, nil
}

func stripLanguage(block string) string {
	line, rest, found := strings.Cut(block, "\n")
	if found && !strings.ContainsAny(line, "{[") {
		return rest
	}
	return block
}

func decodeBlock(block string) (*message.RecommendationSet, string, bool) {
	var raw any
	if err := json.Unmarshal([]byte(strings.TrimSpace(block)), &raw); err != nil {
		return nil, "", false
	}

	var (
		list []any
		note string
	)
	switch value := raw.(type) {
	case []any:
		list = value
	case map[string]any:
		items, ok := value["recommendations"].([]any)
		if !ok {
			return nil, "", false
		}
		list = items
		note, _ = value["message"].(string)
	default:
		return nil, "", false
	}

	set := message.ParseRecommendations(list)
	if set.Len() == 0 {
		return nil, "", false
	}
	return set, strings.TrimSpace(note), true
}
