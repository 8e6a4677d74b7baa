package analysis

import (
	"fmt"
	"strings"

	"github.com/kalambet/dealsync/internal/ollama"
	"github.com/kalambet/dealsync/internal/storage"
)

// maxTranscriptChars bounds the transcript text sent to the model. Long calls
// keep their opening and closing, where agendas and next steps live.
const maxTranscriptChars = 24000

const systemPrompt = `You are a sales meeting analyst. Read the meeting transcript and extract insights about the deal. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- pain_points: problems or frustrations the customer described, in their terms.
- next_steps: concrete follow-ups someone committed to, with owner when stated.
- green_flags: buying signals such as budget, urgency, champion or timeline.
- red_flags: objections, competitors, stalled decisions or missing stakeholders.
- meeting_quality_score: 0 to 10 for how much the meeting advanced the deal.
- Use short phrases. Leave a list empty rather than guessing.`

// BuildPrompt constructs the chat messages for transcript analysis.
func BuildPrompt(t storage.Transcript) []ollama.Message {
	return []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: renderTranscript(t.Segments)},
	}
}

func renderTranscript(segments []storage.Segment) string {
	lines := make([]string, len(segments))
	total := 0
	for i, s := range segments {
		lines[i] = fmt.Sprintf("[%s] %s: %s", clock(s.StartOffset), s.Speaker, strings.TrimSpace(s.Text))
		total += len(lines[i]) + 1
	}
	if total <= maxTranscriptChars {
		return strings.Join(lines, "\n")
	}

	// Keep whole lines from both ends until the budget is spent.
	budget := maxTranscriptChars / 2
	var head, tail []string
	used := 0
	for _, l := range lines {
		if used+len(l)+1 > budget {
			break
		}
		head = append(head, l)
		used += len(l) + 1
	}
	used = 0
	for i := len(lines) - 1; i >= len(head); i-- {
		if used+len(lines[i])+1 > budget {
			break
		}
		tail = append([]string{lines[i]}, tail...)
		used += len(lines[i]) + 1
	}
	omitted := len(lines) - len(head) - len(tail)
	return strings.Join(head, "\n") + fmt.Sprintf("\n[... %d segments omitted ...]\n", omitted) + strings.Join(tail, "\n")
}

func clock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
