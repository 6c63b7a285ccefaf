package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const classifySystemPrompt = "You classify user requests. Reply with JSON only."

// classifyPrompt asks a model to score every label for the text.
func classifyPrompt(req *ClassifyRequest) string {
	var sb strings.Builder
	sb.WriteString("Score how well each label matches the request, between 0 and 1.\n")
	sb.WriteString("Labels:\n")
	for _, l := range req.Labels {
		sb.WriteString("- ")
		sb.WriteString(l.Name)
		if l.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(l.Description)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("Request: ")
	sb.WriteString(req.Text)
	sb.WriteString("\nAnswer as a JSON array like [{\"label\":\"name\",\"score\":0.9}].")
	return sb.String()
}

// parseRankedLabels extracts the JSON array from a model reply, drops unknown labels,
// clamps scores into [0,1] and sorts best first (ties by label name).
func parseRankedLabels(text string, labels []Label) ([]RankedLabel, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in classification reply")
	}

	var raw []RankedLabel
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode classification reply: %w", err)
	}

	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l.Name] = true
	}

	best := make(map[string]float64)
	for _, r := range raw {
		if !known[r.Label] {
			continue
		}
		score := clamp01(r.Score)
		if cur, ok := best[r.Label]; !ok || score > cur {
			best[r.Label] = score
		}
	}

	out := make([]RankedLabel, 0, len(best))
	for label, score := range best {
		out = append(out, RankedLabel{Label: label, Score: score})
	}
	sortRanked(out)
	return out, nil
}

func sortRanked(out []RankedLabel) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
