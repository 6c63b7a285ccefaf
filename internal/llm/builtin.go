package llm

import (
	"context"
	"strings"
	"time"

	"github.com/normanking/agentcore/pkg/types"
)

// TemplateProvider is the always-available local provider. It renders response
// templates and scores labels by keyword overlap; it never touches the network.
type TemplateProvider struct {
	name string
}

var _ Provider = (*TemplateProvider)(nil)

// NewTemplateProvider creates the builtin provider.
func NewTemplateProvider(name string) *TemplateProvider {
	if name == "" {
		name = "builtin"
	}
	return &TemplateProvider{name: name}
}

// Info implements Provider.
func (p *TemplateProvider) Info() Info {
	return Info{Name: p.name, Locality: Local, Model: "templates", Tier: 1}
}

// Ping implements Provider. The builtin provider is always healthy.
func (p *TemplateProvider) Ping(context.Context) error { return nil }

// Complete renders req.Template, or the unknown template when none is given.
func (p *TemplateProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportFailure(p.name, err)
	}
	start := time.Now()

	text := req.Render()

	prompt := types.EstimateTokens(req.System) + types.EstimateTokens(req.Prompt)
	completion := types.EstimateTokens(text)
	return &Completion{
		Text:     text,
		Model:    "templates",
		Provider: p.name,
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		Duration: time.Since(start),
	}, nil
}

// Classify scores each label by the keywords found in the text. Multi-word
// keywords weigh more: 0.8 + 0.2 per word. Labels with no hits are omitted.
func (p *TemplateProvider) Classify(ctx context.Context, req *ClassifyRequest) ([]RankedLabel, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportFailure(p.name, err)
	}

	text := " " + strings.Join(strings.Fields(strings.ToLower(req.Text)), " ") + " "

	var out []RankedLabel
	for _, l := range req.Labels {
		var score float64
		for _, kw := range l.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(text, " "+kw+" ") {
				score += 0.8 + 0.2*float64(len(strings.Fields(kw)))
			}
		}
		if score > 0 {
			out = append(out, RankedLabel{Label: l.Name, Score: score / (score + 1)})
		}
	}
	sortRanked(out)
	return out, nil
}
