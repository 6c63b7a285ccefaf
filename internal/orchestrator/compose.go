package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/pkg/types"
)

const composeSystem = "You are a concise assistant. Reply in one or two plain sentences. " +
	"Never change numbers or facts given to you."

const maxSummary = 200

// clarificationRequest asks the user to restate or complete their request.
func clarificationRequest(top *types.Intent, seed string) *llm.CompletionRequest {
	vars := map[string]string{"seed": seed}
	prompt := "The user's request was ambiguous. Ask them briefly what they would like to do."
	if top != nil && len(top.MissingRequired) > 0 {
		missing := strings.Join(top.MissingRequired, ", ")
		vars["missing"] = missing
		prompt = fmt.Sprintf("The user wants to %s (%s) but did not say: %s. Ask for it in one sentence.",
			top.Action, top.Domain, missing)
	}
	return &llm.CompletionRequest{
		System:    composeSystem,
		Prompt:    prompt,
		Template:  llm.TemplateClarification,
		Vars:      vars,
		MaxTokens: 60,
	}
}

// resultRequest turns a successful execution into a reply.
func resultRequest(top types.Intent, res *types.ExecutionResult, domains []string, seed string) *llm.CompletionRequest {
	vars := map[string]string{"seed": seed, "message": res.Message}
	template := llm.TemplateResult

	switch {
	case top.Key() == "conversation.greet":
		template = llm.TemplateGreeting
	case top.Key() == "conversation.help":
		template = llm.TemplateHelp
		vars["domains"] = strings.Join(domains, ", ")
	case res.Payload["result"] != nil:
		template = llm.TemplateCalculation
		vars["result"] = fmt.Sprint(res.Payload["result"])
	}
	if vars["message"] == "" && template == llm.TemplateResult {
		vars["message"] = "Done."
	}

	return &llm.CompletionRequest{
		System:    composeSystem,
		Prompt:    fmt.Sprintf("Request: %s.\nOutcome: %s\nWrite the reply.", top.Key(), describePayload(res)),
		Template:  template,
		Vars:      vars,
		MaxTokens: 120,
	}
}

// apologyRequest explains a failure without exposing internals.
func apologyRequest(res *types.ExecutionResult, seed string) *llm.CompletionRequest {
	reason := "something went wrong"
	switch res.ErrorKind {
	case types.KindTimeout:
		reason = "it took too long"
	case types.KindHandlerFault:
		reason = "the tool for it failed"
	}
	return &llm.CompletionRequest{
		System:    composeSystem,
		Prompt:    fmt.Sprintf("Apologize briefly: the request failed because %s.", reason),
		Template:  llm.TemplateError,
		Vars:      map[string]string{"seed": seed, "reason": reason},
		MaxTokens: 60,
	}
}

func describePayload(res *types.ExecutionResult) string {
	if len(res.Payload) == 0 {
		return res.Message
	}
	keys := make([]string, 0, len(res.Payload))
	for k := range res.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	if res.Message != "" {
		parts = append(parts, res.Message)
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, res.Payload[k]))
	}
	return strings.Join(parts, "; ")
}

func summarizeIntent(in types.Intent) string {
	var b strings.Builder
	b.WriteString(in.Key())
	for _, e := range in.Entities {
		fmt.Fprintf(&b, " %s=%q", e.Name, e.Value)
	}
	return summarize(b.String())
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSummary {
		return s
	}
	cut := maxSummary
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
