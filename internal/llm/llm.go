// Package llm turns natural-language edit prompts into validated action lists.
package llm

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

// Parser defines the capability to translate an editing prompt into actions.
type Parser interface {
	// ParsePrompt returns the validated action list for prompt. Every error is
	// classified as a parse failure.
	ParsePrompt(ctx context.Context, prompt string) ([]actions.Action, error)
}

// DefaultSystemPrompt describes the action schema to the model. It is derived
// from the action registry so new kinds are advertised automatically.
func DefaultSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a video editing assistant. Convert the user's editing instruction into a JSON object ")
	b.WriteString(`of the form {"actions": [{"action": "<name>", <parameter>: <number>, ...}]}. `)
	b.WriteString("Times are seconds from the start of the video. Supported actions:\n")
	for _, k := range actions.Kinds() {
		spec, _ := actions.Lookup(string(k))
		b.WriteString("- ")
		b.WriteString(string(k))
		b.WriteString("(")
		for i, p := range spec.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(describeParam(p))
		}
		b.WriteString(")\n")
	}
	b.WriteString(`Respond with the JSON object only. If the instruction asks for nothing supported, respond with {"actions": []}.`)
	return b.String()
}

func describeParam(p actions.ParamSpec) string {
	s := p.Name
	if p.Max < math.MaxFloat64 {
		s += " " + formatNum(p.Min) + "-" + formatNum(p.Max)
	}
	if !p.Required {
		s += " optional"
	}
	return s
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DecodeCompletion validates a model completion. Markdown code fences around
// the JSON document are tolerated.
func DecodeCompletion(content string) ([]actions.Action, error) {
	body := stripCodeFence(content)
	if body == "" {
		return nil, failure.Parse(failure.CauseSchema, nil, "empty completion")
	}
	list, err := actions.Decode([]byte(body))
	if err != nil {
		return nil, failure.Parse(failure.CauseSchema, err, "invalid response")
	}
	return list, nil
}

// CallError classifies a failed model call. Deadline errors become timeouts.
func CallError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Parse(failure.CauseTimeout, err, "%s call timed out", provider)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failure.Parse(failure.CauseLLMCall, err, "%s call failed", provider)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop an optional language tag such as "json"
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Truncate shortens s to at most n bytes for error messages without
// splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
