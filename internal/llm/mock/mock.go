// Package mock provides a deterministic keyword-based prompt parser for local runs and tests.
package mock

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/llm"
)

var _ llm.Parser = (*Client)(nil)

// defaultSpan applies to span kinds when the prompt names no time range.
const defaultSpan = 5.0

var reSpan = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:s|sec|seconds?)?\s*(?:to|-|until)\s*(\d+(?:\.\d+)?)`)

// Client implements llm.Parser without calling a model.
type Client struct {
	delay time.Duration
}

// New creates a new mock parser.
func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

// ParsePrompt maps well-known keywords to actions. Documents go through the
// same decoder as real completions.
func (c *Client) ParsePrompt(ctx context.Context, prompt string) ([]actions.Action, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, llm.CallError(ctx, "mock", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, llm.CallError(ctx, "mock", err)
	}

	doc, err := actions.Encode(keywords(prompt))
	if err != nil {
		return nil, llm.CallError(ctx, "mock", err)
	}
	return llm.DecodeCompletion(string(doc))
}

func keywords(prompt string) []actions.Action {
	p := strings.ToLower(prompt)
	start, end := 0.0, defaultSpan
	if m := reSpan.FindStringSubmatch(p); m != nil {
		s, _ := strconv.ParseFloat(m[1], 64)
		e, _ := strconv.ParseFloat(m[2], 64)
		if e > s {
			start, end = s, e
		}
	}
	span := func(k actions.Kind) actions.Action {
		return actions.Action{Kind: k, Parameters: map[string]float64{
			actions.ParamStartTime: start,
			actions.ParamEndTime:   end,
		}}
	}
	value := func(k actions.Kind, v float64) actions.Action {
		return actions.Action{Kind: k, Parameters: map[string]float64{actions.ParamValue: v}}
	}

	var out []actions.Action
	switch {
	case strings.Contains(p, "trim"):
		out = append(out, span(actions.KindTrim))
	case strings.Contains(p, "cut") || strings.Contains(p, "remove"):
		out = append(out, span(actions.KindCut))
	}
	if strings.Contains(p, "blur") {
		out = append(out, span(actions.KindBlur))
	}
	switch {
	case strings.Contains(p, "brighter") || strings.Contains(p, "brighten"):
		out = append(out, value(actions.KindBrightness, 1.3))
	case strings.Contains(p, "darker") || strings.Contains(p, "darken"):
		out = append(out, value(actions.KindBrightness, 0.7))
	}
	if strings.Contains(p, "contrast") {
		out = append(out, value(actions.KindContrast, 1.2))
	}
	switch {
	case strings.Contains(p, "mute"):
		out = append(out, value(actions.KindVolume, 0))
	case strings.Contains(p, "louder"):
		out = append(out, value(actions.KindVolume, 1.5))
	case strings.Contains(p, "quieter") || strings.Contains(p, "softer"):
		out = append(out, value(actions.KindVolume, 0.5))
	}
	return out
}
