package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldActions    = "actions"
	fieldKind       = "kind"
	fieldAction     = "action"
	fieldParameters = "parameters"
)

// Decode parses an action list document of the form
//
//	{"actions": [{"kind": "brightness", "value": 1.2}, ...]}
//
// The kind may be given as "kind" or "action"; parameters may be flat on the
// entry or nested under "parameters". Unknown top-level keys are ignored.
// Any malformed entry rejects the whole list.
func Decode(raw []byte) ([]Action, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: document is not a JSON object: %v", ErrInvalid, err)
	}
	rawList, ok := doc[fieldActions]
	if !ok || isNull(rawList) {
		return nil, fmt.Errorf("%w: response has no %q field", ErrInvalid, fieldActions)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawList, &entries); err != nil {
		return nil, fmt.Errorf("%w: %q must be an array", ErrInvalid, fieldActions)
	}

	out := make([]Action, 0, len(entries))
	for i, e := range entries {
		a, err := decodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if err := Validate(a); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeEntry(raw json.RawMessage) (Action, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Action{}, fmt.Errorf("%w: entry must be a JSON object", ErrInvalid)
	}

	name, err := entryName(fields)
	if err != nil {
		return Action{}, err
	}
	spec, ok := Lookup(name)
	if !ok {
		return Action{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, name)
	}
	delete(fields, fieldKind)
	delete(fields, fieldAction)

	params := fields
	if nested, ok := fields[fieldParameters]; ok {
		if len(fields) > 1 {
			return Action{}, fmt.Errorf("%w: %s: parameters must be either nested or flat", ErrInvalid, spec.Kind)
		}
		params = nil
		if err := json.Unmarshal(nested, &params); err != nil || params == nil {
			return Action{}, fmt.Errorf("%w: %s: %q must be an object", ErrInvalid, spec.Kind, fieldParameters)
		}
	}

	a := Action{Kind: spec.Kind, Parameters: make(map[string]float64, len(params))}
	for pname, pv := range params {
		p, ok := spec.param(pname)
		if !ok {
			return Action{}, fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalid, spec.Kind, pname)
		}
		v, err := decodeValue(p, pv)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalid, spec.Kind, pname, err)
		}
		a.Parameters[pname] = v
	}
	return a, nil
}

func entryName(fields map[string]json.RawMessage) (string, error) {
	var names []string
	for _, key := range []string{fieldKind, fieldAction} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %q must be a string", ErrInvalid, key)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("%w: %q is empty", ErrInvalid, key)
		}
		names = append(names, s)
	}
	switch {
	case len(names) == 0:
		return "", fmt.Errorf("%w: entry has no %q", ErrInvalid, fieldKind)
	case len(names) == 2 && names[0] != names[1]:
		return "", fmt.Errorf("%w: conflicting kind %q and action %q", ErrInvalid, names[0], names[1])
	}
	return names[0], nil
}

func decodeValue(p ParamSpec, raw json.RawMessage) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		if p.Time {
			return ParseTimestamp(x)
		}
		return 0, fmt.Errorf("expected a number, got string %q", x)
	default:
		return 0, fmt.Errorf("expected a number, got %s", strings.TrimSpace(string(raw)))
	}
}

// ParseTimestamp converts "SS[.fff]", "MM:SS[.fff]" or "HH:MM:SS[.fff]" to seconds.
func ParseTimestamp(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var total float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		// every component after the first is bounded by the base-60 carry
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Encode renders list in the engine wire format, each action flattened as
// {"action": <kind>, <param>: <number>}.
func Encode(list []Action) ([]byte, error) {
	entries := make([]map[string]any, 0, len(list))
	for _, a := range list {
		e := make(map[string]any, len(a.Parameters)+1)
		for k, v := range a.Parameters {
			e[k] = v
		}
		e[fieldAction] = string(a.Kind)
		entries = append(entries, e)
	}
	return json.Marshal(map[string]any{fieldActions: entries})
}
