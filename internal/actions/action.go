package actions

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Kind names an edit operation understood by the processing engine.
type Kind string

const (
	KindTrim       Kind = "trim"
	KindCut        Kind = "cut"
	KindBlur       Kind = "blur"
	KindBrightness Kind = "brightness"
	KindContrast   Kind = "contrast"
	KindVolume     Kind = "volume"
)

// Parameter names.
const (
	ParamStartTime = "start_time"
	ParamEndTime   = "end_time"
	ParamValue     = "value"
	ParamStrength  = "strength"
)

// Action is one structured edit directive.
type Action struct {
	Kind       Kind               `json:"kind"`
	Parameters map[string]float64 `json:"parameters"`
}

// ErrInvalid is wrapped by every schema violation.
var ErrInvalid = errors.New("invalid action")

// ParamSpec declares one parameter of a kind.
type ParamSpec struct {
	Name     string
	Required bool
	Min      float64
	Max      float64
	Time     bool // accepts timestamps such as "01:05"
}

// Spec declares the parameters and ranges for a kind.
type Spec struct {
	Kind   Kind
	Params []ParamSpec
	// Span requires start_time < end_time.
	Span bool
}

func (s Spec) param(name string) (ParamSpec, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

var (
	startParam = ParamSpec{Name: ParamStartTime, Required: true, Min: 0, Max: math.MaxFloat64, Time: true}
	endParam   = ParamSpec{Name: ParamEndTime, Required: true, Min: 0, Max: math.MaxFloat64, Time: true}
)

var registry = map[Kind]Spec{
	KindTrim: {Kind: KindTrim, Span: true, Params: []ParamSpec{startParam, endParam}},
	KindCut:  {Kind: KindCut, Span: true, Params: []ParamSpec{startParam, endParam}},
	KindBlur: {Kind: KindBlur, Span: true, Params: []ParamSpec{
		startParam, endParam,
		{Name: ParamStrength, Min: 1, Max: 50},
	}},
	KindBrightness: {Kind: KindBrightness, Params: []ParamSpec{{Name: ParamValue, Required: true, Min: 0.5, Max: 2.0}}},
	KindContrast:   {Kind: KindContrast, Params: []ParamSpec{{Name: ParamValue, Required: true, Min: 0.5, Max: 2.0}}},
	KindVolume:     {Kind: KindVolume, Params: []ParamSpec{{Name: ParamValue, Required: true, Min: 0.0, Max: 3.0}}},
}

// aliases maps names used by the engine and older prompts to canonical kinds.
var aliases = map[string]Kind{
	"cut_section":     KindCut,
	"adjust_contrast": KindContrast,
}

// Lookup resolves a kind name, including aliases.
func Lookup(name string) (Spec, bool) {
	k := Kind(name)
	if a, ok := aliases[name]; ok {
		k = a
	}
	s, ok := registry[k]
	return s, ok
}

// Kinds lists the canonical kinds in stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks a against its kind's schema.
func Validate(a Action) error {
	spec, ok := Lookup(string(a.Kind))
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, a.Kind)
	}
	if spec.Kind != a.Kind {
		return fmt.Errorf("%w: kind %q must be written as %q", ErrInvalid, a.Kind, spec.Kind)
	}
	for name, v := range a.Parameters {
		p, ok := spec.param(name)
		if !ok {
			return fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalid, a.Kind, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s.%s is not a finite number", ErrInvalid, a.Kind, name)
		}
		if v < p.Min || v > p.Max {
			return fmt.Errorf("%w: %s.%s=%g out of range [%g, %g]", ErrInvalid, a.Kind, name, v, p.Min, p.Max)
		}
	}
	for _, p := range spec.Params {
		if _, ok := a.Parameters[p.Name]; p.Required && !ok {
			return fmt.Errorf("%w: %s: missing required parameter %q", ErrInvalid, a.Kind, p.Name)
		}
	}
	if spec.Span && a.Parameters[ParamEndTime] <= a.Parameters[ParamStartTime] {
		return fmt.Errorf("%w: %s: end_time must be after start_time", ErrInvalid, a.Kind)
	}
	return nil
}

// ValidateAll validates every action; the first violation rejects the list.
func ValidateAll(list []Action) error {
	for i, a := range list {
		if err := Validate(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of list. A nil list stays nil.
func Clone(list []Action) []Action {
	if list == nil {
		return nil
	}
	out := make([]Action, len(list))
	for i, a := range list {
		params := make(map[string]float64, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}
		out[i] = Action{Kind: a.Kind, Parameters: params}
	}
	return out
}
