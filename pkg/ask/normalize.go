package ask

import (
	"fmt"
	"unicode/utf8"
)

// Hard ceilings for inbound payload fields. The caller is an automated
// agent; rather than hard-failing an over-long field (which agents rarely
// handle gracefully) every field is clamped or defaulted and the call
// proceeds. The ceilings bound memory use and UI flooding against
// adversarial input.
const (
	MaxTitleLen       = 256
	MaxPromptLen      = 16 * 1024
	MaxPlaceholderLen = 256
	MaxOptionLen      = 256
	MaxOptions        = 50
)

// Normalize returns a copy of p with every field clamped to its ceiling and
// missing fields replaced by safe defaults. It never fails.
func Normalize(p Payload) Payload {
	switch p.Kind {
	case KindText, KindConfirm, KindChoice:
	default:
		p.Kind = KindText
	}

	p.Title = clamp(p.Title, MaxTitleLen)
	if p.Title == "" {
		p.Title = defaultTitle(p.Kind)
	}
	p.Prompt = clamp(p.Prompt, MaxPromptLen)
	if p.Prompt == "" {
		p.Prompt = "(no prompt provided)"
	}
	p.Placeholder = clamp(p.Placeholder, MaxPlaceholderLen)

	if p.Kind == KindChoice {
		p.Options = normalizeOptions(p.Options)
	} else {
		p.Options = nil
	}
	return p
}

func normalizeOptions(opts []Option) []Option {
	if len(opts) > MaxOptions {
		opts = opts[:MaxOptions]
	}
	out := make([]Option, 0, len(opts))
	for _, o := range opts {
		o.Label = clamp(o.Label, MaxOptionLen)
		o.Value = clamp(o.Value, MaxOptionLen)
		if o.Label == "" && o.Value == "" {
			continue
		}
		if o.Label == "" {
			o.Label = o.Value
		}
		if o.Value == "" {
			o.Value = o.Label
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		out = []Option{{Label: "OK", Value: "ok"}}
	}
	return out
}

func defaultTitle(k Kind) string {
	switch k {
	case KindConfirm:
		return "Confirmation Requested"
	case KindChoice:
		return "Choice Requested"
	default:
		return "Input Requested"
	}
}

// clamp truncates s to at most max bytes without splitting a rune: a
// multi-byte rune straddling the ceiling is dropped whole, so the result
// stays valid UTF-8 for the panel and the history stores.
func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// RenderValue shapes a settled answer for the calling protocol: booleans
// become the literal "Yes"/"No", everything else its string form.
func RenderValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
