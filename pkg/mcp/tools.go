// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package mcp

import "github.com/freitascorp/handraise/pkg/ask"

// Tool names exposed via tools/list.
const (
	ToolAskText    = "ask_text"
	ToolAskConfirm = "ask_confirm"
	ToolAskChoice  = "ask_choice"
)

// toolCatalog is the static catalog returned by tools/list. The schemas are
// fixed boilerplate; all real validation happens by clamping in ask.Normalize.
func toolCatalog() []ToolInfo {
	title := map[string]any{"type": "string", "description": "Short title shown above the prompt"}
	prompt := map[string]any{"type": "string", "description": "The question or message for the human"}

	return []ToolInfo{
		{
			Name:        ToolAskText,
			Description: "Ask the human operator for free-form text input. Blocks until the human answers, the request times out, or it is cancelled.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":  title,
					"prompt": prompt,
					"placeholder": map[string]any{
						"type":        "string",
						"description": "Ghost text shown in the empty input field",
					},
				},
				"required": []string{"prompt"},
			},
		},
		{
			Name:        ToolAskConfirm,
			Description: "Ask the human operator a yes/no question. Returns the literal text \"Yes\" or \"No\".",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":  title,
					"prompt": prompt,
				},
				"required": []string{"prompt"},
			},
		},
		{
			Name:        ToolAskChoice,
			Description: "Ask the human operator to pick one of several options. Returns the chosen option's value.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":  title,
					"prompt": prompt,
					"options": map[string]any{
						"type":        "array",
						"description": "Selectable options",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"label": map[string]any{"type": "string", "description": "Text shown to the human"},
								"value": map[string]any{"type": "string", "description": "Value returned when chosen"},
							},
						},
					},
				},
				"required": []string{"prompt", "options"},
			},
		},
	}
}

// payloadFromArgs maps a tools/call argument object onto an ask payload.
// Missing or mistyped fields degrade to zero values; ask.Normalize supplies
// the safe defaults and ceilings, so this never fails.
func payloadFromArgs(tool string, args map[string]any) (ask.Payload, bool) {
	var kind ask.Kind
	switch tool {
	case ToolAskText:
		kind = ask.KindText
	case ToolAskConfirm:
		kind = ask.KindConfirm
	case ToolAskChoice:
		kind = ask.KindChoice
	default:
		return ask.Payload{}, false
	}

	p := ask.Payload{
		Kind:        kind,
		Title:       stringArg(args, "title"),
		Prompt:      stringArg(args, "prompt"),
		Placeholder: stringArg(args, "placeholder"),
	}
	if p.Prompt == "" {
		// Some clients send "message" instead of "prompt".
		p.Prompt = stringArg(args, "message")
	}

	if kind == ask.KindChoice {
		if raw, ok := args["options"].([]any); ok {
			for _, o := range raw {
				m, ok := o.(map[string]any)
				if !ok {
					continue
				}
				p.Options = append(p.Options, ask.Option{
					Label: stringArg(m, "label"),
					Value: stringArg(m, "value"),
				})
			}
		}
	}
	return p, true
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
