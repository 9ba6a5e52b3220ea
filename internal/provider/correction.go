package provider

import (
	"encoding/json"

	"github.com/tessro/maestro/pkg/models"
)

// legacyAliases maps canonical parameter names to the aliases LLMs and older
// provider versions tend to emit for them.
var legacyAliases = map[string][]string{
	"path":      {"file_path", "filepath", "file", "filename"},
	"directory": {"dir", "folder"},
	"command":   {"cmd", "shell_command"},
	"content":   {"text", "data", "body"},
	"query":     {"q", "search", "search_query"},
	"url":       {"uri", "link"},
	"name":      {"title"},
	"limit":     {"max_results", "count"},
}

// deriveCorrectionRules inspects each tool's inputSchema and produces the
// alias renames that make a planned parameter set match the schema: an alias
// is renamed to its canonical name only when the schema declares the
// canonical property and not the alias itself.
func deriveCorrectionRules(catalog []models.Tool) map[string]map[string]string {
	rules := make(map[string]map[string]string)
	for _, tool := range catalog {
		props := schemaProperties(tool.InputSchema)
		if len(props) == 0 {
			continue
		}
		var renames map[string]string
		for canonical, aliases := range legacyAliases {
			if !props[canonical] {
				continue
			}
			for _, alias := range aliases {
				if props[alias] {
					continue
				}
				if renames == nil {
					renames = make(map[string]string)
				}
				renames[alias] = canonical
			}
		}
		if renames != nil {
			rules[tool.Qualified()] = renames
		}
	}
	return rules
}

// ApplyCorrections renames aliased parameters per the tool's rules. The
// canonical name wins when both are present.
func ApplyCorrections(rules map[string]map[string]string, call *models.ToolCall) {
	qualified := call.Server + models.ToolNameSeparator + call.Tool
	renames, ok := rules[qualified]
	if !ok || len(call.Parameters) == 0 {
		return
	}
	for alias, canonical := range renames {
		value, present := call.Parameters[alias]
		if !present {
			continue
		}
		if _, taken := call.Parameters[canonical]; !taken {
			call.Parameters[canonical] = value
		}
		delete(call.Parameters, alias)
	}
}

func schemaProperties(schema json.RawMessage) map[string]bool {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	props := make(map[string]bool, len(parsed.Properties))
	for name := range parsed.Properties {
		props[name] = true
	}
	return props
}
