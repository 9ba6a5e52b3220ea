// Package schema constrains LLM tool planning to the active tool catalog: it
// builds the response-format JSON schema, validates candidate plans against
// the catalog's input schemas, and runs the bounded self-correction loop.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tessro/maestro/pkg/models"
)

// Constrainer restricts tool planning to a fixed set of eligible tools. It
// is built per planning round from the registry's current catalog.
type Constrainer struct {
	tools       []models.Tool
	servers     []string
	toolEnum    []string
	byQualified map[string]models.Tool
	rules       map[string]map[string]string
	ready       func(server string) bool

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// New builds a constrainer over the eligible tools. rules are the registry's
// parameter-correction renames; ready reports provider readiness at call
// time (nil means all eligible servers are ready).
func New(tools []models.Tool, rules map[string]map[string]string, ready func(server string) bool) *Constrainer {
	c := &Constrainer{
		tools:       tools,
		byQualified: make(map[string]models.Tool, len(tools)),
		rules:       rules,
		ready:       ready,
		compiled:    make(map[string]*jsonschema.Schema),
	}
	seenServer := map[string]bool{}
	for _, t := range tools {
		q := t.Qualified()
		if _, dup := c.byQualified[q]; dup {
			continue
		}
		c.byQualified[q] = t
		c.toolEnum = append(c.toolEnum, q)
		if !seenServer[t.Server] {
			seenServer[t.Server] = true
			c.servers = append(c.servers, t.Server)
		}
	}
	sort.Strings(c.servers)
	sort.Strings(c.toolEnum)
	return c
}

// Servers returns the active server enum.
func (c *Constrainer) Servers() []string { return c.servers }

// ToolEnum returns the qualified tool enum.
func (c *Constrainer) ToolEnum() []string { return c.toolEnum }

// HasServer reports enum membership for a server.
func (c *Constrainer) HasServer(server string) bool {
	for _, s := range c.servers {
		if s == server {
			return true
		}
	}
	return false
}

// HasTool reports enum membership for a qualified tool name.
func (c *Constrainer) HasTool(qualified string) bool {
	_, ok := c.byQualified[qualified]
	return ok
}

// InferServer finds the unique server exposing a bare tool name. Used to
// repair calls whose server field the model left empty.
func (c *Constrainer) InferServer(toolName string) (string, bool) {
	found := ""
	for _, t := range c.tools {
		if t.Name != toolName {
			continue
		}
		if found != "" && found != t.Server {
			return "", false
		}
		found = t.Server
	}
	return found, found != ""
}

// NormalizeCall rewrites a call whose tool field carries the qualified
// server__tool form back to the bare name, inferring an absent server from
// the prefix. The response format advertises qualified names, so conformant
// replies arrive in this form; calls already using bare names pass through
// untouched.
func (c *Constrainer) NormalizeCall(call *models.ToolCall) {
	server, name, ok := models.SplitQualified(call.Tool)
	if !ok || !c.HasServer(server) {
		return
	}
	if call.Server == "" || call.Server == server {
		call.Server = server
		call.Tool = name
	}
}

// ResponseFormat renders the JSON schema used as the LLM's constrained
// response format: tool_calls restricted to the active server and tool
// enums.
func (c *Constrainer) ResponseFormat() json.RawMessage {
	doc := map[string]any{
		"type":     "object",
		"required": []string{"tool_calls"},
		"properties": map[string]any{
			"tool_calls": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"server", "tool", "parameters"},
					"properties": map[string]any{
						"server":     map[string]any{"enum": c.servers},
						"tool":       map[string]any{"enum": c.toolEnum},
						"parameters": map[string]any{"type": "object"},
					},
				},
			},
			"reasoning": map[string]any{"type": "string"},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}

// inputSchema returns the compiled input schema for a qualified tool, or nil
// when the tool declares none (or it does not compile).
func (c *Constrainer) inputSchema(qualified string) *jsonschema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[qualified]; ok {
		return s
	}
	tool := c.byQualified[qualified]
	var compiled *jsonschema.Schema
	if len(tool.InputSchema) > 0 {
		s, err := jsonschema.CompileString(qualified+".schema.json", string(tool.InputSchema))
		if err == nil {
			compiled = s
		}
	}
	c.compiled[qualified] = compiled
	return compiled
}

// planWire is the LLM wire shape of a tool plan.
type planWire struct {
	ToolCalls    []models.ToolCall `json:"tool_calls"`
	Reasoning    string            `json:"reasoning"`
	DirectResult string            `json:"direct_result"`
}

// EncodePlan renders a plan in the LLM wire shape, used when feeding a
// rejected plan back for self-correction.
func EncodePlan(plan *models.ToolPlan) string {
	raw, err := json.Marshal(planWire{
		ToolCalls:    plan.Calls,
		Reasoning:    plan.Reasoning,
		DirectResult: plan.DirectResult,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// DecodePlan parses a raw JSON document in the wire shape into a plan.
func DecodePlan(raw json.RawMessage) (*models.ToolPlan, error) {
	var wire planWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode tool plan: %w", err)
	}
	return &models.ToolPlan{
		Calls:        wire.ToolCalls,
		Reasoning:    wire.Reasoning,
		DirectResult: wire.DirectResult,
	}, nil
}
