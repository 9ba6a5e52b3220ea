package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tessro/maestro/internal/llm"
	"github.com/tessro/maestro/internal/provider"
	"github.com/tessro/maestro/pkg/models"
)

// MaxCorrectionRounds bounds how many repair requests a rejected plan gets
// before it is surfaced as a validation failure.
const MaxCorrectionRounds = 2

// ValidationError reports a plan that still violates the catalog after the
// self-correction budget is spent.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool plan rejected: %s", strings.Join(e.Issues, "; "))
}

// Validate checks a plan against the catalog and returns every violation
// found. Parameter-name corrections are applied in place before schema
// validation, so a plan that validates is also the plan to execute.
func (c *Constrainer) Validate(plan *models.ToolPlan) []string {
	var issues []string
	for i := range plan.Calls {
		call := &plan.Calls[i]
		c.NormalizeCall(call)
		prefix := fmt.Sprintf("call %d (%s)", i+1, call.Key())

		if call.Server == "" {
			if server, ok := c.InferServer(call.Tool); ok {
				call.Server = server
			} else {
				issues = append(issues, prefix+": server is empty and cannot be inferred from the tool name")
				continue
			}
		}
		if !c.HasServer(call.Server) {
			issues = append(issues, fmt.Sprintf("%s: server %q is not in the active set %v", prefix, call.Server, c.servers))
			continue
		}
		qualified := call.Server + models.ToolNameSeparator + call.Tool
		if !c.HasTool(qualified) {
			issues = append(issues, fmt.Sprintf("%s: tool %q is not exposed by server %q", prefix, call.Tool, call.Server))
			continue
		}
		if c.ready != nil && !c.ready(call.Server) {
			issues = append(issues, fmt.Sprintf("%s: server %q is not ready", prefix, call.Server))
			continue
		}

		provider.ApplyCorrections(c.rules, call)

		if compiled := c.inputSchema(qualified); compiled != nil {
			value, err := normalize(call.Parameters)
			if err != nil {
				issues = append(issues, fmt.Sprintf("%s: parameters are not serializable: %v", prefix, err))
				continue
			}
			if err := compiled.Validate(value); err != nil {
				issues = append(issues, fmt.Sprintf("%s: %s", prefix, schemaIssue(err)))
			}
		}
	}
	return issues
}

// Correct validates the plan and, when it violates the catalog, asks the
// model to repair it: each round feeds the rejected plan and the validation
// errors verbatim back to the model. A plan that never validates within the
// budget yields a ValidationError.
func Correct(ctx context.Context, completer llm.Completer, req llm.Request, c *Constrainer, plan *models.ToolPlan, logger *slog.Logger) (*models.ToolPlan, error) {
	if logger == nil {
		logger = slog.Default()
	}
	issues := c.Validate(plan)
	if len(issues) == 0 {
		return plan, nil
	}

	for round := 1; round <= MaxCorrectionRounds; round++ {
		logger.Warn("tool plan failed validation, requesting correction",
			"round", round, "issues", len(issues))

		repair := req
		repair.Messages = append(append([]llm.Message{}, req.Messages...), llm.Message{
			Role:    llm.RoleAssistant,
			Content: EncodePlan(plan),
		}, llm.Message{
			Role: llm.RoleUser,
			Content: fmt.Sprintf(
				"The tool plan above is invalid:\n- %s\nReturn a corrected plan as JSON in the same shape, using only the listed servers and tools.",
				strings.Join(issues, "\n- ")),
		})
		repair.ResponseFormat = c.ResponseFormat()
		if repair.SchemaName == "" {
			repair.SchemaName = "tool_plan"
		}

		resp, err := completer.Complete(ctx, repair)
		if err != nil {
			return nil, fmt.Errorf("plan correction round %d: %w", round, err)
		}
		raw, err := llm.ParseJSONResponse(resp.Content)
		if err != nil {
			issues = []string{fmt.Sprintf("correction reply was not JSON: %v", err)}
			continue
		}
		corrected, err := DecodePlan(raw)
		if err != nil {
			issues = []string{err.Error()}
			continue
		}
		plan = corrected
		issues = c.Validate(plan)
		if len(issues) == 0 {
			return plan, nil
		}
	}
	return nil, &ValidationError{Issues: issues}
}

// normalize round-trips parameters through encoding/json so the validator
// sees the generic types it expects.
func normalize(params map[string]any) (any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// schemaIssue flattens a jsonschema validation error to one line.
func schemaIssue(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return "parameters: " + leaf.Message
		}
		return fmt.Sprintf("parameter %q: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message)
	}
	return err.Error()
}
