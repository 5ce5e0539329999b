package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/degrade"
	"switchboard/pkg/llm"
	"switchboard/pkg/logx"
	"switchboard/pkg/resilience/circuit"
	"switchboard/pkg/resilience/ratelimit"
	"switchboard/pkg/resilience/retry"
	"switchboard/pkg/resilience/timeout"
	"switchboard/pkg/result"
)

// Sentinel prefixes a department can emit to short-circuit normalization:
// the coordinator returns the directive text instead of treating it as a
// finished answer.
const (
	SentinelClarify = "CLARIFY:"
	SentinelAskUser = "ASK_USER:"
)

// errorCodeSubTool is the code fed back into a department exchange when
// one of its sub-tool calls fails. The exchange continues either way.
const errorCodeSubTool = "TOOL_EXECUTION_FAILED"

// Config tunes the coordinator's per-path budgets.
type Config struct {
	// ToolTimeout bounds one direct tool call.
	ToolTimeout time.Duration `json:"tool_timeout"`
	// ExchangeTimeout bounds a whole department exchange; it should be
	// much larger than ToolTimeout.
	ExchangeTimeout time.Duration `json:"exchange_timeout"`
	// MaxTurns bounds a department exchange.
	MaxTurns int `json:"max_turns"`
	// Retry applies to both paths.
	Retry retry.Config `json:"retry"`
}

// DefaultConfig gives tools 10s, exchanges 2m and 5 turns.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	ToolTimeout:     10 * time.Second,
	ExchangeTimeout: 2 * time.Minute,
	MaxTurns:        5,
	Retry:           retry.DefaultConfig,
}

// exchangePromptBudget caps the token estimate for one exchange turn's
// prompt, leaving room for the completion inside a small model's context.
const exchangePromptBudget = 16000

// Coordinator runs delegation targets behind the resilience stack.
type Coordinator struct {
	logger   *logx.Logger
	config   Config
	policy   *retry.Policy
	breakers *circuit.Registry
	limiter  *ratelimit.Limiter
	health   *degrade.Manager
	tokens   *llm.TokenCounter
}

// NewCoordinator wires a coordinator. breakers, limiter and health may be
// shared across coordinators; health falls back to the process default
// when nil.
func NewCoordinator(config Config, breakers *circuit.Registry, limiter *ratelimit.Limiter, health *degrade.Manager) *Coordinator {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultConfig.ToolTimeout
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = DefaultConfig.ExchangeTimeout
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultConfig.MaxTurns
	}
	if health == nil {
		health = degrade.Default()
	}
	// A nil counter falls back to a chars/4 estimate inside Count.
	tokens, _ := llm.NewTokenCounter("gpt-4")
	return &Coordinator{
		logger:   logx.NewLogger("delegate"),
		config:   config,
		policy:   retry.NewPolicy(config.Retry, nil),
		breakers: breakers,
		limiter:  limiter,
		health:   health,
		tokens:   tokens,
	}
}

// Delegate dispatches to the target's path and always returns a
// normalized result, never an error.
func (c *Coordinator) Delegate(ctx context.Context, target Target, query string, args map[string]any) result.Normalized {
	switch {
	case target.Tool != nil:
		return c.ExecuteTool(ctx, target.Tool, args)
	case target.Department != nil:
		return c.RunDepartment(ctx, target.Department, query)
	default:
		return result.FromError(agenterr.New(agenterr.CodeToolNotFound, "delegation target is empty"))
	}
}

// Speak delegates and renders the outcome as a user-facing string. The
// master agent always gets something sayable, whatever went wrong.
func (c *Coordinator) Speak(ctx context.Context, target Target, query string, args map[string]any) string {
	return result.Speakable(c.Delegate(ctx, target, query, args))
}

// ExecuteTool runs the direct path: schema validation, rate limit,
// circuit breaker, then the handler under retry and timeout. The outcome
// is normalized with source "direct".
func (c *Coordinator) ExecuteTool(ctx context.Context, spec *ToolSpec, args map[string]any) result.Normalized {
	started := time.Now()

	if missing := validateArgs(spec.Parameters, args); len(missing) > 0 {
		return result.NeedsInfo(missing...)
	}
	if typeErr := checkArgTypes(spec.Parameters, args); typeErr != nil {
		return result.FromError(typeErr)
	}

	dependency := spec.Dependency
	if dependency == "" {
		dependency = spec.Name
	}

	if c.limiter != nil {
		if err := c.limiter.Allow(dependency); err != nil {
			return result.FromError(agenterr.Wrap(agenterr.CodeRateLimitExceeded,
				fmt.Sprintf("tool %s rate limited", spec.Name), err))
		}
	}

	raw, err := c.callProtected(ctx, spec, dependency, args)
	duration := time.Since(started)
	if err != nil {
		c.health.ReportFailure(dependency, err.Error())
		c.logger.Warn("tool %s failed after %s: %v", spec.Name, duration, err)
		return result.Normalize(classifyToolError(spec.Name, err), result.SourceDirect, duration)
	}

	c.health.ReportSuccess(dependency)
	return result.Normalize(raw, result.SourceDirect, duration)
}

// callProtected runs the handler as retry(timeout(handler)) behind the
// dependency's breaker. The timeout abandons the attempt but cannot kill
// it, which is why handlers must be idempotent.
func (c *Coordinator) callProtected(ctx context.Context, spec *ToolSpec, dependency string, args map[string]any) (any, error) {
	budget := spec.Timeout
	if budget <= 0 {
		budget = c.config.ToolTimeout
	}

	attempt := func(ctx context.Context) (any, error) {
		return retry.Do(ctx, c.policy, func(ctx context.Context) (any, error) {
			return timeout.Do(ctx, budget,
				fmt.Sprintf("tool %s timeout after %s", spec.Name, budget),
				func(ctx context.Context) (any, error) {
					return spec.Handler(ctx, args)
				})
		})
	}

	if c.breakers == nil {
		return attempt(ctx)
	}
	return c.breakers.Get(dependency).Execute(ctx, attempt, nil)
}

// RunDepartment opens a bounded exchange with the department's LLM. Each
// turn may request sub-tool calls, which run through the direct path and
// feed back into the exchange; the loop ends when the model stops calling
// tools or the turn budget runs out. The outcome is normalized with
// source "session".
func (c *Coordinator) RunDepartment(ctx context.Context, spec *DepartmentSpec, query string) result.Normalized {
	started := time.Now()

	budget := spec.Timeout
	if budget <= 0 {
		budget = c.config.ExchangeTimeout
	}

	text, err := retry.Do(ctx, c.policy, func(ctx context.Context) (string, error) {
		return timeout.Do(ctx, budget,
			fmt.Sprintf("department %s timeout after %s", spec.Name, budget),
			func(ctx context.Context) (string, error) {
				return c.exchange(ctx, spec, query)
			})
	})
	duration := time.Since(started)
	if err != nil {
		c.health.ReportFailure(spec.Name, err.Error())
		c.logger.Warn("department %s failed after %s: %v", spec.Name, duration, err)
		if timeout.IsTimeout(err) {
			return result.Normalize(agenterr.Wrap(agenterr.CodeToolTimeout,
				fmt.Sprintf("department %s took too long", spec.Name), err), result.SourceSession, duration)
		}
		return result.Normalize(agenterr.Wrap(agenterr.CodeDepartment,
			fmt.Sprintf("department %s failed", spec.Name), err), result.SourceSession, duration)
	}

	c.health.ReportSuccess(spec.Name)

	if directive, kind := scanSentinels(text); kind != "" {
		n := result.Success(map[string]any{
			"instructions": directive,
			"directive":    kind,
		})
		return result.Normalize(n, result.SourceSession, duration)
	}
	return result.Normalize(text, result.SourceSession, duration)
}

// exchange drives the turn loop. Sub-tool failures never abort the
// exchange; they are reported back to the model as an error payload so it
// can produce a best-effort answer.
func (c *Coordinator) exchange(ctx context.Context, spec *DepartmentSpec, query string) (string, error) {
	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.config.MaxTurns
	}

	messages := []llm.Message{
		llm.SystemMessage(spec.SystemPrompt),
		llm.UserMessage(query),
	}
	defs := toolDefinitions(spec.Tools)

	var lastText string
	for turn := 0; turn < maxTurns; turn++ {
		messages = trimForBudget(messages, defs, c.tokens, exchangePromptBudget)
		req := llm.CompletionRequest{
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   4096,
			Temperature: llm.TemperatureExchange,
		}
		resp, err := spec.Client.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("department %s turn %d: %w", spec.Name, turn+1, err)
		}
		if resp.Content != "" {
			lastText = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for i := range resp.ToolCalls {
			call := &resp.ToolCalls[i]
			payload := c.runSubTool(ctx, spec, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleUser,
				Content:    payload,
				ToolResult: &llm.ToolResult{CallID: call.ID, Content: payload},
			})
		}
	}

	// Turn budget exhausted: hand back whatever the model said last.
	c.logger.Debug("department %s hit its %d-turn limit", spec.Name, maxTurns)
	if lastText == "" {
		return "", agenterr.Newf(agenterr.CodeDepartment,
			"department %s produced no answer within %d turns", spec.Name, maxTurns)
	}
	return lastText, nil
}

// trimForBudget drops the oldest exchange turns until the prompt estimate
// fits the budget. The system prompt and the opening query always survive,
// and an assistant turn is dropped together with its tool results so the
// history never starts with an orphaned tool payload.
func trimForBudget(messages []llm.Message, defs []llm.ToolDefinition, counter *llm.TokenCounter, budget int) []llm.Message {
	for len(messages) > 3 {
		req := llm.CompletionRequest{Messages: messages, Tools: defs}
		if counter.CountRequest(req) <= budget {
			break
		}
		end := 3
		for end < len(messages) && messages[end].ToolResult != nil {
			end++
		}
		if end >= len(messages) {
			break
		}
		trimmed := make([]llm.Message, 0, len(messages)-(end-2))
		trimmed = append(trimmed, messages[:2]...)
		trimmed = append(trimmed, messages[end:]...)
		messages = trimmed
	}
	return messages
}

// runSubTool executes one sub-tool call and renders its outcome as the
// JSON payload fed back to the model.
func (c *Coordinator) runSubTool(ctx context.Context, spec *DepartmentSpec, call *llm.ToolCall) string {
	tool := findTool(spec.Tools, call.Name)
	if tool == nil {
		return encodeSubToolError(fmt.Sprintf("tool %s not found", call.Name))
	}

	n := c.ExecuteTool(ctx, tool, call.Parameters)
	if n.Status == result.StatusError {
		msg := "tool execution failed"
		if n.Error != nil {
			msg = n.Error.Message
		}
		return encodeSubToolError(msg)
	}

	out, err := json.Marshal(result.TransformForMaster(n))
	if err != nil {
		return encodeSubToolError(fmt.Sprintf("tool %s result not serializable", call.Name))
	}
	return string(out)
}

func encodeSubToolError(message string) string {
	out, _ := json.Marshal(map[string]string{
		"error":     message,
		"errorCode": errorCodeSubTool,
	})
	return string(out)
}

// scanSentinels returns the directive text and its kind, or "" when the
// text carries no sentinel.
func scanSentinels(text string) (directive, kind string) {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, SentinelClarify); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+len(SentinelClarify):]), "clarify"
	}
	if idx := strings.Index(trimmed, SentinelAskUser); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+len(SentinelAskUser):]), "ask_user"
	}
	return "", ""
}

// classifyToolError maps a failed direct call to the taxonomy: an open
// breaker surfaces as CIRCUIT_OPEN (never retried inline, callers pick a
// fallback), timeouts stay timeouts, everything else is a tool execution
// error.
func classifyToolError(name string, err error) error {
	if agenterr.CodeOf(err) != "" {
		return err
	}
	var open *circuit.OpenError
	if errors.As(err, &open) {
		return agenterr.Wrap(agenterr.CodeCircuitOpen,
			fmt.Sprintf("tool %s rejected, %s circuit is open", name, open.Dependency), err)
	}
	if timeout.IsTimeout(err) {
		return agenterr.Wrap(agenterr.CodeToolTimeout, fmt.Sprintf("tool %s timed out", name), err)
	}
	return agenterr.Wrap(agenterr.CodeToolExecution, fmt.Sprintf("tool %s failed", name), err)
}

// validateArgs reports the declared required fields missing from args.
func validateArgs(schema llm.InputSchema, args map[string]any) []result.RequiredField {
	var missing []result.RequiredField
	for _, name := range schema.Required {
		if _, ok := args[name]; ok {
			continue
		}
		prop := schema.Properties[name]
		missing = append(missing, result.RequiredField{
			Field:       name,
			Type:        prop.Type,
			Description: prop.Description,
		})
	}
	return missing
}

// checkArgTypes verifies provided args against their declared JSON types.
// Unknown args pass through untouched; handlers may accept extras.
func checkArgTypes(schema llm.InputSchema, args map[string]any) error {
	for name, value := range args {
		prop, declared := schema.Properties[name]
		if !declared || value == nil {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return agenterr.Newf(agenterr.CodeValidation,
				"argument %s must be of type %s", name, prop.Type)
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer", "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
