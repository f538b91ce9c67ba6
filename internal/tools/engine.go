package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
)

// ExecutionResult is the outcome of one intent.
type ExecutionResult struct {
	Tool     string
	OK       bool
	Result   map[string]any
	Error    *ToolError
	Duration time.Duration
}

// ExecutionSummary is the outcome of a plan, in execution order.
type ExecutionSummary struct {
	Ran          []ExecutionResult
	StoppedEarly bool
}

// OK reports whether every executed intent succeeded.
func (s ExecutionSummary) OK() bool {
	for _, r := range s.Ran {
		if !r.OK {
			return false
		}
	}
	return true
}

// Reply renders the tools' own reply strings, or their error messages.
func (s ExecutionSummary) Reply() string {
	var parts []string
	for _, r := range s.Ran {
		if r.OK {
			if msg, ok := r.Result["reply"].(string); ok && msg != "" {
				parts = append(parts, msg)
			}
			continue
		}
		parts = append(parts, fmt.Sprintf("Sorry, %s failed: %s.", strings.ReplaceAll(r.Tool, "_", " "), strings.TrimSuffix(r.Error.Message, ".")))
	}
	if len(parts) == 0 {
		if len(s.Ran) == 0 {
			return "I couldn't find a way to do that."
		}
		return "Done."
	}
	return strings.Join(parts, " ")
}

// FilterPlan drops intents naming unknown tools and caps the plan at MaxIntents.
// The dropped tool names are returned for logging.
func FilterPlan(plan []Intent, reg *Registry) (kept []Intent, dropped []string) {
	for _, in := range plan {
		name := strings.TrimSpace(in.Tool)
		if name == "" || !reg.HasTool(name) {
			if name == "" {
				name = "<empty>"
			}
			dropped = append(dropped, name)
			continue
		}
		in.Tool = name
		if len(kept) == MaxIntents {
			dropped = append(dropped, name)
			continue
		}
		kept = append(kept, in)
	}
	return kept, dropped
}

// Engine validates intents against the registry and runs them through a Runner.
type Engine struct {
	reg    *Registry
	runner Runner
	log    zerolog.Logger
}

// NewEngine builds an engine. A nil runner executes in-process on the registry.
func NewEngine(reg *Registry, runner Runner, logger zerolog.Logger) *Engine {
	if runner == nil {
		runner = reg
	}
	return &Engine{reg: reg, runner: runner, log: logger.With().Str("component", "engine").Logger()}
}

// Registry returns the registry the engine validates against.
func (e *Engine) Registry() *Registry { return e.reg }

// ExecuteIntents runs the plan in order. A failing intent stops the plan unless
// it sets ContinueOnError. Intents beyond MaxIntents are ignored.
func (e *Engine) ExecuteIntents(ctx context.Context, plan []Intent) ExecutionSummary {
	if len(plan) > MaxIntents {
		e.log.Warn().Int("intents", len(plan)).Msg("plan truncated")
		plan = plan[:MaxIntents]
	}
	var sum ExecutionSummary
	for i, in := range plan {
		res := e.executeOne(ctx, in)
		sum.Ran = append(sum.Ran, res)

		ev := e.log.Info().Str("tool", in.Tool).Int("step", i+1).Int("of", len(plan)).Dur("took", res.Duration)
		if !res.OK {
			ev = e.log.Warn().Str("tool", in.Tool).Int("step", i+1).Int("of", len(plan)).
				Str("error_type", res.Error.Type).Str("error", res.Error.Message)
		}
		ev.Bool("ok", res.OK).Msg("intent executed")

		if !res.OK && !in.ContinueOnError {
			sum.StoppedEarly = i < len(plan)-1
			break
		}
	}
	return sum
}

func (e *Engine) executeOne(ctx context.Context, in Intent) ExecutionResult {
	res := ExecutionResult{Tool: in.Tool}
	start := time.Now()

	fail := func(te *ToolError) ExecutionResult {
		res.Error = te
		metrics.ToolJobs.WithLabelValues(in.Tool, te.Type).Inc()
		res.Duration = time.Since(start)
		return res
	}

	t, ok := e.reg.Get(in.Tool)
	if !ok {
		return fail(NewToolError(ErrTypeUnknownTool, "unknown tool %q", in.Tool))
	}
	if err := t.CheckArgs(in.Args); err != nil {
		return fail(AsToolError(err))
	}

	out, err := e.runner.Run(ctx, in.Tool, in.Args)
	metrics.ToolLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fail(AsToolError(err))
	}
	if te := errorFromResult(out); te != nil {
		return fail(te)
	}
	res.OK = true
	res.Result = out
	res.Duration = time.Since(start)
	metrics.ToolJobs.WithLabelValues(in.Tool, "ok").Inc()
	return res
}

// errorFromResult accepts the {"error": {"type", "message"}} convention some tools use.
func errorFromResult(out map[string]any) *ToolError {
	raw, ok := out["error"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case map[string]any:
		te := &ToolError{Type: ErrTypeExecution}
		if s, ok := v["type"].(string); ok && s != "" {
			te.Type = s
		}
		if s, ok := v["message"].(string); ok {
			te.Message = s
		}
		return te
	case string:
		return &ToolError{Type: ErrTypeExecution, Message: v}
	default:
		return &ToolError{Type: ErrTypeExecution, Message: fmt.Sprint(v)}
	}
}

// ConfirmationTool returns the first tool in plan that requires confirmation.
func (r *Registry) ConfirmationTool(plan []Intent) (Tool, bool) {
	for _, in := range plan {
		if t, ok := r.Get(in.Tool); ok && t.RequiresConfirmation {
			return t, true
		}
	}
	return Tool{}, false
}
