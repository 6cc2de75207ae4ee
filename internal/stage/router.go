// Package stage routes generation requests to their stage contract: it formats
// the prompt, calls the model, extracts the JSON object from the output and
// validates it.
package stage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/contract"
	"inferd/internal/failure"
	"inferd/internal/llm"
	"inferd/internal/manager"
	"inferd/internal/validate"
	"inferd/pkg/types"
)

// MaxNewTokensCap bounds caller overrides of a contract's token budget.
const MaxNewTokensCap = 32768

// Generator produces text for a formatted prompt. *manager.Manager satisfies it.
type Generator interface {
	Generate(ctx context.Context, req manager.Request) (manager.Generation, error)
}

// Request is one dispatch.
type Request struct {
	Prompt string
	// Stage is the caller's tag; empty falls back to Context["stage"].
	Stage     string
	Context   map[string]any
	Overrides *types.GenerationConfig
}

// Result is a validated generation.
type Result struct {
	Stage contract.Stage
	// Fallback is set when the tag was unknown and the legacy contract served it.
	Fallback   bool
	Parsed     map[string]any
	Raw        string
	Report     validate.Report
	Generation manager.Generation
}

// Router is safe for concurrent use.
type Router struct {
	gen   Generator
	table *contract.Table
	log   zerolog.Logger
}

// New builds a Router over gen and table.
func New(gen Generator, table *contract.Table, logger *zerolog.Logger) *Router {
	r := &Router{gen: gen, table: table, log: zerolog.Nop()}
	if logger != nil {
		r.log = logger.With().Str("component", "stage").Logger()
	}
	return r
}

// Tag resolves the stage tag of a request.
func (req Request) Tag() string {
	if req.Stage != "" {
		return req.Stage
	}
	if s, ok := req.Context["stage"].(string); ok {
		return s
	}
	return ""
}

// Dispatch runs req under its stage contract. Errors are *failure.Error
// carrying the resolved stage.
func (r *Router) Dispatch(ctx context.Context, req Request) (Result, error) {
	tag := req.Tag()
	c, known := r.table.Lookup(tag)
	res := Result{Stage: c.Stage, Fallback: !known}
	if !known {
		r.log.Info().Str("event", "stage_fallback").Str("tag", tag).Msg("unknown stage, using legacy contract")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return res, failure.Newf(failure.InvalidRequest, "dispatch", "prompt is required").WithStage(string(c.Stage))
	}

	gen, err := r.gen.Generate(ctx, manager.Request{
		Prompt:   FormatPrompt(c, req.Prompt, req.Context),
		Stage:    string(c.Stage),
		Sampling: Sampling(c, req.Overrides),
	})
	res.Generation = gen
	if err != nil {
		dispatchTotal.WithLabelValues(string(c.Stage), string(failure.KindOf(err))).Inc()
		return res, withStage(err, c.Stage)
	}
	res.Raw = gen.Text

	obj, err := ExtractJSON(gen.Text)
	if err != nil {
		dispatchTotal.WithLabelValues(string(c.Stage), string(failure.ParseFailure)).Inc()
		r.log.Error().Str("event", "parse_failed").Str("stage", string(c.Stage)).Int("output_tokens", gen.OutputTokens).
			Str("preview", preview(gen.Text)).Msg("no JSON object in model output")
		return res, withStage(err, c.Stage)
	}

	rep, err := validate.Apply(obj, c)
	res.Report = rep
	if err != nil {
		dispatchTotal.WithLabelValues(string(c.Stage), string(failure.KindOf(err))).Inc()
		r.log.Error().Str("event", "validation_failed").Str("stage", string(c.Stage)).Err(err).Msg("response failed contract")
		return res, err
	}
	if len(rep.DefaultsApplied) > 0 {
		r.log.Debug().Str("event", "defaults_applied").Str("stage", string(c.Stage)).Strs("fields", rep.DefaultsApplied).Msg("optional fields defaulted")
	}
	if len(rep.Repairs) > 0 {
		r.log.Info().Str("event", "repaired").Str("stage", string(c.Stage)).Strs("repairs", rep.Repairs).Msg("response repaired")
	}
	for _, w := range rep.Warnings {
		r.log.Warn().Str("event", "contract_warning").Str("stage", string(c.Stage)).Msg(w)
	}
	repairsTotal.WithLabelValues(string(c.Stage), "default").Add(float64(len(rep.DefaultsApplied)))
	repairsTotal.WithLabelValues(string(c.Stage), "repair").Add(float64(len(rep.Repairs)))
	dispatchTotal.WithLabelValues(string(c.Stage), "ok").Inc()
	res.Parsed = obj
	return res, nil
}

// FormatPrompt wraps prompt in the instruction convention. Contracts that
// include context get it appended as indented JSON.
func FormatPrompt(c contract.Contract, prompt string, ctxData map[string]any) string {
	var b strings.Builder
	b.WriteString("<s>[INST] ")
	b.WriteString(prompt)
	if c.IncludeContext && len(ctxData) > 0 {
		if js, err := json.MarshalIndent(ctxData, "", "  "); err == nil {
			b.WriteString("\n\nContext:\n")
			b.Write(js)
		}
	}
	b.WriteString(" [/INST]")
	return b.String()
}

// Sampling derives decoding parameters from c and the caller's overrides.
func Sampling(c contract.Contract, o *types.GenerationConfig) llm.Sampling {
	s := llm.Sampling{
		MaxTokens:     c.MaxNewTokens,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		TopK:          c.TopK,
		RepeatPenalty: c.RepetitionPenalty,
	}
	if o == nil {
		return s
	}
	if o.MaxNewTokens > 0 {
		s.MaxTokens = min(o.MaxNewTokens, MaxNewTokensCap)
	}
	if o.Temperature != nil && *o.Temperature >= 0 {
		s.Temperature = *o.Temperature
	}
	if o.TopP != nil && *o.TopP > 0 && *o.TopP <= 1 {
		s.TopP = *o.TopP
	}
	if o.TopK != nil && *o.TopK > 0 {
		s.TopK = *o.TopK
	}
	if o.RepetitionPenalty != nil && *o.RepetitionPenalty > 0 {
		s.RepeatPenalty = *o.RepetitionPenalty
	}
	return s
}

func withStage(err error, s contract.Stage) error {
	if fe, ok := failure.As(err); ok {
		return fe.WithStage(string(s))
	}
	return failure.New(failure.RuntimeFailure, "dispatch", err).WithStage(string(s))
}
