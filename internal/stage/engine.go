// Package stage runs one decision stage against the agent: render the brief,
// execute, extract the structured result and persist everything.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/agent"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/prompt"
)

// Engine executes stages for a single run.
type Engine struct {
	agent      agent.Runner
	run        *pipeline.Run
	promptsDir string
	log        *zap.Logger
	now        func() time.Time
}

// NewEngine creates a stage engine writing into run. Templates in promptsDir
// override the built-in briefs.
func NewEngine(runner agent.Runner, run *pipeline.Run, promptsDir string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		agent:      runner,
		run:        run,
		promptsDir: promptsDir,
		log:        log,
		now:        time.Now,
	}
}

// RunOpts configures a stage invocation.
type RunOpts struct {
	Stage   pipeline.StageKind
	Attempt int
	Vars    prompt.Vars
	Dir     string // agent working directory
	Timeout time.Duration

	// AfterAgent runs once the agent exits successfully, before extraction.
	// An error fails the stage and is returned from Run.
	AfterAgent func(ctx context.Context) error

	// Evidence reports workspace state for the FIX fallback.
	Evidence func(ctx context.Context) (Evidence, error)
}

// Result is a persisted stage result plus the decoded transcript.
type Result struct {
	pipeline.StageResult
	Stream agent.Stream
}

// Run executes the stage and persists brief, transcript and result before
// returning. A failed agent is reported through the result status, not the
// error; the error is non-nil only when AfterAgent fails or the result
// cannot be persisted.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	if opts.Attempt < 1 {
		opts.Attempt = 1
	}
	log := e.log.With(zap.String("stage", string(opts.Stage)), zap.Int("attempt", opts.Attempt))
	start := e.now()

	res := &Result{StageResult: pipeline.StageResult{
		Stage:   opts.Stage,
		Attempt: opts.Attempt,
	}}

	hookErr := e.execute(ctx, opts, res, log)

	res.Duration = e.now().Sub(start).Round(time.Millisecond).String()
	res.Timestamp = e.now().UTC().Format(time.RFC3339)
	if err := e.run.SaveStageResult(&res.StageResult); err != nil {
		return res, fmt.Errorf("persist %s result: %w", opts.Stage, err)
	}

	fields := []zap.Field{zap.String("status", string(res.Status)), zap.String("duration", res.Duration)}
	if res.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *res.Confidence))
	}
	switch res.Status {
	case pipeline.StatusFailed:
		log.Warn("stage failed", append(fields, zap.String("error", res.Error))...)
	case pipeline.StatusParseFallback:
		log.Warn("no structured result, using fallback", fields...)
	default:
		log.Info("stage finished", fields...)
	}
	return res, hookErr
}

func (e *Engine) execute(ctx context.Context, opts RunOpts, res *Result, log *zap.Logger) error {
	rendered, err := e.renderBrief(opts)
	if err != nil {
		res.fail(fmt.Errorf("render brief: %w", err))
		return nil
	}
	if res.PromptPath, err = e.run.SavePrompt(opts.Stage, opts.Attempt, rendered); err != nil {
		res.fail(fmt.Errorf("save brief: %w", err))
		return nil
	}

	log.Info("running agent", zap.Duration("timeout", opts.Timeout), zap.Int("brief_bytes", len(rendered)))
	ar, runErr := e.agent.Run(ctx, agent.Request{Prompt: rendered, Dir: opts.Dir, Timeout: opts.Timeout})
	if ar != nil {
		res.Stream = ar.Stream
		res.CostUSD = ar.Stream.CostUSD
		if path, err := e.run.SaveTranscript(opts.Stage, opts.Attempt, ar.Transcript); err == nil {
			res.TranscriptPath = path
		} else {
			log.Warn("save transcript failed", zap.Error(err))
		}
	}
	if runErr != nil {
		res.fail(runErr)
		return nil
	}
	if ar.Stream.IsError {
		res.fail(fmt.Errorf("agent reported an error: %s", ar.Stream.ResultText))
		return nil
	}

	if opts.AfterAgent != nil {
		if err := opts.AfterAgent(ctx); err != nil {
			res.fail(err)
			return err
		}
	}

	return e.extract(ctx, opts, res)
}

func (e *Engine) renderBrief(opts RunOpts) (string, error) {
	tmpl, err := prompt.LoadTemplate(string(opts.Stage)+".md", e.promptsDir)
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, opts.Vars)
}

// extract selects the stage schema and applies its fallback policy.
func (e *Engine) extract(ctx context.Context, opts RunOpts, res *Result) error {
	cands := Candidates(res.Stream)
	switch opts.Stage {
	case pipeline.StageTriage:
		x := Extract(cands, TriageFallback())
		return res.set(x.Payload, x.Payload.Confidence, x.Fallback)
	case pipeline.StageResearch:
		x := Extract(cands, ResearchFallback())
		return res.set(x.Payload, x.Payload.Confidence, x.Fallback)
	case pipeline.StageReview:
		x := Extract(cands, ReviewFallback())
		return res.set(x.Payload, x.Payload.Confidence, x.Fallback)
	case pipeline.StageFix:
		x := Extract(cands, FixPayload{})
		if !x.Fallback {
			return res.set(x.Payload, x.Payload.Confidence, false)
		}
		var ev Evidence
		if opts.Evidence != nil {
			var err error
			if ev, err = opts.Evidence(ctx); err != nil {
				res.fail(fmt.Errorf("inspect workspace: %w", err))
				return nil
			}
		}
		p, committed := FixFallback(ev)
		if err := res.set(p, p.Confidence, true); err != nil {
			return err
		}
		if committed {
			// New commits count as success even without a structured result.
			res.Status = pipeline.StatusSucceeded
		}
		return nil
	}
	res.fail(fmt.Errorf("unknown stage %q", opts.Stage))
	return nil
}

func (r *Result) set(payload interface{}, conf *float64, fallback bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", r.Stage, err)
	}
	r.Payload = raw
	r.Confidence = conf
	r.Fallback = fallback
	r.Status = pipeline.StatusSucceeded
	if fallback {
		r.Status = pipeline.StatusParseFallback
	}
	return nil
}

func (r *Result) fail(err error) {
	r.Status = pipeline.StatusFailed
	r.Confidence = nil
	r.Payload = nil
	r.Error = err.Error()
	if errors.Is(err, agent.ErrTimeout) {
		r.Error = fmt.Sprintf("%s timed out: %v", r.Stage, err)
	}
}
