package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/fleet/pkg/types"
)

// Trainer fits one model. progress is called with values in [0,1] in
// increasing order. Train must return promptly once ctx is cancelled.
type Trainer interface {
	Train(ctx context.Context, data, options json.RawMessage, progress func(float64)) (json.RawMessage, error)
}

// TrainerFunc adapts a function to Trainer.
type TrainerFunc func(ctx context.Context, data, options json.RawMessage, progress func(float64)) (json.RawMessage, error)

func (f TrainerFunc) Train(ctx context.Context, data, options json.RawMessage, progress func(float64)) (json.RawMessage, error) {
	return f(ctx, data, options, progress)
}

// Trainers maps each kind to its trainer. A worker serves every kind in the map.
type Trainers map[types.Kind]Trainer

// SimulatedTrainers returns a simulated trainer for every known kind.
func SimulatedTrainers(steps int, delay time.Duration) Trainers {
	out := Trainers{}
	for _, k := range types.Kinds {
		out[k] = &SimulatedTrainer{Kind: k, Steps: steps, StepDelay: delay}
	}
	return out
}

// SimulatedTrainer stands in for a real model fit: it reports Steps evenly
// spaced progress values, StepDelay apart, and returns a small summary.
//
// Options understood:
//
//	{"fail_after": n}   fail once n steps have been reported
//	{"steps": n}        override Steps for this job
type SimulatedTrainer struct {
	Kind      types.Kind
	Steps     int
	StepDelay time.Duration
}

type simulatedOptions struct {
	FailAfter *int `json:"fail_after,omitempty"`
	Steps     int  `json:"steps,omitempty"`
}

// SimulatedResult is the model produced by SimulatedTrainer.
type SimulatedResult struct {
	Kind  types.Kind `json:"kind"`
	Steps int        `json:"steps"`
	Bytes int        `json:"bytes"` // size of the training data
}

func (t *SimulatedTrainer) Train(ctx context.Context, data, options json.RawMessage, progress func(float64)) (json.RawMessage, error) {
	var opts simulatedOptions
	if len(options) > 0 && string(options) != "null" {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, fmt.Errorf("invalid options: %w", err)
		}
	}
	steps := t.Steps
	if opts.Steps > 0 {
		steps = opts.Steps
	}
	if steps < 1 {
		steps = 1
	}

	var tick <-chan time.Time
	if t.StepDelay > 0 {
		ticker := time.NewTicker(t.StepDelay)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := 1; i <= steps; i++ {
		if opts.FailAfter != nil && i > *opts.FailAfter {
			return nil, fmt.Errorf("simulated failure after %d steps", *opts.FailAfter)
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(float64(i) / float64(steps))
	}

	return json.Marshal(SimulatedResult{Kind: t.Kind, Steps: steps, Bytes: len(data)})
}
