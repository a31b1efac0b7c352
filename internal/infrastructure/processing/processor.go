package processing

import (
	"context"
	"fmt"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

// Identity returns every frame unchanged.
type Identity struct{}

func (Identity) Process(_ context.Context, frame domain.Frame) (domain.Frame, error) {
	return frame, nil
}

// Chain runs processors in order and stops at the first error.
type Chain struct {
	stages []ports.FrameProcessor
}

func NewChain(stages ...ports.FrameProcessor) *Chain {
	filtered := make([]ports.FrameProcessor, 0, len(stages))
	for _, s := range stages {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Chain{stages: filtered}
}

func (c *Chain) Process(ctx context.Context, frame domain.Frame) (domain.Frame, error) {
	for i, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			return frame, err
		}
		out, err := stage.Process(ctx, frame)
		if err != nil {
			return frame, fmt.Errorf("stage %d: %w", i, err)
		}
		frame = out
	}
	return frame, nil
}

func (c *Chain) Len() int { return len(c.stages) }
