package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Listener prints every message a Subscriber delivers until its context is
// cancelled.
type Listener struct {
	sub      Subscriber
	renderer *Renderer
	out      io.Writer
	log      *zap.Logger
}

func NewListener(sub Subscriber, renderer *Renderer, out io.Writer, log *zap.Logger) *Listener {
	return &Listener{sub: sub, renderer: renderer, out: out, log: log}
}

// Run returns nil once ctx is cancelled. Receive and output failures end
// the loop with an error.
func (l *Listener) Run(ctx context.Context) error {
	var received int
	for {
		frames, err := l.sub.RecvMultipart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Debug("listener stopped", zap.Int("messages", received))
				fmt.Fprintln(l.out, "\nStopped.")
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}
		received++
		l.log.Debug("message received", zap.Int("frames", len(frames)))

		if err := l.renderer.Render(l.out, frames); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}
