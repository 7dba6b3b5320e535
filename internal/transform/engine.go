// Package transform rewrites the account's own messages: named documents get a
// title caption, channel and bot text get an attribution footer, and photos are
// replaced by a watermarked copy.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/classify"
	"github.com/coopco/stampbot/internal/idempotency"
	"github.com/coopco/stampbot/internal/retry"
)

// Engine consumes observed message events and transforms them.
type Engine struct {
	bus          *bus.MessageBus
	client       Client
	tracker      idempotency.Tracker
	renderer     Renderer
	markers      Markers
	replaceDelay time.Duration
	retry        retry.Policy
	wg           sync.WaitGroup
}

// EngineConfig holds all dependencies and settings for Engine.
type EngineConfig struct {
	Bus      *bus.MessageBus
	Client   Client
	Tracker  idempotency.Tracker // defaults to an unbounded set
	Renderer Renderer
	Markers  Markers // zero value uses DefaultMarkers
	// ReplaceDelay is an optional pause between deleting a photo and sending
	// its replacement. Zero relies on DeleteMessage being acknowledged.
	ReplaceDelay time.Duration
	Retry        retry.Policy // zero value never retries
}

// NewEngine creates an Engine from the given config.
func NewEngine(cfg EngineConfig) *Engine {
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = idempotency.NewSet()
	}
	markers := cfg.Markers
	if markers == (Markers{}) {
		markers = DefaultMarkers()
	}
	return &Engine{
		bus:          cfg.Bus,
		client:       cfg.Client,
		tracker:      tracker,
		renderer:     cfg.Renderer,
		markers:      markers,
		replaceDelay: cfg.ReplaceDelay,
		retry:        cfg.Retry,
	}
}

// Run consumes events from the bus and handles each in a goroutine, so
// handlers waiting on the network do not hold up later events.
// Returns when ctx is cancelled. Cancelling ctx stops intake only: handlers
// already started run to completion, bounded by the client's own timeouts,
// so a photo is never left deleted without its replacement. Use Wait to
// block until they are done.
func (e *Engine) Run(ctx context.Context) error {
	hctx := context.WithoutCancel(ctx)
	for {
		ev, err := e.bus.ConsumeEvent(ctx)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			out := e.Handle(hctx, ev)
			if !e.bus.PublishOutcome(out.Record()) {
				slog.Debug("engine: outcome dropped, bus full", "ref", ev.Ref.String())
			}
		}()
	}
}

// Wait blocks until every handler started by Run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Handle transforms one event. It never returns an error: failures are
// reported in the Outcome and logged. A second call with the same message
// reference is a no-op.
func (e *Engine) Handle(ctx context.Context, ev bus.MessageEvent) (out Outcome) {
	out.Ref = ev.Ref
	// Marked before any mutation so the engine's own follow-up events,
	// arriving while this one is in flight, are dropped.
	if !e.tracker.TryMark(ev.Ref) {
		out.Reason = ReasonDuplicate
		return out
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Action = ActionNone
			out.Reason = ReasonPanic
			out.Err = fmt.Errorf("handler panic: %v", r)
		}
		out.Duration = time.Since(start)
		logOutcome(out)
	}()

	out.Category = classify.Classify(ev)
	label := AttributionLabel(ev)

	switch out.Category {
	case classify.MediaDocument:
		e.handleDocument(ctx, ev, label, &out)
	case classify.AttributableText:
		e.handleText(ctx, ev, label, &out)
	case classify.Photo:
		e.handlePhoto(ctx, ev, label, &out)
	default:
		out.Reason = ReasonIgnored
	}
	return out
}

func (e *Engine) handleDocument(ctx context.Context, ev bus.MessageEvent, label string, out *Outcome) {
	text := e.markers.DocumentText(DocumentTitle(ev.Media.FileName), label)
	e.edit(ctx, ev, text, out)
}

func (e *Engine) handleText(ctx context.Context, ev bus.MessageEvent, label string, out *Outcome) {
	text, changed := AppendFooter(bus.Text{Body: ev.Text, Entities: ev.Entities}, e.markers.TextFooter(label))
	if !changed {
		out.Reason = ReasonFooterPresent
		return
	}
	e.edit(ctx, ev, text, out)
}

func (e *Engine) edit(ctx context.Context, ev bus.MessageEvent, text bus.Text, out *Outcome) {
	req := EditRequest{Ref: ev.Ref, Text: text, Caption: ev.HasMedia()}
	if err := retry.Do(ctx, e.retry, func() error { return e.client.EditMessage(ctx, req) }); err != nil {
		out.Reason = ReasonEditRejected
		out.Err = err
		return
	}
	out.Action = ActionEdited
	out.Reason = ReasonOK
}

// handlePhoto replaces the photo with a watermarked copy: download, render,
// delete the original, send the copy. Any failure abandons the event.
func (e *Engine) handlePhoto(ctx context.Context, ev bus.MessageEvent, label string, out *Outcome) {
	var raw []byte
	err := retry.Do(ctx, e.retry, func() error {
		var err error
		raw, err = e.client.DownloadMedia(ctx, ev.Ref, ev.Media)
		return err
	})
	if err != nil {
		out.Reason, out.Err = ReasonDownloadFailed, err
		return
	}

	marked, err := e.renderer.Render(raw, label)
	if err != nil {
		out.Reason, out.Err = ReasonRenderFailed, err
		return
	}

	caption, _ := AppendFooter(bus.Text{Body: ev.Text, Entities: ev.Entities}, e.markers.CaptionFooter(label))

	if err := retry.Do(ctx, e.retry, func() error { return e.client.DeleteMessage(ctx, ev.Ref) }); err != nil {
		out.Reason, out.Err = ReasonDeleteFailed, err
		return
	}

	if e.replaceDelay > 0 {
		t := time.NewTimer(e.replaceDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			out.Reason, out.Err = ReasonSendFailed, ctx.Err()
			return
		}
	}

	// Not retried: a send that timed out may still have been delivered.
	sent, err := e.client.SendPhoto(ctx, ev.Ref.ChatRef, marked, caption)
	if err != nil {
		out.Reason, out.Err = ReasonSendFailed, err
		return
	}
	e.tracker.Mark(sent)

	out.Action = ActionReplaced
	out.Reason = ReasonOK
	out.Replacement = sent
}

func logOutcome(o Outcome) {
	attrs := []any{
		"ref", o.Ref.String(),
		"category", o.Category.String(),
		"reason", string(o.Reason),
		"duration", o.Duration,
	}
	switch {
	case o.Reason == ReasonSendFailed:
		// the original is already gone and no replacement exists
		slog.Error("engine: photo deleted but replacement was not sent", append(attrs, "err", o.Err)...)
	case o.Failed():
		slog.Warn("engine: transformation abandoned", append(attrs, "err", o.Err, "transient", retry.IsRetryable(o.Err))...)
	case o.Action == ActionNone:
		slog.Debug("engine: no action", attrs...)
	case o.Action == ActionReplaced:
		slog.Info("engine: message replaced", append(attrs, "replacement", o.Replacement.String())...)
	default:
		slog.Info("engine: message edited", attrs...)
	}
}
