package transform

import (
	"time"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/classify"
)

// Action is the mutation the engine performed.
type Action int

const (
	ActionNone Action = iota
	ActionEdited
	ActionReplaced
)

func (a Action) String() string {
	switch a {
	case ActionEdited:
		return "edited"
	case ActionReplaced:
		return "replaced"
	default:
		return "none"
	}
}

// Reason explains an Outcome. Expected conditions (duplicate, ignored, footer
// already present) are reasons too, not errors.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonDuplicate      Reason = "duplicate"
	ReasonIgnored        Reason = "ignored"
	ReasonFooterPresent  Reason = "footer_present"
	ReasonEditRejected   Reason = "edit_rejected"
	ReasonDownloadFailed Reason = "download_failed"
	ReasonRenderFailed   Reason = "render_failed"
	ReasonDeleteFailed   Reason = "delete_failed"
	ReasonSendFailed     Reason = "send_failed"
	ReasonPanic          Reason = "panic"
)

// Outcome is the result of handling one event.
type Outcome struct {
	Ref         bus.MessageRef
	Category    classify.Category
	Action      Action
	Reason      Reason
	Err         error
	Replacement bus.MessageRef // set when Action is ActionReplaced
	Duration    time.Duration
}

// Failed reports whether handling hit a platform or rendering failure.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Record converts the outcome into the form published on the bus.
func (o Outcome) Record() bus.Outcome {
	return bus.Outcome{
		Ref:      o.Ref,
		Category: o.Category.String(),
		Action:   o.Action.String(),
		Reason:   string(o.Reason),
		Err:      o.Err,
		Duration: o.Duration,
	}
}
