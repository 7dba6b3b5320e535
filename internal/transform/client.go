package transform

import (
	"context"

	"github.com/coopco/stampbot/internal/bus"
)

// EditRequest replaces the visible text of an existing message.
type EditRequest struct {
	Ref     bus.MessageRef
	Text    bus.Text
	Caption bool // edit the media caption instead of the message text
}

// Client is the messaging platform as seen by the engine.
//
// DeleteMessage must return only after the platform acknowledged the
// deletion; the engine sends replacements right after it returns.
type Client interface {
	EditMessage(ctx context.Context, req EditRequest) error
	DeleteMessage(ctx context.Context, ref bus.MessageRef) error
	DownloadMedia(ctx context.Context, ref bus.MessageRef, media bus.Media) ([]byte, error)
	SendPhoto(ctx context.Context, chat bus.ChatRef, image []byte, caption bus.Text) (bus.MessageRef, error)
}

// Renderer draws a watermark label onto encoded image bytes.
type Renderer interface {
	Render(image []byte, label string) ([]byte, error)
}
