// Package classify assigns each observed message to exactly one handling category.
package classify

import "github.com/coopco/stampbot/internal/bus"

// Category is the handling bucket of a message.
type Category int

const (
	Ignored Category = iota
	MediaDocument
	AttributableText
	Photo
)

func (c Category) String() string {
	switch c {
	case MediaDocument:
		return "media-document"
	case AttributableText:
		return "attributable-text"
	case Photo:
		return "photo"
	default:
		return "ignored"
	}
}

// Classify evaluates an ordered decision list; the first matching rule wins.
// Named documents take priority over everything else, including channel text.
func Classify(ev bus.MessageEvent) Category {
	switch {
	case ev.Media.Kind == bus.MediaDocument && ev.Media.FileName != "":
		return MediaDocument
	case ev.IsChannel() || (ev.IsPrivate() && ev.Sender != nil && ev.Sender.IsBot):
		return AttributableText
	case ev.Media.Kind == bus.MediaPhoto:
		return Photo
	default:
		return Ignored
	}
}
