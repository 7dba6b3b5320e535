package transform

import (
	"path"
	"strings"

	"github.com/coopco/stampbot/internal/bus"
)

const unknownLabel = "@unknown"

// Markers are the symbols used in generated text.
type Markers struct {
	Divider string // footer divider line
	ID      string // precedes the attribution label
	Note    string // precedes a document title
}

// DefaultMarkers returns the stock divider and emoji markers.
func DefaultMarkers() Markers {
	return Markers{
		Divider: "━━━━━━━━━━━━━━",
		ID:      "🆔",
		Note:    "🎵",
	}
}

// AttributionLabel derives the "@username" credited in generated text:
// the channel's username for channel posts, the bot's username in a private
// chat with a bot, "@unknown" otherwise.
func AttributionLabel(ev bus.MessageEvent) string {
	switch {
	case ev.IsChannel() && ev.Chat.Username != "":
		return "@" + ev.Chat.Username
	case ev.IsPrivate() && ev.Sender != nil && ev.Sender.IsBot && ev.Sender.Username != "":
		return "@" + ev.Sender.Username
	default:
		return unknownLabel
	}
}

// DocumentTitle strips the last extension from a file name.
func DocumentTitle(fileName string) string {
	base := strings.TrimSuffix(fileName, path.Ext(fileName))
	if base == "" {
		return fileName
	}
	return base
}

// DocumentText is the two bold lines a named document's caption is replaced with.
func (m Markers) DocumentText(title, label string) bus.Text {
	return boldLines(m.Note+" "+title, m.ID+" "+label)
}

// TextFooter is appended to channel and bot text.
func (m Markers) TextFooter(label string) []string {
	return []string{m.Divider, m.ID + " " + label}
}

// CaptionFooter is appended to replacement photo captions.
func (m Markers) CaptionFooter(label string) []string {
	return []string{m.ID + " " + label}
}

// AppendFooter appends footer lines to t, each line on its own line and bold.
// Existing entities are kept. If the footer is already present in t the text
// is returned unchanged and the second result is false.
func AppendFooter(t bus.Text, footer []string) (bus.Text, bool) {
	joined := strings.Join(footer, "\n")
	if strings.Contains(t.Body, strings.TrimSpace(joined)) {
		return t, false
	}

	var b strings.Builder
	b.WriteString(t.Body)
	offset := t.Len()
	entities := append([]bus.Entity(nil), t.Entities...)
	for i, line := range footer {
		if i > 0 || t.Body != "" {
			b.WriteByte('\n')
			offset++
		}
		b.WriteString(line)
		n := bus.UTF16Len(line)
		if n > 0 {
			entities = append(entities, bus.Entity{Type: "bold", Offset: offset, Length: n})
		}
		offset += n
	}
	return bus.Text{Body: b.String(), Entities: entities}, true
}

func boldLines(lines ...string) bus.Text {
	t, _ := AppendFooter(bus.Text{}, lines)
	return t
}
