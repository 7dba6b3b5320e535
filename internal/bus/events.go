package bus

import (
	"fmt"
	"time"
	"unicode/utf16"
)

// ChatKind is the kind of conversation a message was observed in.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// ChatRef identifies a chat on a named channel (e.g. "telegram").
type ChatRef struct {
	Channel string
	ChatID  int64
}

// MessageRef identifies one message. Message IDs are scoped to their chat,
// so the full identifier is the (channel, chat, message) triple.
type MessageRef struct {
	ChatRef
	MessageID int
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%s:%d/%d", r.Channel, r.ChatID, r.MessageID)
}

// Chat describes the conversation a message belongs to.
type Chat struct {
	ID       int64
	Kind     ChatKind
	Username string // may be empty
	Title    string
}

// Peer is the author of a message in non-channel chats.
type Peer struct {
	ID       int64
	Username string // may be empty
	IsBot    bool
}

// MediaKind tags the attachment carried by a message.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaDocument
	MediaPhoto
)

func (k MediaKind) String() string {
	switch k {
	case MediaDocument:
		return "document"
	case MediaPhoto:
		return "photo"
	default:
		return "none"
	}
}

// Media is an attachment reference. Bytes are fetched on demand through the channel.
type Media struct {
	Kind     MediaKind
	FileID   string // platform file id used for download
	FileName string // document file name, empty if the document exposes none
	MimeType string
	Width    int
	Height   int
}

// Entity is a rich-text span. Offset and Length are in UTF-16 code units.
type Entity struct {
	Type   string // "bold", "italic", "text_link", ...
	Offset int
	Length int
	URL    string
}

// Text is a message body together with its formatting entities.
type Text struct {
	Body     string
	Entities []Entity
}

// Len returns the length of the body in UTF-16 code units.
func (t Text) Len() int {
	return UTF16Len(t.Body)
}

// UTF16Len returns the number of UTF-16 code units needed to encode s.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// MessageEvent is an immutable view of one observed message.
type MessageEvent struct {
	Ref      MessageRef
	Chat     Chat
	Sender   *Peer // nil for channel posts
	Text     string
	Entities []Entity
	Media    Media
}

// HasMedia reports whether the message carries an attachment. Edits to such
// messages change the caption rather than the text.
func (e MessageEvent) HasMedia() bool {
	return e.Media.Kind != MediaNone
}

// IsChannel reports whether the message was posted in a broadcast channel.
func (e MessageEvent) IsChannel() bool {
	return e.Chat.Kind == ChatChannel
}

// IsPrivate reports whether the message belongs to a one-to-one chat.
func (e MessageEvent) IsPrivate() bool {
	return e.Chat.Kind == ChatPrivate
}

// Outcome is the published record of one handled event, consumed by
// subscribers such as the stats collector.
type Outcome struct {
	Ref      MessageRef
	Category string        // "media-document", "attributable-text", "photo", "ignored"
	Action   string        // "none", "edited", "replaced"
	Reason   string        // reason code, "ok" on success
	Err      error         // underlying failure, nil on success
	Duration time.Duration // time spent handling
}
