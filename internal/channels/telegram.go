package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/retry"
	"github.com/coopco/stampbot/internal/transform"
)

const telegramName = "telegram"

const defaultMaxDownload = 20 << 20 // Bot API getFile limit

func init() {
	Register(telegramName, newTelegramChannel)
	if err := tgbotapi.SetLogger(slogBotLogger{}); err != nil {
		slog.Warn("telegram: failed to install logger", "err", err)
	}
}

type telegramConfig struct {
	Token             string  `json:"token"`
	APIEndpoint       string  `json:"apiEndpoint"`  // defaults to tgbotapi.APIEndpoint
	FileEndpoint      string  `json:"fileEndpoint"` // defaults to tgbotapi.FileEndpoint
	AllowedChats      []int64 `json:"allowedChats"`
	OwnerIDs          []int64 `json:"ownerIds"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	MaxDownloadBytes  int64   `json:"maxDownloadBytes"`
	PollTimeout       int     `json:"pollTimeout"` // seconds
}

// TelegramChannel observes the account's messages through Bot API long
// polling and applies transformations with the same bot.
type TelegramChannel struct {
	bot          *tgbotapi.BotAPI
	bus          *bus.MessageBus
	http         *http.Client
	fileEndpoint string
	allowedChats map[int64]bool
	owners       map[int64]bool
	limiter      *rate.Limiter
	maxDownload  int64
	pollTimeout  int
	stopOnce     sync.Once
	stopCh       chan struct{}
}

var _ Channel = (*TelegramChannel)(nil)

func newTelegramChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var tcfg telegramConfig
	if err := json.Unmarshal(cfg, &tcfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}
	if tcfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if tcfg.APIEndpoint == "" {
		tcfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if tcfg.FileEndpoint == "" {
		tcfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if tcfg.PollTimeout <= 0 {
		tcfg.PollTimeout = 60
	}
	if tcfg.MaxDownloadBytes <= 0 {
		tcfg.MaxDownloadBytes = defaultMaxDownload
	}

	// long polling holds requests open for PollTimeout seconds
	client := &http.Client{Timeout: time.Duration(tcfg.PollTimeout+30) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(tcfg.Token, tcfg.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	limit := rate.Inf
	if tcfg.RequestsPerSecond > 0 {
		limit = rate.Limit(tcfg.RequestsPerSecond)
	}

	return &TelegramChannel{
		bot:          bot,
		bus:          msgBus,
		http:         client,
		fileEndpoint: tcfg.FileEndpoint,
		allowedChats: idSet(tcfg.AllowedChats),
		owners:       idSet(tcfg.OwnerIDs),
		limiter:      rate.NewLimiter(limit, 1),
		maxDownload:  tcfg.MaxDownloadBytes,
		pollTimeout:  tcfg.PollTimeout,
		stopCh:       make(chan struct{}),
	}, nil
}

func (c *TelegramChannel) Name() string { return telegramName }

func (c *TelegramChannel) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := c.bot.GetUpdatesChan(u)

	// Stop cancels the poll context so a publish blocked on a full bus
	// is released too.
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("telegram: polling updates", "bot", c.bot.Self.UserName)
	go func() {
		defer cancel()
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(ctx, update)
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			}
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

func (c *TelegramChannel) IsAllowed(chatID int64) bool {
	if len(c.allowedChats) == 0 {
		return true
	}
	return c.allowedChats[chatID]
}

// isOwner reports whether a non-channel message was written by the account
// being watched. With no owners configured only channel posts are handled.
func (c *TelegramChannel) isOwner(from *tgbotapi.User) bool {
	return from != nil && c.owners[from.ID]
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}
	if !c.IsAllowed(msg.Chat.ID) {
		slog.Debug("telegram: message from disallowed chat", "chatID", msg.Chat.ID)
		return
	}
	if !msg.Chat.IsChannel() && !c.isOwner(msg.From) {
		return
	}
	if err := c.bus.PublishEvent(ctx, toEvent(msg)); err != nil {
		slog.Debug("telegram: update dropped on shutdown", "chatID", msg.Chat.ID, "messageID", msg.MessageID, "err", err)
	}
}

func (c *TelegramChannel) EditMessage(ctx context.Context, req transform.EditRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var cfg tgbotapi.Chattable
	if req.Caption {
		e := tgbotapi.NewEditMessageCaption(req.Ref.ChatID, req.Ref.MessageID, req.Text.Body)
		e.CaptionEntities = toTelegramEntities(req.Text.Entities)
		cfg = e
	} else {
		e := tgbotapi.NewEditMessageText(req.Ref.ChatID, req.Ref.MessageID, req.Text.Body)
		e.Entities = toTelegramEntities(req.Text.Entities)
		cfg = e
	}
	if _, err := c.bot.Request(cfg); err != nil {
		return classifyError(fmt.Errorf("telegram: edit %s: %w", req.Ref, err))
	}
	return nil
}

// DeleteMessage returns once the Bot API has confirmed the deletion.
func (c *TelegramChannel) DeleteMessage(ctx context.Context, ref bus.MessageRef) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID)); err != nil {
		return classifyError(fmt.Errorf("telegram: delete %s: %w", ref, err))
	}
	return nil
}

func (c *TelegramChannel) DownloadMedia(ctx context.Context, ref bus.MessageRef, media bus.Media) ([]byte, error) {
	if media.FileID == "" {
		return nil, fmt.Errorf("telegram: message %s has no downloadable media", ref)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: media.FileID})
	if err != nil {
		return nil, classifyError(fmt.Errorf("telegram: get file %s: %w", media.FileID, err))
	}

	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyError(fmt.Errorf("telegram: download %s: %w", ref, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("telegram: download %s: HTTP %d", ref, resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, retry.NewRetryable(err, 0)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, classifyError(fmt.Errorf("telegram: read %s: %w", ref, err))
	}
	if int64(len(data)) > c.maxDownload {
		return nil, fmt.Errorf("telegram: media of %s exceeds %d bytes", ref, c.maxDownload)
	}
	return data, nil
}

func (c *TelegramChannel) SendPhoto(ctx context.Context, chat bus.ChatRef, image []byte, caption bus.Text) (bus.MessageRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return bus.MessageRef{}, err
	}
	p := tgbotapi.NewPhoto(chat.ChatID, tgbotapi.FileBytes{Name: "image.jpg", Bytes: image})
	p.Caption = caption.Body
	p.CaptionEntities = toTelegramEntities(caption.Entities)
	sent, err := c.bot.Send(p)
	if err != nil {
		return bus.MessageRef{}, classifyError(fmt.Errorf("telegram: send photo to %d: %w", chat.ChatID, err))
	}
	return bus.MessageRef{ChatRef: chat, MessageID: sent.MessageID}, nil
}

// toEvent converts a Bot API message into the engine's event model.
func toEvent(m *tgbotapi.Message) bus.MessageEvent {
	ev := bus.MessageEvent{
		Ref: bus.MessageRef{
			ChatRef:   bus.ChatRef{Channel: telegramName, ChatID: m.Chat.ID},
			MessageID: m.MessageID,
		},
		Chat: bus.Chat{
			ID:       m.Chat.ID,
			Kind:     bus.ChatKind(m.Chat.Type),
			Username: m.Chat.UserName,
			Title:    m.Chat.Title,
		},
		Text:     m.Text,
		Entities: fromTelegramEntities(m.Entities),
		Media:    toMedia(m),
	}
	if m.From != nil {
		ev.Sender = &bus.Peer{ID: m.From.ID, Username: m.From.UserName, IsBot: m.From.IsBot}
	}
	if ev.HasMedia() {
		ev.Text = m.Caption
		ev.Entities = fromTelegramEntities(m.CaptionEntities)
	}
	return ev
}

func toMedia(m *tgbotapi.Message) bus.Media {
	doc := func(fileID, name, mime string) bus.Media {
		return bus.Media{Kind: bus.MediaDocument, FileID: fileID, FileName: name, MimeType: mime}
	}
	switch {
	case m.Document != nil:
		return doc(m.Document.FileID, m.Document.FileName, m.Document.MimeType)
	case m.Audio != nil:
		return doc(m.Audio.FileID, m.Audio.FileName, m.Audio.MimeType)
	case m.Video != nil:
		return doc(m.Video.FileID, m.Video.FileName, m.Video.MimeType)
	case m.Animation != nil:
		return doc(m.Animation.FileID, m.Animation.FileName, m.Animation.MimeType)
	case m.Voice != nil:
		return doc(m.Voice.FileID, "", m.Voice.MimeType)
	case len(m.Photo) > 0:
		// sizes are ordered smallest first
		p := m.Photo[len(m.Photo)-1]
		return bus.Media{Kind: bus.MediaPhoto, FileID: p.FileID, MimeType: "image/jpeg", Width: p.Width, Height: p.Height}
	default:
		return bus.Media{}
	}
}

func fromTelegramEntities(in []tgbotapi.MessageEntity) []bus.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]bus.Entity, len(in))
	for i, e := range in {
		out[i] = bus.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL}
	}
	return out
}

func toTelegramEntities(in []bus.Entity) []tgbotapi.MessageEntity {
	if len(in) == 0 {
		return nil
	}
	out := make([]tgbotapi.MessageEntity, len(in))
	for i, e := range in {
		out[i] = tgbotapi.MessageEntity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL}
	}
	return out
}

// classifyError marks flood-wait, server-side and network failures as
// retryable. Everything else (bad request, forbidden) is terminal.
func classifyError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		if tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500 {
			return retry.NewRetryable(err, time.Duration(tgErr.RetryAfter)*time.Second)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.NewRetryable(err, 0)
	}
	return err
}

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// slogBotLogger routes the library's log output through slog.
type slogBotLogger struct{}

func (slogBotLogger) Println(v ...interface{}) {
	slog.Debug("telegram: " + fmt.Sprint(v...))
}

func (slogBotLogger) Printf(format string, v ...interface{}) {
	slog.Debug("telegram: " + fmt.Sprintf(format, v...))
}
