package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/retry"
	"github.com/coopco/stampbot/internal/transform"
)

const testToken = "123:abc"

// fakeBotAPI answers Bot API methods and records submitted forms.
type fakeBotAPI struct {
	mu        sync.Mutex
	forms     map[string]url.Values
	files     map[string][]byte
	responses map[string]string // method -> raw JSON response
	status    map[string]int
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		forms:     make(map[string]url.Values),
		files:     make(map[string][]byte),
		responses: make(map[string]string),
		status:    make(map[string]int),
	}
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		f.mu.Lock()
		data, ok := f.files[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
		return
	}

	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.ParseMultipartForm(1 << 20)
	} else {
		r.ParseForm()
	}

	f.mu.Lock()
	f.forms[method] = r.Form
	resp, ok := f.responses[method]
	status := f.status[method]
	f.mu.Unlock()

	if !ok {
		switch method {
		case "getMe":
			resp = `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"stamp","username":"stampbot"}}`
		default:
			resp = `{"ok":true,"result":true}`
		}
	}
	if status != 0 {
		w.WriteHeader(status)
	}
	io.WriteString(w, resp)
}

func (f *fakeBotAPI) form(method string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[method]
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, extra string) (*TelegramChannel, *bus.MessageBus) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := fmt.Sprintf(`{"token":%q,"apiEndpoint":%q,"fileEndpoint":%q%s}`,
		testToken, srv.URL+"/bot%s/%s", srv.URL+"/file/bot%s/%s", extra)
	msgBus := bus.NewMessageBus(4)
	ch, err := newTelegramChannel(json.RawMessage(cfg), msgBus)
	if err != nil {
		t.Fatalf("newTelegramChannel: %v", err)
	}
	return ch.(*TelegramChannel), msgBus
}

func TestNewTelegramChannelRequiresToken(t *testing.T) {
	_, err := newTelegramChannel(json.RawMessage(`{}`), bus.NewMessageBus(1))
	if err == nil {
		t.Fatal("expected error without token")
	}
}

func TestNewTelegramChannelBadConfig(t *testing.T) {
	_, err := newTelegramChannel(json.RawMessage(`{"token":`), bus.NewMessageBus(1))
	if err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestTelegramIsAllowed(t *testing.T) {
	ch, _ := newTestTelegram(t, newFakeBotAPI(), `,"allowedChats":[-100]`)
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
	if !ch.IsAllowed(-100) {
		t.Error("expected -100 to be allowed")
	}
	if ch.IsAllowed(-200) {
		t.Error("expected -200 to be disallowed")
	}

	open, _ := newTestTelegram(t, newFakeBotAPI(), "")
	if !open.IsAllowed(12345) {
		t.Error("empty allowedChats should allow all")
	}
}

func TestTelegramHandleUpdate(t *testing.T) {
	ch, msgBus := newTestTelegram(t, newFakeBotAPI(), `,"ownerIds":[7]`)

	tests := []struct {
		name    string
		update  tgbotapi.Update
		publish bool
	}{
		{
			name: "channel post",
			update: tgbotapi.Update{ChannelPost: &tgbotapi.Message{
				MessageID: 1, Chat: &tgbotapi.Chat{ID: -100, Type: "channel", UserName: "mychannel"}, Text: "Hello",
			}},
			publish: true,
		},
		{
			name: "owner message",
			update: tgbotapi.Update{Message: &tgbotapi.Message{
				MessageID: 2, From: &tgbotapi.User{ID: 7}, Chat: &tgbotapi.Chat{ID: -5, Type: "group"}, Text: "hi",
			}},
			publish: true,
		},
		{
			name: "someone else",
			update: tgbotapi.Update{Message: &tgbotapi.Message{
				MessageID: 3, From: &tgbotapi.User{ID: 8}, Chat: &tgbotapi.Chat{ID: -5, Type: "group"}, Text: "hi",
			}},
			publish: false,
		},
		{name: "empty update", update: tgbotapi.Update{}, publish: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch.handleUpdate(context.Background(), tc.update)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := msgBus.ConsumeEvent(ctx)
			if got := err == nil; got != tc.publish {
				t.Errorf("published = %v, want %v", got, tc.publish)
			}
		})
	}
}

func TestTelegramHandleUpdateWithoutOwners(t *testing.T) {
	ch, msgBus := newTestTelegram(t, newFakeBotAPI(), "")

	stranger := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 10, From: &tgbotapi.User{ID: 4242, UserName: "stranger"},
		Chat:  &tgbotapi.Chat{ID: -5, Type: "group"},
		Photo: []tgbotapi.PhotoSize{{FileID: "p1", Width: 100, Height: 100}},
	}}
	ch.handleUpdate(context.Background(), stranger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := msgBus.ConsumeEvent(ctx); err == nil {
		t.Fatalf("another user's message was published: %+v", ev)
	}

	post := tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		MessageID: 11, Chat: &tgbotapi.Chat{ID: -100, Type: "channel", UserName: "mychannel"}, Text: "Hello",
	}}
	ch.handleUpdate(context.Background(), post)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := msgBus.ConsumeEvent(ctx2); err != nil {
		t.Fatalf("channel post was not published: %v", err)
	}
}

func TestTelegramHandleUpdateFullBusReleasedOnCancel(t *testing.T) {
	ch, _ := newTestTelegram(t, newFakeBotAPI(), "")
	post := func(id int) tgbotapi.Update {
		return tgbotapi.Update{ChannelPost: &tgbotapi.Message{
			MessageID: id, Chat: &tgbotapi.Chat{ID: -100, Type: "channel"}, Text: "x",
		}}
	}
	// newTestTelegram uses a bus buffer of 4
	for i := 1; i <= 4; i++ {
		ch.handleUpdate(context.Background(), post(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ch.handleUpdate(ctx, post(5))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish on a full bus should block")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleUpdate stayed blocked after cancel")
	}
}

func TestToEvent(t *testing.T) {
	tests := []struct {
		name     string
		msg      *tgbotapi.Message
		wantKind bus.MediaKind
		wantName string
		wantText string
		wantChat bus.ChatKind
		wantFile string
		wantBot  bool
	}{
		{
			name: "channel text",
			msg: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: -100, Type: "channel", UserName: "mychannel"},
				Text: "Hello", Entities: []tgbotapi.MessageEntity{{Type: "bold", Offset: 0, Length: 5}}},
			wantKind: bus.MediaNone, wantText: "Hello", wantChat: bus.ChatChannel,
		},
		{
			name: "audio document",
			msg: &tgbotapi.Message{MessageID: 2, Chat: &tgbotapi.Chat{ID: -100, Type: "channel"}, Caption: "cap",
				Audio: &tgbotapi.Audio{FileID: "a1", FileName: "track01.mp3", MimeType: "audio/mpeg"}},
			wantKind: bus.MediaDocument, wantName: "track01.mp3", wantText: "cap", wantChat: bus.ChatChannel, wantFile: "a1",
		},
		{
			name: "document",
			msg: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 5, Type: "private"}, From: &tgbotapi.User{ID: 5, IsBot: true, UserName: "b"},
				Document: &tgbotapi.Document{FileID: "d1", FileName: "report.pdf"}},
			wantKind: bus.MediaDocument, wantName: "report.pdf", wantChat: bus.ChatPrivate, wantFile: "d1", wantBot: true,
		},
		{
			name: "voice has no file name",
			msg:  &tgbotapi.Message{MessageID: 4, Chat: &tgbotapi.Chat{ID: 5, Type: "group"}, Voice: &tgbotapi.Voice{FileID: "v1"}},
			wantKind: bus.MediaDocument, wantChat: bus.ChatGroup, wantFile: "v1",
		},
		{
			name: "photo picks largest size",
			msg: &tgbotapi.Message{MessageID: 5, Chat: &tgbotapi.Chat{ID: -5, Type: "supergroup"}, Caption: "sunset",
				Photo: []tgbotapi.PhotoSize{{FileID: "small", Width: 90}, {FileID: "big", Width: 1280}}},
			wantKind: bus.MediaPhoto, wantText: "sunset", wantChat: bus.ChatSupergroup, wantFile: "big",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := toEvent(tc.msg)
			if ev.Ref.Channel != "telegram" || ev.Ref.ChatID != tc.msg.Chat.ID || ev.Ref.MessageID != tc.msg.MessageID {
				t.Errorf("ref = %+v", ev.Ref)
			}
			if ev.Media.Kind != tc.wantKind {
				t.Errorf("media kind = %v, want %v", ev.Media.Kind, tc.wantKind)
			}
			if ev.Media.FileName != tc.wantName {
				t.Errorf("file name = %q, want %q", ev.Media.FileName, tc.wantName)
			}
			if ev.Media.FileID != tc.wantFile {
				t.Errorf("file id = %q, want %q", ev.Media.FileID, tc.wantFile)
			}
			if ev.Text != tc.wantText {
				t.Errorf("text = %q, want %q", ev.Text, tc.wantText)
			}
			if ev.Chat.Kind != tc.wantChat {
				t.Errorf("chat kind = %q, want %q", ev.Chat.Kind, tc.wantChat)
			}
			if tc.wantBot && (ev.Sender == nil || !ev.Sender.IsBot) {
				t.Errorf("sender = %+v, want bot", ev.Sender)
			}
		})
	}
}

func TestTelegramEditMessage(t *testing.T) {
	api := newFakeBotAPI()
	ch, _ := newTestTelegram(t, api, "")

	text := bus.Text{Body: "Hello\n🆔 @c", Entities: []bus.Entity{{Type: "bold", Offset: 6, Length: 5}}}
	ref := bus.MessageRef{ChatRef: bus.ChatRef{Channel: "telegram", ChatID: -100}, MessageID: 9}

	if err := ch.EditMessage(context.Background(), transform.EditRequest{Ref: ref, Text: text}); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	form := api.form("editMessageText")
	if form.Get("text") != text.Body || form.Get("message_id") != "9" || form.Get("chat_id") != "-100" {
		t.Errorf("unexpected form %v", form)
	}
	var entities []tgbotapi.MessageEntity
	if err := json.Unmarshal([]byte(form.Get("entities")), &entities); err != nil || len(entities) != 1 || entities[0].Offset != 6 {
		t.Errorf("entities = %q (%v)", form.Get("entities"), err)
	}

	if err := ch.EditMessage(context.Background(), transform.EditRequest{Ref: ref, Text: text, Caption: true}); err != nil {
		t.Fatalf("EditMessage caption: %v", err)
	}
	if got := api.form("editMessageCaption").Get("caption"); got != text.Body {
		t.Errorf("caption = %q, want %q", got, text.Body)
	}
}

func TestTelegramEditMessageErrors(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		retryable bool
	}{
		{"flood wait", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`, true},
		{"server error", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, true},
		{"not editable", `{"ok":false,"error_code":400,"description":"Bad Request: message can't be edited"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeBotAPI()
			api.responses["editMessageText"] = tc.response
			ch, _ := newTestTelegram(t, api, "")

			err := ch.EditMessage(context.Background(), transform.EditRequest{Text: bus.Text{Body: "x"}})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsRetryable(err) != tc.retryable {
				t.Errorf("retryable = %v, want %v (err %v)", !tc.retryable, tc.retryable, err)
			}
			var tgErr *tgbotapi.Error
			if !errors.As(err, &tgErr) {
				t.Errorf("expected wrapped tgbotapi.Error, got %T", err)
			}
		})
	}
}

func TestTelegramDeleteMessage(t *testing.T) {
	api := newFakeBotAPI()
	ch, _ := newTestTelegram(t, api, "")

	ref := bus.MessageRef{ChatRef: bus.ChatRef{Channel: "telegram", ChatID: -5}, MessageID: 3}
	if err := ch.DeleteMessage(context.Background(), ref); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if form := api.form("deleteMessage"); form.Get("message_id") != "3" || form.Get("chat_id") != "-5" {
		t.Errorf("unexpected form %v", form)
	}
}

func TestTelegramDownloadMedia(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["getFile"] = `{"ok":true,"result":{"file_id":"p1","file_path":"photos/file_1.jpg"}}`
	api.files["/file/bot"+testToken+"/photos/file_1.jpg"] = []byte("jpeg-bytes")
	ch, _ := newTestTelegram(t, api, "")

	ref := bus.MessageRef{ChatRef: bus.ChatRef{Channel: "telegram", ChatID: -5}, MessageID: 4}
	data, err := ch.DownloadMedia(context.Background(), ref, bus.Media{Kind: bus.MediaPhoto, FileID: "p1"})
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("data = %q", data)
	}
	if got := api.form("getFile").Get("file_id"); got != "p1" {
		t.Errorf("file_id = %q, want p1", got)
	}
}

func TestTelegramDownloadMediaErrors(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["getFile"] = `{"ok":true,"result":{"file_id":"p1","file_path":"photos/big.jpg"}}`
	api.files["/file/bot"+testToken+"/photos/big.jpg"] = []byte("0123456789")
	ch, _ := newTestTelegram(t, api, `,"maxDownloadBytes":4`)
	ref := bus.MessageRef{ChatRef: bus.ChatRef{Channel: "telegram", ChatID: -5}, MessageID: 4}

	if _, err := ch.DownloadMedia(context.Background(), ref, bus.Media{}); err == nil {
		t.Error("expected error without file id")
	}
	if _, err := ch.DownloadMedia(context.Background(), ref, bus.Media{FileID: "p1"}); err == nil {
		t.Error("expected error for oversized media")
	}

	api.responses["getFile"] = `{"ok":true,"result":{"file_id":"p2","file_path":"photos/missing.jpg"}}`
	if _, err := ch.DownloadMedia(context.Background(), ref, bus.Media{FileID: "p2"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTelegramSendPhoto(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["sendPhoto"] = `{"ok":true,"result":{"message_id":555,"chat":{"id":-5,"type":"group"},"date":0}}`
	ch, _ := newTestTelegram(t, api, "")

	chat := bus.ChatRef{Channel: "telegram", ChatID: -5}
	caption := bus.Text{Body: "🆔 @c", Entities: []bus.Entity{{Type: "bold", Offset: 0, Length: 5}}}
	ref, err := ch.SendPhoto(context.Background(), chat, []byte("jpeg"), caption)
	if err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if ref.MessageID != 555 || ref.ChatRef != chat {
		t.Errorf("ref = %+v", ref)
	}
	form := api.form("sendPhoto")
	if form.Get("caption") != caption.Body || form.Get("chat_id") != "-5" {
		t.Errorf("unexpected form %v", form)
	}
}

func TestTelegramStop(t *testing.T) {
	ch, _ := newTestTelegram(t, newFakeBotAPI(), "")
	if err := ch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ch.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestTelegramLimiterHonoursContext(t *testing.T) {
	ch, _ := newTestTelegram(t, newFakeBotAPI(), `,"requestsPerSecond":0.001`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// burst token consumed by the first call; the second must fail on ctx
	ch.DeleteMessage(context.Background(), bus.MessageRef{})
	if err := ch.DeleteMessage(ctx, bus.MessageRef{}); err == nil {
		t.Fatal("expected context error while rate limited")
	}
}
