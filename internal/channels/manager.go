package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/transform"
)

// Manager owns the configured channels and routes the engine's platform calls
// to the channel a message came from. It implements transform.Client.
type Manager struct {
	channels []Channel
	bus      *bus.MessageBus
	mu       sync.Mutex
}

var _ transform.Client = (*Manager)(nil)

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{bus: msgBus}
}

// AddChannel creates and adds a channel from config.
func (m *Manager) AddChannel(name string, cfgJSON json.RawMessage) error {
	factory, ok := GetFactory(name)
	if !ok {
		return fmt.Errorf("no factory registered for channel %q (known: %s)", name, strings.Join(RegisteredNames(), ", "))
	}
	ch, err := factory(cfgJSON, m.bus)
	if err != nil {
		return fmt.Errorf("failed to create channel %q: %w", name, err)
	}
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return nil
}

// StartAll starts all registered channels.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, ch := range m.snapshot() {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start channel %q: %w", ch.Name(), err)
		}
		slog.Info("channel started", "channel", ch.Name())
	}
	return nil
}

// StopAll stops all channels.
func (m *Manager) StopAll() error {
	var firstErr error
	for _, ch := range m.snapshot() {
		if err := ch.Stop(); err != nil {
			slog.Error("failed to stop channel", "channel", ch.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) EditMessage(ctx context.Context, req transform.EditRequest) error {
	ch, err := m.lookup(req.Ref.Channel)
	if err != nil {
		return err
	}
	return ch.EditMessage(ctx, req)
}

func (m *Manager) DeleteMessage(ctx context.Context, ref bus.MessageRef) error {
	ch, err := m.lookup(ref.Channel)
	if err != nil {
		return err
	}
	return ch.DeleteMessage(ctx, ref)
}

func (m *Manager) DownloadMedia(ctx context.Context, ref bus.MessageRef, media bus.Media) ([]byte, error) {
	ch, err := m.lookup(ref.Channel)
	if err != nil {
		return nil, err
	}
	return ch.DownloadMedia(ctx, ref, media)
}

func (m *Manager) SendPhoto(ctx context.Context, chat bus.ChatRef, image []byte, caption bus.Text) (bus.MessageRef, error) {
	ch, err := m.lookup(chat.Channel)
	if err != nil {
		return bus.MessageRef{}, err
	}
	return ch.SendPhoto(ctx, chat, image, caption)
}

func (m *Manager) lookup(name string) (Channel, error) {
	for _, ch := range m.snapshot() {
		if ch.Name() == name {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("no channel %q configured", name)
}

func (m *Manager) snapshot() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	chs := make([]Channel, len(m.channels))
	copy(chs, m.channels)
	return chs
}
