package channels

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/transform"
)

// Channel is a messaging platform connection. It publishes the account's
// messages onto the bus and performs the engine's edits, deletes and sends.
type Channel interface {
	transform.Client
	Name() string
	Start(ctx context.Context) error
	Stop() error
	IsAllowed(chatID int64) bool
}

// ChannelFactory creates a Channel from JSON config and a MessageBus.
type ChannelFactory func(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error)

var registry = map[string]ChannelFactory{}

// Register adds a channel factory to the registry.
func Register(name string, factory ChannelFactory) {
	registry[name] = factory
}

// GetFactory returns the factory for a channel name.
func GetFactory(name string) (ChannelFactory, bool) {
	f, ok := registry[name]
	return f, ok
}

// RegisteredNames returns all registered channel names, sorted.
func RegisteredNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
