package channels

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"gate-event-core/internal/approval"
	"gate-event-core/internal/auth"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/config"
)

// Provider types accepted in approval.providers
const (
	ProviderWebhook   = "webhook"
	ProviderRedis     = "redis"
	ProviderWebSocket = "websocket"
	ProviderLog       = "log"
)

// Deps carries the shared clients senders may be built on
type Deps struct {
	Redis  *redis.Client
	Hub    Broadcaster
	Signer *auth.PayloadSigner
	Clock  clock.Clock
	Logger *logrus.Logger
}

// Build creates one sender per configured approval channel
func Build(cfg *config.Config, deps Deps) (map[string]approval.Sender, error) {
	senders := make(map[string]approval.Sender, len(cfg.Approval.Channels))

	for _, channel := range cfg.Approval.Channels {
		sender, err := buildSender(channel, cfg.ProviderFor(channel), deps)
		if err != nil {
			return nil, err
		}
		senders[channel] = sender
	}
	return senders, nil
}

func buildSender(channel string, provider config.ProviderConfig, deps Deps) (approval.Sender, error) {
	switch provider.Type {
	case ProviderWebhook:
		if provider.URL == "" {
			return nil, fmt.Errorf("channel %s: webhook provider requires a url", channel)
		}
		clk := deps.Clock
		if clk == nil {
			clk = clock.Real()
		}
		return NewWebhookSender(provider.URL, deps.Signer, clk), nil
	case ProviderRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("channel %s: redis provider requires a redis connection", channel)
		}
		return NewRedisSender(deps.Redis, provider.URL), nil
	case ProviderWebSocket:
		if deps.Hub == nil {
			return nil, fmt.Errorf("channel %s: websocket provider requires the live feed", channel)
		}
		return NewBroadcastSender(deps.Hub), nil
	case ProviderLog, "":
		return NewLogSender(deps.Logger), nil
	default:
		return nil, fmt.Errorf("channel %s: unknown provider type %q", channel, provider.Type)
	}
}

// NeedsRedis reports whether any configured channel is served through redis
func NeedsRedis(cfg *config.Config) bool {
	for _, channel := range cfg.Approval.Channels {
		if cfg.ProviderFor(channel).Type == ProviderRedis {
			return true
		}
	}
	return false
}
