package webhooks

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"settingsync/config"
)

const defaultInterval = time.Second

type Config interface {
	GetWebhookInterval() time.Duration
	GetWebhooks() []config.Webhook
}

// WebhooksSender collects messages and posts them to every configured
// listener once per interval. A failing listener never affects the others.
type WebhooksSender struct {
	mu         sync.Mutex
	collection webhookCollection

	sendMu   sync.Mutex
	webhooks []*webhook
	interval time.Duration
}

func NewWebhooksSender(cfg Config) (*WebhooksSender, error) {
	var hooks []*webhook
	for _, configWh := range cfg.GetWebhooks() {
		wh, err := webhookFromConfigWebhook(configWh)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, wh)
	}

	interval := cfg.GetWebhookInterval()
	if interval <= 0 {
		interval = defaultInterval
	}

	return &WebhooksSender{
		webhooks: hooks,
		interval: interval,
	}, nil
}

// AddMessage queues message for the next send
func (sender *WebhooksSender) AddMessage(whType WebhookType, message any) {
	if whType >= webhookTypesLength || len(sender.webhooks) == 0 {
		return
	}
	sender.mu.Lock()
	sender.collection[whType].Messages = append(sender.collection[whType].Messages, webhookMessage{
		Type:    webhookTypeToPayloadType[whType],
		Message: message,
	})
	sender.mu.Unlock()
}

// Pending returns the number of queued messages
func (sender *WebhooksSender) Pending() int {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return sender.collection.size()
}

// Listeners returns the number of configured listeners
func (sender *WebhooksSender) Listeners() int {
	return len(sender.webhooks)
}

func (sender *WebhooksSender) takeCollection() *webhookCollection {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.collection.size() == 0 {
		return nil
	}
	current := sender.collection
	sender.collection = webhookCollection{}
	return &current
}

func (sender *WebhooksSender) send() {
	sender.sendMu.Lock()
	defer sender.sendMu.Unlock()

	collection := sender.takeCollection()
	if collection == nil {
		return
	}

	var wg sync.WaitGroup
	for _, wh := range sender.webhooks {
		wg.Add(1)
		go func(wh *webhook) {
			defer wg.Done()
			if err := wh.sendCollection(collection); err != nil {
				log.Warnf("Webhook: %s", err)
			}
		}(wh)
	}
	wg.Wait()
}

// Run sends queued messages every interval until ctx is cancelled
func (sender *WebhooksSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(sender.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sender.send()
		}
	}
}

// Flush sends everything queued and waits for every listener
func (sender *WebhooksSender) Flush() {
	sender.send()
}
