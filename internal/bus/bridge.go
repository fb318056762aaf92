package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Bridge mirrors hub events onto NATS subjects. Audio levels are only
// forwarded when cfg.PublishLevels is set.
type Bridge struct {
	cfg    config.BusConfig
	client *Client
	sub    *events.Subscription
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(cfg config.BusConfig, client *Client, hub *events.Hub, logger *slog.Logger) *Bridge {
	kinds := []protocol.EventKind{protocol.EventTranscription, protocol.EventSessionError}
	if cfg.PublishLevels {
		kinds = append(kinds, protocol.EventAudioLevel)
	}
	return &Bridge{
		cfg:    cfg,
		client: client,
		sub:    hub.Subscribe(64, kinds...),
		logger: logger.With(slog.String("component", "bus-bridge")),
	}
}

func (b *Bridge) Start(parent context.Context) {
	if b.cfg.TranscriptStream != "" {
		subjects := []string{protocol.SubjectTranscriptFinal, protocol.SubjectSessionError}
		if err := b.client.EnsureStream(b.cfg.TranscriptStream, subjects, 7*24*time.Hour); err != nil {
			b.logger.Warn("transcript stream unavailable", slog.String("stream", b.cfg.TranscriptStream), slogError(err))
		}
	}
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.C():
			if !ok {
				return
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) forward(ev protocol.Event) {
	var (
		subject string
		payload any
	)
	switch ev.Kind {
	case protocol.EventAudioLevel:
		subject, payload = protocol.SubjectAudioLevel, ev.Level
	case protocol.EventTranscription:
		subject, payload = protocol.SubjectTranscriptFinal, ev.Transcription
	case protocol.EventSessionError:
		subject, payload = protocol.SubjectSessionError, ev.Error
	default:
		return
	}
	if err := b.client.PublishJSON(subject, payload); err != nil {
		b.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// Close stops forwarding and releases the hub subscription.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.sub.Close()
	if missed := b.sub.Missed(); missed > 0 {
		b.logger.Warn("bridge missed events", slog.Uint64("missed", missed))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
