// Package notify delivers rollout events to external channels. Every
// sink is best effort: a delivery failure is logged and written to the
// local fallback log, never surfaced as a rollout error.
package notify

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, event models.NotificationEvent) bool
}

type Sink interface {
	Deliver(ctx context.Context, event models.NotificationEvent) error
	Name() string
}

// Fanout sends each event to every configured sink and falls back to
// the local notification log for each sink that failed, so no event is
// silently lost even with the channel unreachable.
type Fanout struct {
	sinks       []Sink
	fallbackLog string
}

func NewFanout(fallbackLogPath string, sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:       sinks,
		fallbackLog: fallbackLogPath,
	}
}

func (f *Fanout) Notify(ctx context.Context, event models.NotificationEvent) bool {
	delivered := true
	for _, sink := range f.sinks {
		err := sink.Deliver(ctx, event)
		if err == nil {
			continue
		}
		delivered = false
		log.Error().Err(err).Msgf("failed to deliver %s event via %s, writing to fallback log", event.Type, sink.Name())
		f.writeFallback(event, sink.Name())
	}
	return delivered
}

func (f *Fanout) writeFallback(event models.NotificationEvent, sinkName string) {
	if f.fallbackLog == "" {
		return
	}
	line, err := json.Marshal(struct {
		Sink string `json:"sink"`
		models.NotificationEvent
	}{Sink: sinkName, NotificationEvent: event})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal fallback notification")
		return
	}
	file, err := os.OpenFile(f.fallbackLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Msgf("failed to open notification fallback log %s", f.fallbackLog)
		return
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to append to notification fallback log")
	}
}
