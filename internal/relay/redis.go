// Package relay mirrors domain events between server instances over Redis
// pub/sub so stream clients see changes made through any instance.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"officemafia/internal/game"
	"officemafia/internal/lifecycle"
)

const (
	channelPrefix  = "officemafia:events:"
	channelPattern = channelPrefix + "*"
	publishTimeout = 2 * time.Second
)

// Channel returns the pub/sub channel for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

type Relay struct {
	client   *redis.Client
	local    lifecycle.Publisher
	instance string
	logger   *slog.Logger
}

// New connects to redisURL (redis://host:port/db). Events received from
// other instances are handed to local.
func New(ctx context.Context, redisURL string, local lifecycle.Publisher, logger *slog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		client:   client,
		local:    local,
		instance: uuid.NewString(),
		logger:   logger,
	}
	r.logger.Info("event relay connected", slog.String("addr", opts.Addr), slog.String("instance", r.instance))
	return r, nil
}

// Publish forwards e to the other instances. Failures are logged; local
// delivery never depends on Redis.
func (r *Relay) Publish(e game.Event) {
	data, err := encode(r.instance, e)
	if err != nil {
		r.logger.Error("encode relayed event", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, Channel(e.Session()), data).Err(); err != nil {
		r.logger.Warn("relay publish failed",
			slog.String("session_id", e.Session()),
			slog.String("error", err.Error()))
	}
}

// Run receives events from other instances until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channelPattern, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.deliver(msg.Channel, msg.Payload)
		}
	}
}

func (r *Relay) deliver(channel, payload string) {
	origin, e, err := decode([]byte(payload))
	if err != nil {
		r.logger.Warn("drop malformed relayed event",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}
	if origin == r.instance {
		return
	}
	if want := strings.TrimPrefix(channel, channelPrefix); want != e.Session() {
		r.logger.Warn("relayed event on wrong channel",
			slog.String("channel", channel),
			slog.String("session_id", e.Session()))
		return
	}
	r.local.Publish(e)
}

func (r *Relay) Close() error {
	return r.client.Close()
}

type message struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

func encode(origin string, e game.Event) ([]byte, error) {
	raw, err := game.MarshalEvent(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Origin: origin, Event: raw})
}

func decode(data []byte) (string, game.Event, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("decode relay message: %w", err)
	}
	e, err := game.UnmarshalEvent(m.Event)
	if err != nil {
		return "", nil, err
	}
	return m.Origin, e, nil
}
