// Package activity carries the change sets produced by mutations to whoever
// records or streams them.
package activity

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-core/domain"
)

// Event is one committed mutation.
type Event struct {
	UserID    string           `json:"userId"`
	CommandID string           `json:"commandId,omitempty"`
	Changes   domain.ChangeSet `json:"changes"`
	At        time.Time        `json:"at"`
}

// Publisher sends events to a Redis channel. Without a client it logs them
// and hands them to the local broker, if any.
type Publisher struct {
	redis   *redis.Client
	channel string
	local   *Broker
	now     func() time.Time
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{redis: client, channel: channel, now: time.Now}
}

// WithLocal makes a Redis-less publisher deliver events to b.
func (p *Publisher) WithLocal(b *Broker) *Publisher {
	p.local = b
	return p
}

// Publish records cs. Empty change sets are dropped. A failed publish is
// logged and not returned since the mutation is already committed.
func (p *Publisher) Publish(ctx context.Context, userID, commandID string, cs domain.ChangeSet) {
	if cs.Empty() {
		return
	}
	ev := Event{UserID: userID, CommandID: commandID, Changes: cs, At: p.now().UTC()}
	fields := log.Fields{
		"user":      userID,
		"command":   commandID,
		"positions": len(cs.Positions),
		"statuses":  len(cs.Statuses),
		"created":   len(cs.Created),
		"deleted":   len(cs.Deleted),
	}
	if p.redis == nil {
		log.WithFields(fields).Info("activity")
		if p.local != nil {
			p.local.Broadcast(ev)
		}
		return
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("encode activity")
		return
	}
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		log.WithFields(fields).WithError(err).Error("publish activity")
		return
	}
	log.WithFields(fields).Debug("activity published")
}

// Subscribe delivers every event published on channel to handle until ctx
// is done, resubscribing when the connection drops.
func Subscribe(ctx context.Context, rc *redis.Client, channel string, handle func(Event)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					log.WithError(err).WithField("channel", channel).Error("unable to parse activity")
					continue
				}
				handle(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
