package main

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-core/api"
	"prism-core/domain"
	"prism-core/storage"
)

type messageQueue interface {
	Dequeue(ctx context.Context) (*storage.Message, error)
	Delete(ctx context.Context, id, receipt string) error
}

// processor drains the command queue. A message is deleted once its command
// is applied, rejected as invalid or seen before. Infrastructure failures
// leave it on the queue so it reappears after the visibility timeout, until
// maxAttempts deliveries have been made.
type processor struct {
	queue       messageQueue
	commands    api.Applier
	deduper     api.Deduper
	publisher   api.Publisher
	poll        time.Duration
	maxAttempts int64
}

func (p *processor) run(ctx context.Context) {
	for ctx.Err() == nil {
		handled, err := p.processNext(ctx)
		if err != nil {
			log.WithError(err).Error("process command")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.poll):
		}
	}
}

// retryable reports whether applying the command again may succeed.
func retryable(err error) bool {
	for _, kind := range []error{
		domain.ErrInvalidCommand,
		domain.ErrInvalidPosition,
		domain.ErrScopeMismatch,
		domain.ErrInvalidRecurrence,
		domain.ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return false
		}
	}
	return true
}

// processNext handles at most one message and reports whether one was
// dequeued.
func (p *processor) processNext(ctx context.Context) (bool, error) {
	msg, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	fields := log.Fields{"message": msg.ID, "attempt": msg.DequeueCount}

	var env domain.CommandEnvelope
	if err := sonic.UnmarshalString(msg.Text, &env); err != nil {
		log.WithFields(fields).WithError(err).Error("dropping undecodable message")
		return true, p.queue.Delete(ctx, msg.ID, msg.PopReceipt)
	}
	fields["user"] = env.UserID
	fields["command"] = env.Command.ID
	key := env.Command.IdempotencyKey

	if p.deduper != nil && key != "" {
		added, err := p.deduper.Add(ctx, env.UserID, key)
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("deduper unavailable")
		} else if !added {
			log.WithFields(fields).Debug("duplicate command")
			return true, p.queue.Delete(ctx, msg.ID, msg.PopReceipt)
		}
	}

	cs, err := p.commands.Apply(ctx, env)
	if err != nil {
		if retryable(err) && (p.maxAttempts <= 0 || msg.DequeueCount < p.maxAttempts) {
			if p.deduper != nil && key != "" {
				if rerr := p.deduper.Remove(ctx, env.UserID, key); rerr != nil {
					log.WithFields(fields).WithError(rerr).Warn("release idempotency key")
				}
			}
			return true, err
		}
		log.WithFields(fields).WithError(err).Warn("command rejected")
		return true, p.queue.Delete(ctx, msg.ID, msg.PopReceipt)
	}
	if p.publisher != nil {
		p.publisher.Publish(ctx, env.UserID, env.Command.ID, cs)
	}
	log.WithFields(fields).Debug("command applied")
	return true, p.queue.Delete(ctx, msg.ID, msg.PopReceipt)
}
