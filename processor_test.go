package main

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-core/activity"
	"prism-core/api"
	"prism-core/domain"
	"prism-core/storage"
	"prism-core/storage/memory"
)

type fakeQueue struct {
	pending []*storage.Message
	deleted []string
}

func (q *fakeQueue) Dequeue(context.Context) (*storage.Message, error) {
	if len(q.pending) == 0 {
		return nil, nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	m.DequeueCount++
	return m, nil
}

func (q *fakeQueue) Delete(_ context.Context, id, _ string) error {
	q.deleted = append(q.deleted, id)
	return nil
}

type failingApplier struct{ err error }

func (f failingApplier) Apply(context.Context, domain.CommandEnvelope) (domain.ChangeSet, error) {
	return domain.ChangeSet{}, f.err
}

func envelopeMessage(t *testing.T, id, key, cmdType, data string) *storage.Message {
	t.Helper()
	env := domain.CommandEnvelope{UserID: "u1", Command: domain.Command{
		ID:             key,
		IdempotencyKey: key,
		EntityType:     domain.EntityTask,
		Type:           cmdType,
		Data:           []byte(data),
	}}
	text, err := sonic.MarshalString(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &storage.Message{ID: id, PopReceipt: "r-" + id, Text: text}
}

func newTestProcessor(t *testing.T, q *fakeQueue) (*processor, *memory.Store, *redis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	st := memory.New()
	svc := domain.NewTaskService(st).WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	})
	return &processor{
		queue:       q,
		commands:    domain.NewOrchestrator(svc),
		deduper:     api.NewRedisDeduper(rc, time.Hour),
		publisher:   activity.NewPublisher(rc, "activity"),
		poll:        time.Millisecond,
		maxAttempts: 3,
	}, st, rc
}

func TestProcessorAppliesAndPublishes(t *testing.T) {
	q := &fakeQueue{pending: []*storage.Message{
		envelopeMessage(t, "m1", "k1", domain.CreateTask, `{"id":"t1","title":"first"}`),
	}}
	p, st, rc := newTestProcessor(t, q)
	ctx := context.Background()

	sub := rc.Subscribe(ctx, "activity")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	handled, err := p.processNext(ctx)
	if !handled || err != nil {
		t.Fatalf("processNext = %v, %v", handled, err)
	}
	if got, _ := st.GetTask(ctx, "t1"); got == nil || got.OwnerID != "u1" {
		t.Fatalf("task not applied: %#v", got)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "m1" {
		t.Fatalf("message not deleted: %v", q.deleted)
	}
	select {
	case msg := <-sub.Channel():
		var ev activity.Event
		if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.UserID != "u1" || ev.CommandID != "k1" || len(ev.Changes.Created) != 1 {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no activity published")
	}

	handled, err = p.processNext(ctx)
	if handled || err != nil {
		t.Fatalf("empty queue: processNext = %v, %v", handled, err)
	}
}

func TestProcessorSkipsDuplicates(t *testing.T) {
	q := &fakeQueue{pending: []*storage.Message{
		envelopeMessage(t, "m1", "k1", domain.CreateTask, `{"id":"t1","title":"first"}`),
		envelopeMessage(t, "m2", "k1", domain.CreateTask, `{"id":"t2","title":"again"}`),
	}}
	p, st, _ := newTestProcessor(t, q)
	ctx := context.Background()
	for range 2 {
		if _, err := p.processNext(ctx); err != nil {
			t.Fatalf("processNext: %v", err)
		}
	}
	if got, _ := st.GetTask(ctx, "t2"); got != nil {
		t.Fatalf("duplicate command applied: %#v", got)
	}
	if len(q.deleted) != 2 {
		t.Fatalf("expected both messages deleted, got %v", q.deleted)
	}
}

func TestProcessorDropsUndecodableAndInvalid(t *testing.T) {
	q := &fakeQueue{pending: []*storage.Message{
		{ID: "bad", Text: "not json"},
		envelopeMessage(t, "m2", "k2", domain.MoveTask, `{"id":"missing","position":0}`),
	}}
	p, _, _ := newTestProcessor(t, q)
	ctx := context.Background()
	for range 2 {
		if _, err := p.processNext(ctx); err != nil {
			t.Fatalf("processNext: %v", err)
		}
	}
	if len(q.deleted) != 2 || q.deleted[0] != "bad" || q.deleted[1] != "m2" {
		t.Fatalf("expected both messages dropped, got %v", q.deleted)
	}
}

func TestProcessorRetriesInfrastructureFailures(t *testing.T) {
	msg := envelopeMessage(t, "m1", "k1", domain.CreateTask, `{"id":"t1","title":"first"}`)
	q := &fakeQueue{pending: []*storage.Message{msg}}
	p, _, _ := newTestProcessor(t, q)
	boom := errors.New("storage unavailable")
	p.commands = failingApplier{err: boom}
	ctx := context.Background()

	for attempt := 1; attempt < 3; attempt++ {
		if _, err := p.processNext(ctx); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected storage error, got %v", attempt, err)
		}
		if len(q.deleted) != 0 {
			t.Fatalf("attempt %d: message deleted early", attempt)
		}
		// The queue redelivers after the visibility timeout.
		q.pending = append(q.pending, msg)
	}
	if _, err := p.processNext(ctx); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if len(q.deleted) != 1 {
		t.Fatalf("expected message dropped after max attempts, got %v", q.deleted)
	}
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	p, _, _ := newTestProcessor(t, q)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
