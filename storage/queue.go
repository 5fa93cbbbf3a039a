package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-core/domain"
)

// CommandQueue carries command envelopes to the worker.
type CommandQueue struct {
	queue *azqueue.QueueClient
}

// NewCommandQueue connects to the named queue.
func NewCommandQueue(connStr, name string) (*CommandQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &CommandQueue{queue: q}, nil
}

// Enqueue sends the commands of one user to the queue, one message each.
func (c *CommandQueue) Enqueue(ctx context.Context, userID string, cmds []domain.Command) error {
	for _, cmd := range cmds {
		data, err := sonic.MarshalString(domain.CommandEnvelope{UserID: userID, Command: cmd})
		if err != nil {
			return err
		}
		if _, err := c.queue.EnqueueMessage(ctx, data, nil); err != nil {
			return err
		}
	}
	return nil
}

// Message is one dequeued command envelope. It stays invisible to other
// consumers until the visibility timeout passes or it is deleted.
type Message struct {
	ID           string
	PopReceipt   string
	Text         string
	DequeueCount int64
}

// Dequeue retrieves a single message, or nil when the queue is empty.
func (c *CommandQueue) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := c.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	if m.DequeueCount != nil {
		msg.DequeueCount = *m.DequeueCount
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (c *CommandQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := c.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
