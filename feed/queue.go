package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"eventledger/domain"
)

// QueuePublisher writes events to an Azure storage queue as JSON messages.
type QueuePublisher struct {
	queue *azqueue.QueueClient
}

// NewQueuePublisher creates a publisher for the named queue.
func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
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
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func (p *QueuePublisher) Close() error { return nil }

// Message is one dequeued feed entry plus the receipt needed to settle it.
type Message struct {
	Event     domain.Event
	MessageID string
	Receipt   string
}

// QueueConsumer reads the change feed from an Azure storage queue. A message
// is only deleted after the projection applied it, so failures are
// redelivered.
type QueueConsumer struct {
	queue *azqueue.QueueClient
}

func NewQueueConsumer(connStr, queueName string) (*QueueConsumer, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return &QueueConsumer{queue: q}, nil
}

// Dequeue fetches one message, or nil when the queue is empty.
func (c *QueueConsumer) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := c.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	raw := resp.Messages[0]
	msg := &Message{MessageID: *raw.MessageID, Receipt: *raw.PopReceipt}
	if err := json.Unmarshal([]byte(*raw.MessageText), &msg.Event); err != nil {
		return msg, err
	}
	return msg, nil
}

// Delete settles a processed message.
func (c *QueueConsumer) Delete(ctx context.Context, msg *Message) error {
	_, err := c.queue.DeleteMessage(ctx, msg.MessageID, msg.Receipt, nil)
	return err
}
