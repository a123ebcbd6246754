package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"boardsync/notify"
)

// QueueSink delivers gated notifications to an Azure queue drained by the
// external push relays (Telegram, webhooks).
type QueueSink struct {
	queue *azqueue.QueueClient
}

func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	options := azqueue.ClientOptions{
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
	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &options)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: queue}, nil
}

func (s *QueueSink) Deliver(ctx context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
