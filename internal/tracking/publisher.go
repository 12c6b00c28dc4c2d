package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// publishTimeout bounds one background publish.
const publishTimeout = 5 * time.Second

// SQSAPI is the subset of the SQS client the publisher and consumer use.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// inflight tracks background publishes so shutdown can drain them.
type inflight struct {
	wg sync.WaitGroup
}

func (f *inflight) run(fn func(ctx context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Close waits for in-flight publishes, or until ctx is done.
func (f *inflight) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher enqueues communication records on SQS. Publish returns at once;
// the send runs in its own goroutine so a slow queue never delays a send.
type Publisher struct {
	inflight
	client   SQSAPI
	queueURL string
}

// NewPublisher creates an SQS record publisher.
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Publish implements dispatch.RecordPublisher.
func (p *Publisher) Publish(_ context.Context, rec domain.CommunicationRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		logger.Error("marshal communication record", "recipient_guid", rec.RecipientGUID, "error", err)
		return
	}

	p.run(func(ctx context.Context) {
		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			logger.Error("publish communication record to SQS", "recipient_guid", rec.RecipientGUID, "error", err)
		}
	})
}

// RedisPublisher enqueues communication records on a Redis list.
type RedisPublisher struct {
	inflight
	client *redis.Client
	key    string
}

// NewRedisPublisher creates a record publisher that LPUSHes onto key.
func NewRedisPublisher(client *redis.Client, key string) *RedisPublisher {
	return &RedisPublisher{client: client, key: key}
}

// Publish implements dispatch.RecordPublisher.
func (p *RedisPublisher) Publish(_ context.Context, rec domain.CommunicationRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		logger.Error("marshal communication record", "recipient_guid", rec.RecipientGUID, "error", err)
		return
	}

	p.run(func(ctx context.Context) {
		if err := p.client.LPush(ctx, p.key, body).Err(); err != nil {
			logger.Error("publish communication record to redis", "recipient_guid", rec.RecipientGUID, "error", err)
		}
	})
}
