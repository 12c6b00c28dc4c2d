package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// Consumer drains queued communication records into a RecordStore.
type Consumer struct {
	sqsClient SQSAPI
	queueURL  string
	store     RecordStore
	done      chan struct{}
}

// NewConsumer creates an SQS record consumer.
func NewConsumer(sqsClient SQSAPI, queueURL string, store RecordStore) *Consumer {
	return &Consumer{
		sqsClient: sqsClient,
		queueURL:  queueURL,
		store:     store,
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	logger.Info("SQS record consumer started", "queue", c.queueURL)
	go c.poll(ctx)
}

// Stop ends polling after the current receive returns.
func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if err := c.receiveOnce(ctx, 20); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("SQS receive failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// receiveOnce processes one batch. A message is deleted once stored, or
// when it cannot be decoded; store failures leave it for redelivery.
func (c *Consumer) receiveOnce(ctx context.Context, waitSeconds int32) error {
	out, err := c.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return err
	}

	for _, msg := range out.Messages {
		if err := handleRecord(ctx, c.store, []byte(aws.ToString(msg.Body))); err != nil {
			if errors.Is(err, errBadRecord) {
				c.deleteMessage(ctx, msg.ReceiptHandle)
			}
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
	return nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	if _, err := c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	}); err != nil {
		logger.Warn("SQS delete failed", "error", err)
	}
}

// RedisConsumer drains a Redis list filled by RedisPublisher.
type RedisConsumer struct {
	client *redis.Client
	key    string
	store  RecordStore
}

// NewRedisConsumer creates a record consumer that BRPOPs from key.
func NewRedisConsumer(client *redis.Client, key string, store RecordStore) *RedisConsumer {
	return &RedisConsumer{client: client, key: key, store: store}
}

// Run blocks until ctx is cancelled.
func (c *RedisConsumer) Run(ctx context.Context) {
	logger.Info("redis record consumer started", "key", c.key)
	for ctx.Err() == nil {
		if _, err := c.popOnce(ctx, 5*time.Second); err != nil && ctx.Err() == nil {
			logger.Warn("redis record pop failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// popOnce stores at most one record. It reports false when the list stayed
// empty for the whole timeout. A record whose store fails is pushed back.
func (c *RedisConsumer) popOnce(ctx context.Context, timeout time.Duration) (bool, error) {
	res, err := c.client.BRPop(ctx, timeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	body := []byte(res[1])
	if err := handleRecord(ctx, c.store, body); err != nil && !errors.Is(err, errBadRecord) {
		if perr := c.client.RPush(ctx, c.key, body).Err(); perr != nil {
			logger.Error("requeue communication record", "error", perr)
		}
		return true, err
	}
	return true, nil
}

var errBadRecord = errors.New("malformed communication record")

func handleRecord(ctx context.Context, store RecordStore, body []byte) error {
	var rec domain.CommunicationRecord
	if err := json.Unmarshal(body, &rec); err != nil || rec.RecipientGUID == "" {
		logger.Warn("dropping malformed communication record", "body", string(body))
		return errBadRecord
	}
	if err := store.Save(ctx, rec); err != nil {
		logger.Error("save communication record", "recipient_guid", rec.RecipientGUID, "error", err)
		return err
	}
	return nil
}
