package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// fakeSQS is an in-memory queue implementing SQSAPI.
type fakeSQS struct {
	mu      sync.Mutex
	queue   []string
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	for i, body := range f.queue {
		out.Messages = append(out.Messages, sqstypes.Message{
			Body:          aws.String(body),
			ReceiptHandle: aws.String(string(rune('a' + i))),
		})
	}
	f.queue = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func TestPublisherAndConsumerSQS(t *testing.T) {
	q := &fakeSQS{}
	pub := NewPublisher(q, "https://sqs.local/records")
	pub.Publish(context.Background(), domain.CommunicationRecord{RecipientGUID: "g-1", Email: "a@test.com"})

	assert.Eventually(t, func() bool { return q.pending() == 1 }, time.Second, 10*time.Millisecond)

	q.mu.Lock()
	q.queue = append(q.queue, "not json")
	q.mu.Unlock()

	store := newMemRecords()
	c := NewConsumer(q, "https://sqs.local/records", store)
	require.NoError(t, c.receiveOnce(context.Background(), 0))

	rec, err := store.Find(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, "a@test.com", rec.Email)
	assert.Len(t, q.deleted, 2, "stored and malformed messages are both deleted")
}

func TestRedisPublisherAndConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "records")
	pub.Publish(context.Background(), domain.CommunicationRecord{RecipientGUID: "g-2", Subject: "Hi"})

	assert.Eventually(t, func() bool {
		n, _ := client.LLen(context.Background(), "records").Result()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	store := newMemRecords()
	c := NewRedisConsumer(client, "records", store)
	got, err := c.popOnce(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, got)

	rec, err := store.Find(context.Background(), "g-2")
	require.NoError(t, err)
	assert.Equal(t, "Hi", rec.Subject)
}

// gatedSQS blocks SendMessage until release is closed.
type gatedSQS struct {
	fakeSQS
	release chan struct{}
}

func (g *gatedSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	<-g.release
	return g.fakeSQS.SendMessage(ctx, in, opts...)
}

func TestPublisherCloseDrainsInFlight(t *testing.T) {
	q := &gatedSQS{release: make(chan struct{})}
	pub := NewPublisher(q, "https://sqs.local/records")
	pub.Publish(context.Background(), domain.CommunicationRecord{RecipientGUID: "g-1"})
	pub.Publish(context.Background(), domain.CommunicationRecord{RecipientGUID: "g-2"})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pub.Close(short), context.DeadlineExceeded)

	close(q.release)
	require.NoError(t, pub.Close(context.Background()))
	assert.Equal(t, 2, q.pending())
}

func TestRedisPublisherCloseDrainsInFlight(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "records")
	for i := 0; i < 5; i++ {
		pub.Publish(context.Background(), domain.CommunicationRecord{RecipientGUID: "g"})
	}
	require.NoError(t, pub.Close(context.Background()))

	n, err := client.LLen(context.Background(), "records").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

type failingStore struct{ memRecords }

func (f *failingStore) Save(context.Context, domain.CommunicationRecord) error {
	return assert.AnError
}

func TestRedisConsumerRequeuesOnStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	body, _ := json.Marshal(domain.CommunicationRecord{RecipientGUID: "g-3"})
	require.NoError(t, client.LPush(context.Background(), "records", body).Err())

	c := NewRedisConsumer(client, "records", &failingStore{})
	_, err := c.popOnce(context.Background(), time.Second)
	assert.Error(t, err)

	n, err := client.LLen(context.Background(), "records").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
