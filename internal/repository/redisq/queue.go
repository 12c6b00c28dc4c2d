// Package redisq is a Redis-backed recipient claim queue. Pending
// recipients are seeded from the durable store onto a list per
// communication and medium; a Lua script pops and marks a claim in one
// round trip so concurrent workers never receive the same recipient.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
)

const defaultPrefix = "claimq"

// KEYS: pending list, data hash, claimed zset. ARGV: claim time (unix).
var claimScript = redis.NewScript(`
	local id = redis.call("lpop", KEYS[1])
	if not id then
		return false
	end
	redis.call("zadd", KEYS[3], ARGV[1], id)
	return {id, redis.call("hget", KEYS[2], id)}
`)

// KEYS: pending list, data hash. ARGV: id, payload pairs.
var seedScript = redis.NewScript(`
	local added = 0
	for i = 1, #ARGV, 2 do
		if redis.call("hsetnx", KEYS[2], ARGV[i], ARGV[i + 1]) == 1 then
			redis.call("rpush", KEYS[1], ARGV[i])
			added = added + 1
		end
	end
	return added
`)

// KEYS: pending list, claimed zset. ARGV: cutoff (unix).
var requeueScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[2], "-inf", ARGV[1])
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[2], id)
		redis.call("rpush", KEYS[1], id)
	end
	return #ids
`)

// Queue claims recipients from Redis and keeps the durable store in step.
// It decorates a dispatch.RecipientStore: status writes go to the store
// first and a terminal status removes the recipient from Redis.
type Queue struct {
	client *redis.Client
	store  dispatch.RecipientStore
	prefix string
	now    func() time.Time
}

// New creates a queue over client that persists status through store.
func New(client *redis.Client, store dispatch.RecipientStore) *Queue {
	return &Queue{client: client, store: store, prefix: defaultPrefix, now: time.Now}
}

func (q *Queue) scope(communicationID, mediumID string) string {
	return communicationID + "|" + mediumID
}

func (q *Queue) keys(scope string) (pending, data, claimed string) {
	base := q.prefix + ":" + scope
	return base + ":pending", base + ":data", base + ":claimed"
}

func (q *Queue) activeKey() string { return q.prefix + ":active" }

// Seed pushes recipients that are not already queued. It returns how many
// were added; re-seeding the same recipients is a no-op.
func (q *Queue) Seed(ctx context.Context, communicationID, mediumID string, recipients []*domain.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	scope := q.scope(communicationID, mediumID)
	pending, data, _ := q.keys(scope)

	args := make([]interface{}, 0, len(recipients)*2)
	for _, r := range recipients {
		body, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("marshal recipient %s: %w", r.ID, err)
		}
		args = append(args, r.ID, body)
	}

	added, err := seedScript.Run(ctx, q.client, []string{pending, data}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("seed claim queue %s: %w", scope, err)
	}
	if err := q.client.SAdd(ctx, q.activeKey(), scope).Err(); err != nil {
		return added, fmt.Errorf("register claim queue %s: %w", scope, err)
	}
	return added, nil
}

// ClaimNext implements dispatch.ClaimQueue. The popped recipient is marked
// sending in the durable store before it is returned; entries the store
// refuses (already finished elsewhere) are dropped and the next is tried.
func (q *Queue) ClaimNext(ctx context.Context, communicationID, mediumID string) (*domain.Recipient, error) {
	pending, data, claimed := q.keys(q.scope(communicationID, mediumID))

	for {
		now := q.now()
		res, err := claimScript.Run(ctx, q.client, []string{pending, data, claimed}, now.Unix()).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim from redis: %w", err)
		}

		id, _ := res[0].(string)
		payload, _ := res[1].(string)
		if payload == "" {
			logger.Warn("claim queue entry without data, dropping", "recipient_id", id)
			q.ack(ctx, communicationID, mediumID, id)
			continue
		}

		var r domain.Recipient
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			logger.Warn("claim queue entry unreadable, dropping", "recipient_id", id, "error", err)
			q.ack(ctx, communicationID, mediumID, id)
			continue
		}

		r.Status = domain.RecipientSending
		r.ClaimedAt = &now
		err = q.store.UpdateStatus(ctx, &r)
		if errors.Is(err, dispatch.ErrInvalidTransition) || errors.Is(err, dispatch.ErrNotFound) {
			q.ack(ctx, communicationID, mediumID, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mark recipient %s sending: %w", id, err)
		}
		return &r, nil
	}
}

// HasPending implements dispatch.RecipientStore.
func (q *Queue) HasPending(ctx context.Context, communicationID, mediumID string) (bool, error) {
	return q.store.HasPending(ctx, communicationID, mediumID)
}

// UpdateStatus implements dispatch.RecipientStore.
func (q *Queue) UpdateStatus(ctx context.Context, r *domain.Recipient) error {
	if err := q.store.UpdateStatus(ctx, r); err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		q.ack(ctx, r.CommunicationID, r.MediumID, r.ID)
	}
	return nil
}

// FindByGUID implements dispatch.RecipientStore.
func (q *Queue) FindByGUID(ctx context.Context, guid string) (*domain.Recipient, error) {
	return q.store.FindByGUID(ctx, guid)
}

func (q *Queue) ack(ctx context.Context, communicationID, mediumID, id string) {
	_, data, claimed := q.keys(q.scope(communicationID, mediumID))
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, data, id)
	pipe.ZRem(ctx, claimed, id)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("ack claim queue entry", "recipient_id", id, "error", err)
	}
}

// Len returns how many recipients wait unclaimed for the scope.
func (q *Queue) Len(ctx context.Context, communicationID, mediumID string) (int64, error) {
	pending, _, _ := q.keys(q.scope(communicationID, mediumID))
	return q.client.LLen(ctx, pending).Result()
}

// RequeueStale pushes recipients claimed before olderThan back onto their
// pending lists. Scopes whose queues have fully drained are unregistered.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	scopes, err := q.client.SMembers(ctx, q.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list claim queues: %w", err)
	}

	var total int64
	for _, scope := range scopes {
		pending, data, claimed := q.keys(scope)
		n, err := requeueScript.Run(ctx, q.client, []string{pending, claimed}, olderThan.Unix()).Int64()
		if err != nil {
			return total, fmt.Errorf("requeue %s: %w", strings.ReplaceAll(scope, "|", "/"), err)
		}
		total += n

		left, err := q.client.HLen(ctx, data).Result()
		if err == nil && left == 0 {
			q.client.SRem(ctx, q.activeKey(), scope)
		}
	}
	return total, nil
}
