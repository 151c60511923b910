package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"settingsync/codec"
)

const (
	redisKeyPrefix      = "settingsync:"
	redisChangesSuffix  = ":changes"
	redisOperationLimit = 5 * time.Second
)

// Redis is a Store kept in a single redis hash. Every write publishes the
// changed keys on a pub/sub channel, so all processes sharing the hash see
// each other's changes.
type Redis struct {
	rdb       *redis.Client
	namespace string
	hashKey   string
	channel   string
	quota     Quota

	hub    changeHub
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis creates a Redis store from a redis:// URL and starts the change
// listener.
func NewRedis(url string, namespace string, quota Quota) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidDSN, err)
	}
	return NewRedisWithClient(redis.NewClient(opts), namespace, quota)
}

// NewRedisWithClient wraps an existing client. It returns once the change
// subscription is confirmed by the server.
func NewRedisWithClient(rdb *redis.Client, namespace string, quota Quota) (*Redis, error) {
	hashKey := redisKeyPrefix + namespace
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:       rdb,
		namespace: namespace,
		hashKey:   hashKey,
		channel:   hashKey + redisChangesSuffix,
		quota:     quota,
		cancel:    cancel,
	}
	r.pubsub = rdb.Subscribe(ctx, r.channel)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, redisOperationLimit)
	defer confirmCancel()
	if _, err := r.pubsub.Receive(confirmCtx); err != nil {
		cancel()
		return nil, errors.Join(err, r.pubsub.Close(), rdb.Close())
	}

	r.wg.Add(1)
	go r.listen(ctx)
	return r, nil
}

func (r *Redis) all(ctx context.Context) (Items, error) {
	fields, err := r.rdb.HGetAll(ctx, r.hashKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	items := make(Items, len(fields))
	for k, v := range fields {
		items[k] = []byte(v)
	}
	return items, nil
}

func (r *Redis) Get(ctx context.Context, defaults Items) (Items, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationLimit)
	defer cancel()

	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return selectWithDefaults(all, defaults), nil
}

func (r *Redis) Set(ctx context.Context, items Items) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationLimit)
	defer cancel()

	if r.quota != (Quota{}) {
		current, err := r.all(ctx)
		if err != nil {
			return err
		}
		if err := r.quota.check(current, items); err != nil {
			return err
		}
	}

	values := make(map[string]any, len(items))
	for k, v := range items {
		values[k] = string(v)
	}
	payload, err := codec.JSONMarshal(Change{Keys: items.Keys(), Namespace: r.namespace})
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey, values)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	return err
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationLimit)
	defer cancel()

	payload, err := codec.JSONMarshal(Change{Keys: keys, Namespace: r.namespace})
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.hashKey, keys...)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	return err
}

// listen forwards pub/sub change messages to subscribers until ctx is done.
func (r *Redis) listen(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change Change
			if err := codec.JSONUnmarshal([]byte(msg.Payload), &change); err != nil {
				log.Warnf("Redis backend: undecodable change message on %s: %v", r.channel, err)
				continue
			}
			if change.Namespace == "" {
				change.Namespace = r.namespace
			}
			r.hub.publish(change)
		}
	}
}

func (r *Redis) Subscribe(fn ChangeHandler) func() {
	return r.hub.subscribe(fn)
}

func (r *Redis) Namespace() string {
	return r.namespace
}

func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	return errors.Join(err, r.rdb.Close())
}
