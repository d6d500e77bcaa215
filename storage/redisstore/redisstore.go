// Package redisstore implements storage.Storage on Redis. Keys are scoped by
// origin and every write is announced on a per-origin pub/sub channel so
// engine instances in other processes see it. Announcements name the key
// only; watchers read the value back, so stored values never travel over
// pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-team-auth/internal/obs"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var _ storage.Storage = (*Store)(nil)

const readTimeout = 2 * time.Second

type message struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed,omitempty"`
	Source  string `json:"source"`
}

type Store struct {
	client  *redis.Client
	prefix  string
	channel string
	source  string
	logger  zerolog.Logger

	mu       sync.Mutex
	watchers map[int]func(storage.Change)
	next     int
	pubsub   *redis.PubSub
	done     chan struct{}
}

// New scopes client to origin. Close releases the subscription, not the client.
func New(client *redis.Client, origin string) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redisstore.New] redis client is required")
	}
	if origin == "" {
		return nil, errors.New("[redisstore.New] origin is required")
	}
	prefix := fmt.Sprintf("teamauth:%s:", origin)
	return &Store{
		client:   client,
		prefix:   prefix,
		channel:  prefix + "changes",
		source:   uuid.New().String(),
		logger:   obs.Component("redisstore"),
		watchers: make(map[int]func(storage.Change)),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "[redisstore.Get] %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[redisstore.Get] %s", key)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, message{Key: key, Source: s.source}, value)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.write(ctx, message{Key: key, Removed: true, Source: s.source}, nil)
}

func (s *Store) write(ctx context.Context, msg message, value []byte) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "[redisstore.write] marshal")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if msg.Removed {
			pipe.Del(ctx, s.prefix+msg.Key)
		} else {
			pipe.Set(ctx, s.prefix+msg.Key, value, 0)
		}
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "[redisstore.write] %s", msg.Key)
	}
	return nil
}

// Watch subscribes to the origin's channel on first use.
func (s *Store) Watch(fn func(storage.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.watchers[id] = fn
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(context.Background(), s.channel)
		s.done = make(chan struct{})
		go s.listen(s.pubsub.Channel(), s.done)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	pubsub, done := s.pubsub, s.done
	s.pubsub = nil
	s.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (s *Store) listen(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for m := range ch {
		var msg message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed change message")
			continue
		}
		if msg.Source == s.source {
			continue
		}
		change, ok := s.resolve(msg)
		if !ok {
			continue
		}

		s.mu.Lock()
		fns := make([]func(storage.Change), 0, len(s.watchers))
		for id := 0; id < s.next; id++ {
			if fn, ok := s.watchers[id]; ok {
				fns = append(fns, fn)
			}
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(change)
		}
	}
}

// resolve reads back the value a set announcement refers to. A key already
// removed again is skipped; its removal is announced separately.
func (s *Store) resolve(msg message) (storage.Change, bool) {
	change := storage.Change{Key: msg.Key, Removed: msg.Removed}
	if msg.Removed {
		return change, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	v, err := s.Get(ctx, msg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return change, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", msg.Key).Msg("dropping change whose value could not be read")
		return change, false
	}
	change.Value = v
	return change, true
}
