package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"poruka/api/internal/model"
)

// Feed announces collection changes over Redis pub/sub. Notifications carry
// no payload: a subscriber re-reads the collection and delivers the whole
// result set, so lost or duplicated notifications cannot corrupt a view.
type Feed struct {
	client *redis.Client
	prefix string
}

func NewFeed(client *redis.Client) *Feed {
	return &Feed{client: client, prefix: "changes:"}
}

func (f *Feed) channel(collection string) string {
	return f.prefix + collection
}

func (f *Feed) Publish(ctx context.Context, collection string) error {
	if err := f.client.Publish(ctx, f.channel(collection), "changed").Err(); err != nil {
		return model.Unavailable(err, "publish %s", collection)
	}
	return nil
}

// SnapshotFunc receives the complete, current result set of a subscription.
type SnapshotFunc func(docs []Document, err error)

// DefaultResync is how often a live query re-reads its collection without
// being told to. Pub/sub drops messages published while a subscriber is
// reconnecting, so announcements alone cannot be trusted to arrive.
const DefaultResync = 30 * time.Second

// Live is a Store whose writes are announced on a Feed and which can serve
// live queries.
type Live struct {
	Store
	feed   *Feed
	resync time.Duration
}

func NewLive(store Store, feed *Feed) *Live {
	return &Live{Store: store, feed: feed, resync: DefaultResync}
}

// WithResync sets the periodic re-read interval of live queries.
func (l *Live) WithResync(interval time.Duration) *Live {
	if interval > 0 {
		l.resync = interval
	}
	return l
}

func (l *Live) Put(ctx context.Context, collection, key string, fields Fields) error {
	if err := l.Store.Put(ctx, collection, key, fields); err != nil {
		return err
	}
	l.announce(ctx, collection)
	return nil
}

func (l *Live) Delete(ctx context.Context, collection, key string) error {
	if err := l.Store.Delete(ctx, collection, key); err != nil {
		return err
	}
	l.announce(ctx, collection)
	return nil
}

// A failed announcement leaves subscribers one change behind until the next
// write to the collection; the write itself already succeeded.
func (l *Live) announce(ctx context.Context, collection string) {
	if err := l.feed.Publish(ctx, collection); err != nil {
		logrus.WithError(err).WithField("collection", collection).Warn("docstore: change announcement failed")
	}
}

// Watch is a running live query.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the watch. It is safe to call more than once.
func (w *Watch) Close() error {
	w.once.Do(w.cancel)
	return nil
}

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Subscribe delivers the current result set of the query immediately and
// again after every announced change to the collection, until the watch is
// closed or ctx ends. A nil filter selects the whole collection.
func (l *Live) Subscribe(ctx context.Context, collection string, filter *Filter, fn SnapshotFunc) (*Watch, error) {
	pubsub := l.feed.client.Subscribe(ctx, l.feed.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, model.Unavailable(err, "subscribe %s", collection)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watch{cancel: cancel, done: make(chan struct{})}
	notifications := pubsub.Channel()

	go func() {
		defer close(w.done)
		defer pubsub.Close()

		ticker := time.NewTicker(l.resync)
		defer ticker.Stop()

		l.deliver(watchCtx, collection, filter, fn)
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				l.deliver(watchCtx, collection, filter, fn)
			case _, ok := <-notifications:
				if !ok {
					return
				}
				if !drain(notifications) {
					return
				}
				l.deliver(watchCtx, collection, filter, fn)
			}
		}
	}()
	return w, nil
}

func (l *Live) deliver(ctx context.Context, collection string, filter *Filter, fn SnapshotFunc) {
	var docs []Document
	var err error
	if filter == nil {
		docs, err = l.Store.List(ctx, collection)
	} else {
		docs, err = l.Store.QueryEqual(ctx, collection, filter.Field, filter.Value)
	}
	if ctx.Err() != nil {
		return
	}
	fn(docs, err)
}

// drain coalesces queued notifications into one refresh. It reports false
// once the channel is closed.
func drain(ch <-chan *redis.Message) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}
