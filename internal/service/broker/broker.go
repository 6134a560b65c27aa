// Package broker runs the background refresher that reconciles waiting orders
// with the provider and expires the ones left waiting for too long.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Refresher is the subset of the order engine the broker drives.
type Refresher interface {
	GetWaitingOrders(ctx context.Context, limit int) ([]modelorder.Order, error)
	RefreshOrder(ctx context.Context, providerOrderID string) (*modelorder.Order, error)
	ExpireOrder(ctx context.Context, providerOrderID string) (*modelorder.Order, error)
}

type Broker struct {
	refresher Refresher
	cfg       *config.QueueConfig
	log       *zerolog.Logger
	queue     chan modelorder.Order
	now       func() time.Time
	inflight  *inflight
}

type RefreshWorker struct {
	ID        int
	refresher Refresher
	ttl       time.Duration
	log       *zerolog.Logger
	queue     <-chan modelorder.Order
	now       func() time.Time
	inflight  *inflight
}

// inflight tracks orders queued or being processed so a round never re-queues them.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (f *inflight) add(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) done(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func InitBroker(refresher Refresher, cfg *config.QueueConfig, log *zerolog.Logger) *Broker {
	return &Broker{
		refresher: refresher,
		cfg:       cfg,
		log:       log,
		queue:     make(chan modelorder.Order, cfg.BatchSize),
		now:       time.Now,
		inflight:  &inflight{ids: make(map[string]struct{})},
	}
}

// ListenAndProcess feeds waiting orders to the workers every refresh interval
// until ctx is cancelled.
func (b *Broker) ListenAndProcess(ctx context.Context) error {
	b.log.Info().Msg(fmt.Sprintf("started order refresher with %d workers", b.cfg.WorkerNumber))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.WorkerNumber; i++ {
		w := &RefreshWorker{
			ID:        i,
			refresher: b.refresher,
			ttl:       b.cfg.OrderTTL,
			log:       b.log,
			queue:     b.queue,
			now:       b.now,
			inflight:  b.inflight,
		}
		g.Go(func() error {
			return w.processAsync(gctx)
		})
	}
	g.Go(func() error {
		defer close(b.queue)
		ticker := time.NewTicker(b.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			b.enqueue(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()
	b.log.Info().Msg("stopped order refresher")
	return err
}

func (b *Broker) enqueue(ctx context.Context) {
	orders, err := b.refresher.GetWaitingOrders(ctx, b.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Error().Err(err).Msg("listing waiting orders failed")
		}
		return
	}
	for _, order := range orders {
		if !b.inflight.add(order.ProviderOrderID) {
			continue
		}
		select {
		case <-ctx.Done():
			b.inflight.done(order.ProviderOrderID)
			return
		case b.queue <- order:
		}
	}
}

// processAsync drains the queue until the dispatcher closes it.
func (w *RefreshWorker) processAsync(ctx context.Context) error {
	for order := range w.queue {
		w.process(ctx, order)
		w.inflight.done(order.ProviderOrderID)
	}
	return nil
}

// process reconciles the order first so that a code delivered late is never
// discarded by expiry.
func (w *RefreshWorker) process(ctx context.Context, order modelorder.Order) {
	if ctx.Err() != nil {
		return
	}
	updated, err := w.refresher.RefreshOrder(ctx, order.ProviderOrderID)
	if err != nil {
		w.log.Warn().Err(err).Msg(fmt.Sprintf("WID %v, order %v: refresh failed, retrying next round", w.ID, order.ProviderOrderID))
		return
	}
	if updated.Status == modelorder.StatusWaiting && w.now().Sub(order.CreatedAt) >= w.ttl {
		updated, err = w.refresher.ExpireOrder(ctx, order.ProviderOrderID)
		if err != nil {
			w.log.Warn().Err(err).Msg(fmt.Sprintf("WID %v, order %v: expiry failed, retrying next round", w.ID, order.ProviderOrderID))
			return
		}
	}
	if updated.Status != order.Status {
		w.log.Info().Msg(fmt.Sprintf("WID %v, order %v: %s", w.ID, order.ProviderOrderID, updated.Status))
	}
}
