package immortan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrShuttingDown is returned when an operation failed because the
	// payment registry is shutting down.
	ErrShuttingDown = errors.New("payment registry shutting down")
)

const (
	// DefaultFinalCltvRejectDelta defines the default number of blocks
	// before the expiry of an htlc where we no longer settle it as an
	// exit hop and instead cancel it back.
	DefaultFinalCltvRejectDelta = 9
)

// RegistryConfig contains the configuration parameters for the payment
// registry.
type RegistryConfig struct {
	// FinalCltvRejectDelta defines the number of blocks before the expiry
	// of the htlc where we no longer settle it as an exit hop and instead
	// cancel it back.
	FinalCltvRejectDelta uint32

	// ReceiveGracePeriod defines for how long mpp htlcs are held while
	// waiting for the other set members to arrive.
	ReceiveGracePeriod time.Duration

	// TrampolinePolicy contains the relay parameters this node
	// advertises.
	TrampolinePolicy TrampolinePolicy

	// Clock provides Now() and TickAfter() and is useful to stub out the
	// clock functions during testing.
	Clock clock.Clock

	Logger *zap.SugaredLogger
}

// Registry keeps exactly one processor per payment tag. Processors are
// created on the first htlc arrival (or on a snapshot that still references
// the tag) and remove themselves when they shut down.
type Registry struct {
	cfg    *RegistryConfig
	pcfg   *processorConfig
	logger *zap.SugaredLogger

	mu         sync.Mutex
	processors map[types.FullPaymentTag]processor

	group   *errgroup.Group
	runCtx  context.Context
	groupMu sync.Mutex
}

// NewRegistry creates a new payment registry on top of the payment store,
// the channel command bus, the outgoing sender and the chain height oracle.
func NewRegistry(db PaymentDB, bus ChannelBus, sender OutgoingSender,
	height HeightSource, cfg *RegistryConfig) *Registry {

	r := &Registry{
		cfg:        cfg,
		logger:     cfg.Logger,
		processors: make(map[types.FullPaymentTag]processor),
	}

	r.pcfg = &processorConfig{
		clock:                cfg.Clock,
		height:               height,
		store:                newPaymentStore(db),
		bus:                  bus,
		sender:               sender,
		policy:               &cfg.TrampolinePolicy,
		finalCltvRejectDelta: cfg.FinalCltvRejectDelta,
		receiveGracePeriod:   cfg.ReceiveGracePeriod,
		logger:               cfg.Logger,
		unregister:           r.remove,
	}

	return r
}

// Run blocks until ctx is cancelled or a processor reports a fatal error.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info("Payment registry starting")

	group, ctx := errgroup.WithContext(ctx)

	r.groupMu.Lock()
	r.group = group
	r.runCtx = ctx
	r.groupMu.Unlock()

	// Keep the group alive until shutdown even when no processors exist.
	group.Go(func() error {
		<-ctx.Done()

		return ctx.Err()
	})

	err := group.Wait()

	r.logger.Info("Payment registry shutting down")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// NotifyHtlcArrived routes a fine-grained arrival notification to the tag's
// processor, creating it first if needed.
func (r *Registry) NotifyHtlcArrived(htlc Htlc) error {
	p, err := r.getOrCreate(htlc.PaymentTag())
	if err != nil {
		return err
	}

	p.deliver(&htlcArrived{htlc: htlc})

	return nil
}

// NotifyInFlight publishes a consistency snapshot. Every tag referenced by
// the snapshot gets a processor; every registered processor receives the
// snapshot, including those whose tags are absent, which is how they learn
// that nothing remains for them.
func (r *Registry) NotifyInFlight(snapshot *InFlightPayments) error {
	for tag := range snapshot.AllTags {
		if _, err := r.getOrCreate(tag); err != nil {
			return err
		}
	}

	r.mu.Lock()
	targets := make([]processor, 0, len(r.processors))
	for _, p := range r.processors {
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.deliver(snapshot)
	}

	return nil
}

func (r *Registry) getOrCreate(tag types.FullPaymentTag) (processor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.processors[tag]; ok {
		return p, nil
	}

	r.groupMu.Lock()
	group, runCtx := r.group, r.runCtx
	r.groupMu.Unlock()

	if group == nil {
		return nil, ErrShuttingDown
	}

	var (
		p   processor
		err error
	)
	switch tag.Kind {
	case types.FinalIncoming:
		p, err = newLocalProcessor(tag, r.pcfg)

	case types.TrampolineRouted:
		p, err = newTrampolineProcessor(tag, r.pcfg)

	default:
		err = fmt.Errorf("unknown payment kind %v", tag.Kind)
	}
	if err != nil {
		return nil, err
	}

	r.processors[tag] = p

	r.logger.Debugw("Processor created", "tag", tag)

	group.Go(func() error {
		return p.run(runCtx)
	})

	return p, nil
}

// remove is called by a processor entering shutdown.
func (r *Registry) remove(tag types.FullPaymentTag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.processors[tag]; !ok {
		panic("processor not found")
	}

	delete(r.processors, tag)
}
