package immortan

import (
	"context"
	"errors"
	"sync"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
)

type SettledHandlerConfig struct {
	Persister *persistence.PostgresPersister
	Logger    *zap.SugaredLogger
}

// SettledHandler tracks which fulfilled htlcs have irrevocably settled and
// lets callers wait for a payment to fully settle.
type SettledHandler struct {
	persister *persistence.PostgresPersister
	logger    *zap.SugaredLogger

	waiters     map[lntypes.Hash][]chan struct{}
	waitersLock sync.Mutex
}

func NewSettledHandler(cfg *SettledHandlerConfig) *SettledHandler {
	return &SettledHandler{
		logger:    cfg.Logger,
		persister: cfg.Persister,
		waiters:   make(map[lntypes.Hash][]chan struct{}),
	}
}

// preSendHandler records the settle in the database before the reply leaves
// this process, so that a crash in between is detected on restart.
func (p *SettledHandler) preSendHandler(ctx context.Context, item queuedReply) error {
	if item.resp.action != routerrpc.ResolveHoldForwardAction_SETTLE {
		return nil
	}

	_, paymentSettled, err := p.persister.MarkHtlcSettled(
		ctx, item.incomingKey,
	)
	switch {
	// Relayed htlcs have no per-htlc rows; their settlement record is the
	// relayed preimage entry.
	case errors.Is(err, persistence.ErrHtlcNotFound):
		return nil

	case err != nil:
		return err
	}

	if paymentSettled {
		p.notifySettled(item.hash)
	}

	return nil
}

func (p *SettledHandler) notifySettled(hash lntypes.Hash) {
	p.waitersLock.Lock()
	defer p.waitersLock.Unlock()

	waiters := p.waiters[hash]

	p.logger.Infow("Payment settled",
		"hash", hash, "waiters", len(waiters))

	for _, waiter := range waiters {
		close(waiter)
	}
	p.waiters[hash] = nil
}

// WaitForPaymentSettled blocks until every htlc of the payment has settled.
func (p *SettledHandler) WaitForPaymentSettled(ctx context.Context,
	hash lntypes.Hash) error {

	waitChan := make(chan struct{}, 1)

	// First subscribe to the settled event. Otherwise a race condition
	// could occur.
	p.waitersLock.Lock()
	p.waiters[hash] = append(p.waiters[hash], waitChan)
	p.waitersLock.Unlock()

	// Check database to see if the payment was already settled.
	payment, err := p.persister.GetPayment(ctx, hash)
	if err != nil {
		return err
	}
	if !payment.SettledAt.IsZero() {
		return nil
	}

	// Not settled yet. Wait for the event.
	select {
	case <-waitChan:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
