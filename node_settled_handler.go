package immortan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTCparadigm/IMMORTAN/lnd"
	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
)

type NodeSettledHandlerConfig struct {
	Logger          *zap.SugaredLogger
	Lnd             lnd.LndClient
	Persister       *persistence.PostgresPersister
	SettledCallback func(lntypes.Hash)
}

// NodeSettledHandler catches up on final htlc resolutions that this process
// missed, by combining the node's htlc notification stream with lookups of
// the htlcs that are still pending in the database.
type NodeSettledHandler struct {
	logger    *zap.SugaredLogger
	lnd       lnd.LndClient
	persister *persistence.PostgresPersister

	settledCallback func(lntypes.Hash)
}

func NewNodeSettledHandler(cfg *NodeSettledHandlerConfig) *NodeSettledHandler {
	logger := cfg.Logger.With("node", cfg.Lnd.PubKey())

	return &NodeSettledHandler{
		logger:          logger,
		lnd:             cfg.Lnd,
		persister:       cfg.Persister,
		settledCallback: cfg.SettledCallback,
	}
}

func (p *NodeSettledHandler) Run(ctx context.Context) {
	p.logger.Infow("Starting node settled handler")

	for {
		err := p.subscribeEvents(ctx)
		switch {
		case err == context.Canceled:
			return

		case err != nil:
			p.logger.Infow("Htlc notifier error", "err", err)
		}

		select {
		// Retry delay.
		case <-time.After(time.Second):

		case <-ctx.Done():
			return
		}
	}
}

func (p *NodeSettledHandler) subscribeEvents(ctx context.Context) error {
	// First subscribe to the htlc notification stream to prevent missing
	// updates.
	recv, err := p.lnd.HtlcNotifier(ctx)
	if err != nil {
		return err
	}

	// Retrieve all htlcs that are not yet settled.
	htlcs, err := p.persister.GetPendingHtlcs(ctx)
	if err != nil {
		return err
	}

	// Look up each htlc to see if it has been settled in the mean time.
	for key := range htlcs {
		settled, err := p.lnd.LookupHtlc(ctx, key)
		switch {
		case err == lnd.ErrHtlcNotFound:
			continue

		case err != nil:
			return err
		}

		if !settled {
			continue
		}

		if err := p.handleFinalHtlc(ctx, key); err != nil {
			return err
		}
	}

	// Start processing newly settled htlcs.
	for {
		event, err := recv()
		if err != nil {
			return err
		}

		finalEvent, ok := event.Event.(*routerrpc.HtlcEvent_FinalHtlcEvent)
		if !ok {
			continue
		}
		if !finalEvent.FinalHtlcEvent.Settled {
			continue
		}

		key := types.CircuitKey{
			ChanID: event.IncomingChannelId,
			HtlcID: event.IncomingHtlcId,
		}

		if err := p.handleFinalHtlc(ctx, key); err != nil {
			return err
		}
	}
}

func (p *NodeSettledHandler) handleFinalHtlc(ctx context.Context,
	key types.CircuitKey) error {

	settledHash, paymentSettled, err := p.persister.MarkHtlcSettled(ctx, key)
	switch {
	// If the htlc is not found, the final resolution was for an htlc that
	// isn't tracked per-htlc.
	case errors.Is(err, persistence.ErrHtlcNotFound):
		return nil

	case err != nil:
		return fmt.Errorf("unable to mark htlc %v settled: %w", key, err)
	}

	p.logger.Infow("Htlc final settled received",
		"chanID", key.ChanID, "htlcID", key.HtlcID, "hash", settledHash)

	if paymentSettled && settledHash != nil {
		p.settledCallback(*settledHash)
	}

	return nil
}
