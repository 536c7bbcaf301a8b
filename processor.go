package immortan

import (
	"context"
	"time"

	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/queue"
	"go.uber.org/zap"
)

const processorQueueSize = 16

// processorState is the coarse lifecycle state shared by both processor
// variants.
type processorState uint8

const (
	// stateReceiving: parts of the incoming set are still being
	// collected.
	stateReceiving processorState = iota

	// stateSending: an outgoing multipart send is in flight (trampoline
	// only).
	stateSending

	// stateFinalizing: a terminal decision is pending or has been made;
	// commands are (re-)emitted on every snapshot.
	stateFinalizing

	// stateShutdown: the processor has deregistered and its run loop has
	// exited.
	stateShutdown
)

// String returns a string representation of the state.
func (s processorState) String() string {
	switch s {
	case stateReceiving:
		return "receiving"

	case stateSending:
		return "sending"

	case stateFinalizing:
		return "finalizing"

	case stateShutdown:
		return "shutdown"

	default:
		return "unknown"
	}
}

// revealed is the terminal data of a fulfilled payment. A processor holding
// revealed data must never transition to an aborted terminal.
type revealed struct {
	preimage lntypes.Preimage
}

// aborted is the terminal data of a rejected payment. A nil failure means
// incorrect-or-unknown-payment-details.
type aborted struct {
	failure lnwire.FailureMessage
}

// processor is one single-threaded serialized actor deciding the fate of all
// incoming htlcs sharing a payment tag.
type processor interface {
	paymentTag() types.FullPaymentTag

	// deliver enqueues an input without blocking the caller's event
	// processing.
	deliver(event interface{})

	// run processes inputs until shutdown. A returned error is fatal to
	// the registry.
	run(ctx context.Context) error
}

// processorBase carries the actor plumbing shared by both variants: the
// linearizing input queue, the receive timeout and the lifecycle state.
type processorBase struct {
	tag     types.FullPaymentTag
	state   processorState
	input   *queue.ConcurrentQueue
	timeout *timeoutScheduler
	logger  *zap.SugaredLogger
	quit    chan struct{}
}

func newProcessorBase(tag types.FullPaymentTag, cfg *processorConfig,
	logger *zap.SugaredLogger) processorBase {

	p := processorBase{
		tag:    tag,
		state:  stateReceiving,
		input:  queue.NewConcurrentQueue(processorQueueSize),
		logger: logger.With("tag", tag),
		quit:   make(chan struct{}),
	}

	p.timeout = newTimeoutScheduler(
		cfg.clock, cfg.receiveGracePeriod, p.deliver,
	)

	// Arm the receive timeout so that a payment whose parts never arrive
	// is aborted rather than held forever.
	p.timeout.replaceWork(cmdTimeout{})

	return p
}

func (p *processorBase) paymentTag() types.FullPaymentTag {
	return p.tag
}

func (p *processorBase) deliver(event interface{}) {
	select {
	case p.input.ChanIn() <- event:
	case <-p.quit:
	}
}

// runLoop drains the input queue through handle until the processor reaches
// shutdown. Handler errors terminate the loop; they indicate conditions
// (such as persistence failures during fulfillment) that must not be
// swallowed.
func (p *processorBase) runLoop(ctx context.Context,
	handle func(context.Context, interface{}) error) error {

	p.input.Start()

	defer func() {
		p.timeout.stop()
		p.input.Stop()
		close(p.quit)
	}()

	for {
		select {
		case event := <-p.input.ChanOut():
			if err := handle(ctx, event); err != nil {
				return err
			}

			if p.state == stateShutdown {
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processorConfig bundles the shared handles a processor needs. All services
// outlive the processor; handles are non-owning.
type processorConfig struct {
	clock                clock.Clock
	height               HeightSource
	store                *paymentStore
	bus                  ChannelBus
	sender               OutgoingSender
	policy               *TrampolinePolicy
	finalCltvRejectDelta uint32
	receiveGracePeriod   time.Duration
	logger               *zap.SugaredLogger

	// unregister removes the processor from the registry on shutdown.
	unregister func(tag types.FullPaymentTag)
}

// HeightSource supplies the current best block height. Polled at every
// decision point; must be monotonic.
type HeightSource interface {
	CurrentHeight() uint32
}
