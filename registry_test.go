package immortan

import (
	"context"
	"testing"
	"time"

	"github.com/BTCparadigm/IMMORTAN/test"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type registryTestContext struct {
	t        *testing.T
	registry *Registry

	db     *fakeDB
	bus    *recordingBus
	sender *fakeSender

	cancelRegistry  func()
	registryErrChan chan error
}

func newRegistryTestContext(t *testing.T) *registryTestContext {
	logger, _ := zap.NewDevelopment()

	c := &registryTestContext{
		t:      t,
		db:     newFakeDB(),
		bus:    &recordingBus{},
		sender: newFakeSender(),
	}

	c.registry = NewRegistry(
		c.db, c.bus, c.sender, fixedHeight(testHeight),
		&RegistryConfig{
			FinalCltvRejectDelta: DefaultFinalCltvRejectDelta,
			ReceiveGracePeriod:   time.Minute,
			Clock:                clock.NewDefaultClock(),
			Logger:               logger.Sugar(),
		},
	)

	c.registryErrChan = make(chan error)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c.registryErrChan <- c.registry.Run(ctx)
	}()
	c.cancelRegistry = cancel

	t.Cleanup(c.stop)

	return c
}

func (c *registryTestContext) stop() {
	c.cancelRegistry()
	require.NoError(c.t, <-c.registryErrChan)
}

func (c *registryTestContext) processorCount() int {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()

	return len(c.registry.processors)
}

// An arriving htlc creates exactly one processor for its tag, and the
// processor removes itself when the snapshot no longer references the tag.
func TestRegistryLifecycle(t *testing.T) {
	defer test.Timeout()()

	c := newRegistryTestContext(t)

	preimage := lntypes.Preimage{40}
	tag := localTag(preimage)
	add := localAdd(tag, 1, 1000, 1000, testHeight+200)

	// Give the registry run loop a moment to install its context.
	require.Eventually(t, func() bool {
		return c.registry.NotifyHtlcArrived(add) == nil
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, c.processorCount())

	// Duplicate arrivals reuse the processor.
	require.NoError(t, c.registry.NotifyHtlcArrived(add))
	require.Equal(t, 1, c.processorCount())

	// A snapshot without the tag shuts the processor down.
	require.NoError(t, c.registry.NotifyInFlight(snapshotOf()))

	require.Eventually(t, func() bool {
		return c.processorCount() == 0
	}, time.Second, 10*time.Millisecond)
}

// Snapshot tags without a processor get one, dispatched on kind.
func TestRegistrySnapshotCreatesProcessors(t *testing.T) {
	defer test.Timeout()()

	c := newRegistryTestContext(t)

	localPreimage := lntypes.Preimage{41}
	trampolinePreimage := lntypes.Preimage{42}

	// Incomplete sets keep both processors waiting for more parts.
	snapshot := snapshotOf().withIncoming(
		localAdd(
			localTag(localPreimage), 1, 400, 1000, testHeight+200,
		),
		trampolineAdd(
			trampolineTag(trampolinePreimage), 2,
			40_000, 100_000, 95_000,
			testHeight+250, testHeight+100,
		),
	)

	require.Eventually(t, func() bool {
		return c.registry.NotifyInFlight(snapshot) == nil
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 2, c.processorCount())

	// The trampoline processor registered with the outgoing sender.
	require.Equal(t,
		[]types.FullPaymentTag{trampolineTag(trampolinePreimage)},
		c.sender.created)
}
