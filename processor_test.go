package immortan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

const testHeight = 600000

type processorTestContext struct {
	t *testing.T

	db     *fakeDB
	bus    *recordingBus
	sender *fakeSender
	clock  *clock.TestClock
	cfg    *processorConfig

	removed []types.FullPaymentTag
}

func newProcessorTestContext(t *testing.T) *processorTestContext {
	logger, _ := zap.NewDevelopment()

	c := &processorTestContext{
		t:      t,
		db:     newFakeDB(),
		bus:    &recordingBus{},
		sender: newFakeSender(),
		clock:  clock.NewTestClock(time.Unix(1700000000, 0)),
	}

	c.cfg = &processorConfig{
		clock:  c.clock,
		height: fixedHeight(testHeight),
		store:  newPaymentStore(c.db),
		bus:    c.bus,
		sender: c.sender,
		policy: &TrampolinePolicy{
			BaseFeeMsat:               1000,
			FeeProportionalMillionths: 1000,
			CltvDelta:                 40,
			MinimumHtlcMsat:           1,
		},
		finalCltvRejectDelta: DefaultFinalCltvRejectDelta,
		receiveGracePeriod:   time.Minute,
		logger:               logger.Sugar(),
		unregister: func(tag types.FullPaymentTag) {
			c.removed = append(c.removed, tag)
		},
	}

	return c
}

type fixedHeight uint32

func (h fixedHeight) CurrentHeight() uint32 {
	return uint32(h)
}

// fakeDB is an in-memory PaymentDB.
type fakeDB struct {
	mu sync.Mutex

	payments  map[lntypes.Hash]*persistence.Payment
	preimages map[lntypes.Hash]lntypes.Preimage
	relayed   map[lntypes.Hash]relayedRecord

	paymentLookups  int
	preimageLookups int
}

type relayedRecord struct {
	preimage  lntypes.Preimage
	forwarded lnwire.MilliSatoshi
	finalFee  lnwire.MilliSatoshi
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		payments:  make(map[lntypes.Hash]*persistence.Payment),
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		relayed:   make(map[lntypes.Hash]relayedRecord),
	}
}

func (f *fakeDB) GetPayment(ctx context.Context, hash lntypes.Hash) (
	*persistence.Payment, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.paymentLookups++

	payment, ok := f.payments[hash]
	if !ok {
		return nil, types.ErrPaymentNotFound
	}

	paymentCopy := *payment

	return &paymentCopy, nil
}

func (f *fakeDB) GetPreimage(ctx context.Context, hash lntypes.Hash) (
	lntypes.Preimage, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.preimageLookups++

	preimage, ok := f.preimages[hash]
	if !ok {
		return lntypes.Preimage{}, types.ErrPaymentNotFound
	}

	return preimage, nil
}

func (f *fakeDB) MarkIncomingSucceeded(ctx context.Context,
	hash lntypes.Hash, received lnwire.MilliSatoshi,
	htlcs map[types.CircuitKey]int64) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	payment, ok := f.payments[hash]
	if !ok {
		return types.ErrPaymentNotFound
	}

	payment.Status = persistence.PaymentStatusSucceeded
	payment.ReceivedMsat = received

	return nil
}

func (f *fakeDB) StorePreimage(ctx context.Context, hash lntypes.Hash,
	preimage lntypes.Preimage) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.preimages[hash] = preimage

	return nil
}

func (f *fakeDB) AddRelayedPreimage(ctx context.Context, hash lntypes.Hash,
	preimage lntypes.Preimage, forwarded,
	finalFee lnwire.MilliSatoshi) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.relayed[hash] = relayedRecord{
		preimage:  preimage,
		forwarded: forwarded,
		finalFee:  finalFee,
	}

	return nil
}

// recordingBus records the emitted channel commands.
type recordingBus struct {
	mu sync.Mutex

	fulfills []FulfillCommand
	fails    []FailCommand
}

func (b *recordingBus) Fulfill(cmd FulfillCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fulfills = append(b.fulfills, cmd)
}

func (b *recordingBus) Fail(cmd FailCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fails = append(b.fails, cmd)
}

// fakeSender records sender interactions.
type fakeSender struct {
	created   []types.FullPaymentTag
	removed   []types.FullPaymentTag
	sends     []*SendMultiPart
	listeners map[SenderListener]struct{}
	usedFee   lnwire.MilliSatoshi
	attempts  map[types.FullPaymentTag][]OutgoingAttempt
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		listeners: make(map[SenderListener]struct{}),
		attempts:  make(map[types.FullPaymentTag][]OutgoingAttempt),
	}
}

func (s *fakeSender) CreateSender(tag types.FullPaymentTag) {
	s.created = append(s.created, tag)
}

func (s *fakeSender) RemoveSender(tag types.FullPaymentTag) {
	s.removed = append(s.removed, tag)
}

func (s *fakeSender) Send(req *SendMultiPart) {
	s.sends = append(s.sends, req)
}

func (s *fakeSender) UsedFee(tag types.FullPaymentTag) lnwire.MilliSatoshi {
	return s.usedFee
}

func (s *fakeSender) InFlightAttempts() map[types.FullPaymentTag][]OutgoingAttempt {
	return s.attempts
}

func (s *fakeSender) AddListener(l SenderListener) {
	s.listeners[l] = struct{}{}
}

func (s *fakeSender) RemoveListener(l SenderListener) {
	delete(s.listeners, l)
}

// Snapshot and htlc helpers.

func snapshotOf(tags ...types.FullPaymentTag) *InFlightPayments {
	snapshot := &InFlightPayments{
		Incoming: make(map[types.FullPaymentTag][]Htlc),
		Outgoing: make(map[types.FullPaymentTag][]OutgoingAttempt),
		AllTags:  make(map[types.FullPaymentTag]struct{}),
	}

	for _, tag := range tags {
		snapshot.AllTags[tag] = struct{}{}
	}

	return snapshot
}

func (s *InFlightPayments) withIncoming(htlcs ...Htlc) *InFlightPayments {
	for _, h := range htlcs {
		tag := h.PaymentTag()
		s.Incoming[tag] = append(s.Incoming[tag], h)
		s.AllTags[tag] = struct{}{}
	}

	return s
}

func (s *InFlightPayments) withOutgoing(tag types.FullPaymentTag,
	attempts ...OutgoingAttempt) *InFlightPayments {

	s.Outgoing[tag] = append(s.Outgoing[tag], attempts...)
	s.AllTags[tag] = struct{}{}

	return s
}

func localTag(preimage lntypes.Preimage) types.FullPaymentTag {
	return types.FullPaymentTag{
		Hash:   preimage.Hash(),
		Secret: [32]byte{99},
		Kind:   types.FinalIncoming,
	}
}

func trampolineTag(preimage lntypes.Preimage) types.FullPaymentTag {
	return types.FullPaymentTag{
		Hash:   preimage.Hash(),
		Secret: [32]byte{99},
		Kind:   types.TrampolineRouted,
	}
}

func localAdd(tag types.FullPaymentTag, htlcID uint64,
	amt, total lnwire.MilliSatoshi, expiry uint32) *LocalHtlc {

	return &LocalHtlc{
		htlcBase: htlcBase{
			Tag:        tag,
			CircuitKey: types.CircuitKey{ChanID: 1, HtlcID: htlcID},
			AmountMsat: amt,
			CltvExpiry: expiry,
		},
		TotalMsat: total,
	}
}
