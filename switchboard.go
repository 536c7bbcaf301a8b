package immortan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/lnd"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/btcsuite/btcd/chaincfg"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/htlcswitch/hop"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSnapshotInterval defines how often the in-flight payments
	// snapshot is published in the absence of other triggers.
	DefaultSnapshotInterval = 10 * time.Second
)

// Switchboard bridges the connected nodes and the payment registry. It
// decodes intercepted htlcs into payment views, tracks the unresolved set,
// publishes in-flight snapshots and carries the registry's decisions back to
// the channels as interceptor replies.
type Switchboard struct {
	registry   *Registry
	sphinx     *hop.OnionProcessor
	trampoline *trampolineDecoder
	sender     OutgoingSender

	lnd    []lnd.LndClient
	logger *zap.SugaredLogger

	settledHandler *SettledHandler

	snapshotInterval time.Duration

	// bestHeight is the highest block height reported by any node.
	bestHeight uint32 // atomic

	// pending tracks unresolved htlcs with their reply paths.
	mu      sync.Mutex
	pending map[types.CircuitKey]*pendingHtlc
}

type pendingHtlc struct {
	htlc       Htlc
	obfuscator hop.ErrorEncrypter
	reply      func(*interceptedHtlcResponse) error
}

// SwitchboardConfig contains the configuration for the switchboard.
type SwitchboardConfig struct {
	KeyRing         keychain.SecretKeyRing
	ActiveNetParams *chaincfg.Params
	SettledHandler  *SettledHandler
	Sender          OutgoingSender

	SnapshotInterval time.Duration

	Lnd      []lnd.LndClient
	Logger   *zap.SugaredLogger
	Registry *Registry
}

func NewSwitchboard(cfg *SwitchboardConfig) (*Switchboard, error) {
	idKeyDesc, err := cfg.KeyRing.DeriveKey(
		keychain.KeyLocator{
			Family: keychain.KeyFamilyNodeKey,
			Index:  0,
		},
	)
	if err != nil {
		return nil, err
	}

	nodeKeyECDH := keychain.NewPubKeyECDH(idKeyDesc, cfg.KeyRing)

	replayLog := &replayLog{}

	sphinxRouter := sphinx.NewRouter(
		nodeKeyECDH, cfg.ActiveNetParams, replayLog,
	)

	interval := cfg.SnapshotInterval
	if interval == 0 {
		interval = DefaultSnapshotInterval
	}

	return &Switchboard{
		registry:         cfg.Registry,
		sphinx:           hop.NewOnionProcessor(sphinxRouter),
		trampoline:       newTrampolineDecoder(sphinxRouter),
		sender:           cfg.Sender,
		lnd:              cfg.Lnd,
		logger:           cfg.Logger,
		settledHandler:   cfg.SettledHandler,
		snapshotInterval: interval,
		pending:          make(map[types.CircuitKey]*pendingHtlc),
	}, nil
}

// SetRegistry wires the payment registry. Must be called before Run when the
// registry wasn't available at construction time (it may itself need the
// switchboard as its command bus and height source).
func (s *Switchboard) SetRegistry(registry *Registry) {
	s.registry = registry
}

// SetSender wires the outgoing sender. Must be called before Run when the
// sender wasn't available at construction time.
func (s *Switchboard) SetSender(sender OutgoingSender) {
	s.sender = sender
}

// CurrentHeight returns the best known block height.
//
// NOTE: Part of the HeightSource interface.
func (s *Switchboard) CurrentHeight() uint32 {
	return atomic.LoadUint32(&s.bestHeight)
}

func (s *Switchboard) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.registry.Run(ctx)
	})

	group.Go(func() error {
		return s.run(ctx)
	})

	return group.Wait()
}

func (s *Switchboard) run(mainCtx context.Context) error {
	ctx, cancel := context.WithCancel(mainCtx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	// Register for htlc interception and block events.
	htlcChan := make(chan *interceptedHtlc)
	heightChan := make(chan int)

	for _, lnd := range s.lnd {
		interceptor := newInterceptor(
			lnd, s.logger, htlcChan, heightChan,
			s.settledHandler.preSendHandler,
		)

		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()

			interceptor.run(ctx)
		}(ctx)
	}

	// All connected nodes will immediately send the current block height.
	// Pick up the first height received to initialize our local height.
	select {
	case height := <-heightChan:
		atomic.StoreUint32(&s.bestHeight, uint32(height))

	case <-ctx.Done():
		return nil
	}

	snapshotTicker := time.NewTicker(s.snapshotInterval)
	defer snapshotTicker.Stop()

	s.logger.Debugw("Starting switchboard event loop")
	for {
		select {
		case receivedHeight := <-heightChan:
			// Keep track of the highest height only.
			if uint32(receivedHeight) > s.CurrentHeight() {
				atomic.StoreUint32(
					&s.bestHeight, uint32(receivedHeight),
				)

				// Processors re-check expiries against the
				// new height.
				if err := s.publishSnapshot(); err != nil {
					return err
				}
			}

		case htlc := <-htlcChan:
			if err := s.ProcessHtlc(htlc); err != nil {
				return err
			}

		case <-snapshotTicker.C:
			if err := s.publishSnapshot(); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// publishSnapshot assembles the current in-flight view and hands it to the
// registry.
func (s *Switchboard) publishSnapshot() error {
	snapshot := &InFlightPayments{
		Incoming: make(map[types.FullPaymentTag][]Htlc),
		Outgoing: s.sender.InFlightAttempts(),
		AllTags:  make(map[types.FullPaymentTag]struct{}),
	}

	s.mu.Lock()
	for _, pending := range s.pending {
		tag := pending.htlc.PaymentTag()
		snapshot.Incoming[tag] = append(
			snapshot.Incoming[tag], pending.htlc,
		)
	}
	s.mu.Unlock()

	for tag := range snapshot.Incoming {
		snapshot.AllTags[tag] = struct{}{}
	}
	for tag := range snapshot.Outgoing {
		snapshot.AllTags[tag] = struct{}{}
	}

	err := s.registry.NotifyInFlight(snapshot)
	if errors.Is(err, ErrShuttingDown) {
		// The registry isn't accepting processors; the next snapshot
		// retries.
		return nil
	}

	return err
}

func marshallFailureCode(code lnwire.FailCode) (
	lnrpc.Failure_FailureCode, error) {

	switch code {
	case lnwire.CodeInvalidOnionHmac:
		return lnrpc.Failure_INVALID_ONION_HMAC, nil

	case lnwire.CodeInvalidOnionVersion:
		return lnrpc.Failure_INVALID_ONION_VERSION, nil

	case lnwire.CodeInvalidOnionKey:
		return lnrpc.Failure_INVALID_ONION_KEY, nil

	default:
		return 0, fmt.Errorf("unsupported code %v", code)
	}
}

// ProcessHtlc decodes an intercepted htlc and registers it with the payment
// registry.
func (s *Switchboard) ProcessHtlc(htlc *interceptedHtlc) error {
	logger := s.logger.With(
		"hash", htlc.hash,
		"source", htlc.source,
		"circuitKey", htlc.circuitKey,
	)

	// Only process htlcs that terminate at this node. Regular forwards
	// pass through untouched.
	if htlc.outgoingChanID != 0 {
		err := htlc.reply(&interceptedHtlcResponse{
			action: routerrpc.ResolveHoldForwardAction_RESUME,
		})
		if err != nil {
			logger.Errorw("Htlc reply error", "err", err)
		}

		return nil
	}

	logger.Infow("Htlc received")

	height := s.CurrentHeight()

	fail := func(code lnwire.FailCode) error {
		logger.Debugw("Failing htlc", "code", code)

		rpcCode, err := marshallFailureCode(code)
		if err != nil {
			return err
		}

		return htlc.reply(&interceptedHtlcResponse{
			action:      routerrpc.ResolveHoldForwardAction_FAIL,
			failureCode: rpcCode,
		})
	}

	// Try decode final hop onion. Expiry can be set to zero, because the
	// replay log is disabled.
	onionReader := bytes.NewReader(htlc.onionBlob)
	iterator, failCode := s.sphinx.DecodeHopIterator(
		onionReader, htlc.hash[:], height,
	)
	if failCode != lnwire.CodeNone {
		logger.Debugw("Cannot decode hop iterator")

		return fail(failCode)
	}

	payload, err := iterator.HopPayload()
	if err != nil {
		return err
	}

	obfuscator, failCode := iterator.ExtractErrorEncrypter(
		s.sphinx.ExtractErrorEncrypter,
	)
	if failCode != lnwire.CodeNone {
		logger.Debugw("Cannot extract error encryptor")

		return fail(failCode)
	}

	view, err := s.htlcView(htlc, payload)
	if err != nil {
		logger.Debugw("Cannot build htlc view", "err", err)

		// Treat undecodable payloads as unknown payment details.
		return s.replyFailure(&pendingHtlc{
			htlc:       nil,
			obfuscator: obfuscator,
			reply:      htlc.reply,
		}, lnwire.NewFailIncorrectDetails(
			lnwire.MilliSatoshi(htlc.amountMsat), 0,
		))
	}

	s.mu.Lock()
	s.pending[htlc.circuitKey] = &pendingHtlc{
		htlc:       view,
		obfuscator: obfuscator,
		reply:      htlc.reply,
	}
	s.mu.Unlock()

	err = s.registry.NotifyHtlcArrived(view)
	if err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}

	return s.publishSnapshot()
}

// htlcView builds the decoded payment view for the processors. The presence
// of a trampoline onion packet in the payload decides the payment kind.
func (s *Switchboard) htlcView(htlc *interceptedHtlc,
	payload *hop.Payload) (Htlc, error) {

	mpp := payload.MultiPath()
	if mpp == nil {
		return nil, fmt.Errorf("missing mpp record")
	}

	base := htlcBase{
		CircuitKey: htlc.circuitKey,
		AmountMsat: lnwire.MilliSatoshi(htlc.amountMsat),
		CltvExpiry: htlc.expiry,
	}

	trampolineBlob, ok := payload.CustomRecords()[trampolineOnionType]
	if !ok {
		base.Tag = types.FullPaymentTag{
			Hash:   htlc.hash,
			Secret: mpp.PaymentAddr(),
			Kind:   types.FinalIncoming,
		}

		return &LocalHtlc{
			htlcBase:  base,
			TotalMsat: mpp.TotalMsat(),
		}, nil
	}

	inner, nextOnion, err := s.trampoline.decode(trampolineBlob, htlc.hash)
	if err != nil {
		return nil, fmt.Errorf("cannot decode trampoline onion: %w",
			err)
	}

	base.Tag = types.FullPaymentTag{
		Hash:   htlc.hash,
		Secret: mpp.PaymentAddr(),
		Kind:   types.TrampolineRouted,
	}

	return &TrampolineHtlc{
		htlcBase:  base,
		Outer:     OuterPayload{TotalMsat: mpp.TotalMsat()},
		Inner:     *inner,
		NextOnion: nextOnion,
	}, nil
}

// Fulfill claims an incoming htlc with the preimage.
//
// NOTE: Part of the ChannelBus interface.
func (s *Switchboard) Fulfill(cmd FulfillCommand) {
	pending, ok := s.takePending(cmd.Key)
	if !ok {
		// Already resolved. Duplicate commands are expected, the
		// processors re-emit on every snapshot.
		return
	}

	s.logger.Debugw("Settling htlc",
		"circuitKey", cmd.Key, "hash", cmd.Hash)

	err := pending.reply(&interceptedHtlcResponse{
		action:   routerrpc.ResolveHoldForwardAction_SETTLE,
		preimage: cmd.Preimage,
	})
	if err != nil {
		s.logger.Errorw("Htlc reply error", "err", err)
	}
}

// Fail rejects an incoming htlc.
//
// NOTE: Part of the ChannelBus interface.
func (s *Switchboard) Fail(cmd FailCommand) {
	pending, ok := s.takePending(cmd.Key)
	if !ok {
		return
	}

	s.logger.Debugw("Failing htlc",
		"circuitKey", cmd.Key, "failure", cmd.Failure)

	if err := s.replyFailure(pending, cmd.Failure); err != nil {
		s.logger.Errorw("Htlc reply error", "err", err)
	}
}

func (s *Switchboard) replyFailure(pending *pendingHtlc,
	failure lnwire.FailureMessage) error {

	reason, err := pending.obfuscator.EncryptFirstHop(failure)
	if err != nil {
		return err
	}

	return pending.reply(&interceptedHtlcResponse{
		action:         routerrpc.ResolveHoldForwardAction_FAIL,
		failureMessage: reason,
	})
}

func (s *Switchboard) takePending(key types.CircuitKey) (*pendingHtlc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[key]
	if !ok {
		return nil, false
	}

	delete(s.pending, key)

	return pending, true
}

type interceptedHtlc struct {
	source         common.PubKey
	circuitKey     types.CircuitKey
	hash           lntypes.Hash
	onionBlob      []byte
	amountMsat     int64
	expiry         uint32
	outgoingChanID uint64

	reply func(*interceptedHtlcResponse) error
}

type interceptedHtlcResponse struct {
	action         routerrpc.ResolveHoldForwardAction
	preimage       lntypes.Preimage
	failureMessage []byte
	failureCode    lnrpc.Failure_FailureCode
}
