package immortan

import (
	"context"
	"sync"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// PaymentDB is the persistent payment and preimage store backing the
// processors.
type PaymentDB interface {
	// GetPayment looks up payment metadata by hash. Returns
	// types.ErrPaymentNotFound when no payment is known for the hash.
	GetPayment(ctx context.Context, hash lntypes.Hash) (
		*persistence.Payment, error)

	// GetPreimage looks up a known preimage by hash. Returns
	// types.ErrPaymentNotFound when the preimage isn't known.
	GetPreimage(ctx context.Context, hash lntypes.Hash) (
		lntypes.Preimage, error)

	// MarkIncomingSucceeded updates the incoming payment row to
	// succeeded with the amount actually received.
	MarkIncomingSucceeded(ctx context.Context, hash lntypes.Hash,
		received lnwire.MilliSatoshi,
		htlcs map[types.CircuitKey]int64) error

	// StorePreimage persists a revealed preimage.
	StorePreimage(ctx context.Context, hash lntypes.Hash,
		preimage lntypes.Preimage) error

	// AddRelayedPreimage records the settlement parameters of a relayed
	// payment.
	AddRelayedPreimage(ctx context.Context, hash lntypes.Hash,
		preimage lntypes.Preimage, forwarded,
		finalFee lnwire.MilliSatoshi) error
}

// paymentStore memoizes payment and preimage lookups. Processors poll the
// store at every decision point, which without memoization would hit the
// database once per snapshot per htlc set.
type paymentStore struct {
	db PaymentDB

	mu        sync.Mutex
	payments  map[lntypes.Hash]*persistence.Payment
	preimages map[lntypes.Hash]lntypes.Preimage
}

func newPaymentStore(db PaymentDB) *paymentStore {
	return &paymentStore{
		db:        db,
		payments:  make(map[lntypes.Hash]*persistence.Payment),
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
	}
}

// paymentInfo returns the payment metadata for hash, or ok=false when no
// payment is known. Database errors other than not-found propagate.
func (s *paymentStore) paymentInfo(ctx context.Context, hash lntypes.Hash) (
	*persistence.Payment, bool, error) {

	s.mu.Lock()
	if payment, ok := s.payments[hash]; ok {
		s.mu.Unlock()

		return payment, true, nil
	}
	s.mu.Unlock()

	payment, err := s.db.GetPayment(ctx, hash)
	switch {
	case err == types.ErrPaymentNotFound:
		return nil, false, nil

	case err != nil:
		return nil, false, err
	}

	s.mu.Lock()
	s.payments[hash] = payment
	s.mu.Unlock()

	return payment, true, nil
}

// preimage returns the stored preimage for hash, or ok=false when it isn't
// known.
func (s *paymentStore) preimage(ctx context.Context, hash lntypes.Hash) (
	lntypes.Preimage, bool, error) {

	s.mu.Lock()
	if preimage, ok := s.preimages[hash]; ok {
		s.mu.Unlock()

		return preimage, true, nil
	}
	s.mu.Unlock()

	preimage, err := s.db.GetPreimage(ctx, hash)
	switch {
	case err == types.ErrPaymentNotFound:
		return lntypes.Preimage{}, false, nil

	case err != nil:
		return lntypes.Preimage{}, false, err
	}

	s.mu.Lock()
	s.preimages[hash] = preimage
	s.mu.Unlock()

	return preimage, true, nil
}

// invalidate drops the memoized entries for hash so that subsequent reads
// observe persistence.
func (s *paymentStore) invalidate(hash lntypes.Hash) {
	s.mu.Lock()
	delete(s.payments, hash)
	delete(s.preimages, hash)
	s.mu.Unlock()
}

// markIncomingSucceeded persists the incoming success and invalidates the
// memoized state for hash.
func (s *paymentStore) markIncomingSucceeded(ctx context.Context,
	hash lntypes.Hash, received lnwire.MilliSatoshi,
	htlcs map[types.CircuitKey]int64) error {

	err := s.db.MarkIncomingSucceeded(ctx, hash, received, htlcs)
	if err != nil {
		return err
	}

	s.invalidate(hash)

	return nil
}

// storePreimage persists a revealed preimage and invalidates the memoized
// state for hash.
func (s *paymentStore) storePreimage(ctx context.Context, hash lntypes.Hash,
	preimage lntypes.Preimage) error {

	if err := s.db.StorePreimage(ctx, hash, preimage); err != nil {
		return err
	}

	s.invalidate(hash)

	return nil
}

// addRelayedPreimage persists the relayed settlement record.
func (s *paymentStore) addRelayedPreimage(ctx context.Context,
	hash lntypes.Hash, preimage lntypes.Preimage, forwarded,
	finalFee lnwire.MilliSatoshi) error {

	return s.db.AddRelayedPreimage(ctx, hash, preimage, forwarded, finalFee)
}
