package immortan

import (
	"context"
	"testing"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// Lookups are memoized and invalidated when persistence changes.
func TestPaymentStoreMemoization(t *testing.T) {
	db := newFakeDB()
	store := newPaymentStore(db)
	ctx := context.Background()

	preimage := lntypes.Preimage{30}
	hash := preimage.Hash()

	db.payments[hash] = &persistence.Payment{
		Hash:       hash,
		Preimage:   preimage,
		IsIncoming: true,
		Status:     persistence.PaymentStatusPending,
	}

	info, ok, err := store.paymentInfo(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, persistence.PaymentStatusPending, info.Status)

	// The second lookup is served from memory.
	_, _, err = store.paymentInfo(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, 1, db.paymentLookups)

	// A missed preimage lookup is not cached.
	_, ok, err = store.preimage(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)

	// Writing the preimage invalidates the memoized state.
	require.NoError(t, store.storePreimage(ctx, hash, preimage))

	db.payments[hash].Status = persistence.PaymentStatusSucceeded

	info, ok, err = store.paymentInfo(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, persistence.PaymentStatusSucceeded, info.Status)

	stored, ok, err := store.preimage(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, preimage, stored)

	// Preimage reads are memoized too.
	lookups := db.preimageLookups
	_, _, err = store.preimage(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, lookups, db.preimageLookups)
}
