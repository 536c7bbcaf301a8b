package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/BTCparadigm/IMMORTAN/persistence/test"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestPersister(t *testing.T) *PostgresPersister {
	logger, _ := zap.NewDevelopment()

	options := test.CreatePGTestDB(t, &test.TestDBSettings{
		MigrationsPath: "./migrations",
	})

	persister := NewPostgresPersisterFromOptions(
		options, &PostgresPersisterConfig{
			Logger: logger.Sugar(),
		},
	)

	t.Cleanup(func() {
		persister.Close()
		test.DropTestDB(t, *options)
	})

	return persister
}

func TestPaymentLifecycle(t *testing.T) {
	persister := setupTestPersister(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{1}
	hash := preimage.Hash()
	amt := lnwire.MilliSatoshi(10000)

	_, err := persister.GetPayment(ctx, hash)
	require.ErrorIs(t, err, types.ErrPaymentNotFound)

	require.NoError(t, persister.AddPayment(ctx, &Payment{
		Hash:       hash,
		Preimage:   preimage,
		IsIncoming: true,
		AmountMsat: &amt,
		Status:     PaymentStatusPending,
		CreatedAt:  time.Now().UTC(),
	}))

	payment, err := persister.GetPayment(ctx, hash)
	require.NoError(t, err)
	require.True(t, payment.IsIncoming)
	require.Equal(t, amt, *payment.AmountMsat)
	require.Equal(t, PaymentStatusPending, payment.Status)

	htlcs := map[types.CircuitKey]int64{
		{ChanID: 10, HtlcID: 11}: 6000,
		{ChanID: 11, HtlcID: 12}: 4000,
	}

	require.NoError(t, persister.MarkIncomingSucceeded(
		ctx, hash, amt, htlcs,
	))

	payment, err = persister.GetPayment(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusSucceeded, payment.Status)
	require.Equal(t, amt, payment.ReceivedMsat)

	// Preimage store is separate from the payment row.
	_, err = persister.GetPreimage(ctx, hash)
	require.ErrorIs(t, err, types.ErrPaymentNotFound)

	require.NoError(t, persister.StorePreimage(ctx, hash, preimage))

	// Storing again must be idempotent.
	require.NoError(t, persister.StorePreimage(ctx, hash, preimage))

	storedPreimage, err := persister.GetPreimage(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, preimage, storedPreimage)

	// Settle both htlcs; the payment settles with the second one.
	settledHash, settled, err := persister.MarkHtlcSettled(
		ctx, types.CircuitKey{ChanID: 10, HtlcID: 11},
	)
	require.NoError(t, err)
	require.Equal(t, hash, *settledHash)
	require.False(t, settled)

	pending, err := persister.GetPendingHtlcs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	settledHash, settled, err = persister.MarkHtlcSettled(
		ctx, types.CircuitKey{ChanID: 11, HtlcID: 12},
	)
	require.NoError(t, err)
	require.Equal(t, hash, *settledHash)
	require.True(t, settled)

	payment, err = persister.GetPayment(ctx, hash)
	require.NoError(t, err)
	require.False(t, payment.SettledAt.IsZero())
}

func TestMarkHtlcSettledUnknown(t *testing.T) {
	persister := setupTestPersister(t)

	_, _, err := persister.MarkHtlcSettled(
		context.Background(), types.CircuitKey{ChanID: 99, HtlcID: 1},
	)
	require.ErrorIs(t, err, ErrHtlcNotFound)
}

func TestRelayedPreimage(t *testing.T) {
	persister := setupTestPersister(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{2}
	hash := preimage.Hash()

	require.NoError(t, persister.AddRelayedPreimage(
		ctx, hash, preimage, 95000, 4000,
	))

	// Replays are tolerated.
	require.NoError(t, persister.AddRelayedPreimage(
		ctx, hash, preimage, 95000, 4000,
	))
}
