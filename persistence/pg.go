package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/go-pg/pg/v10"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

// PaymentStatus describes the lifecycle of a payment row.
type PaymentStatus int

const (
	PaymentStatusPending PaymentStatus = iota
	PaymentStatusSucceeded
	PaymentStatusFailed
	PaymentStatusAborted
)

// String returns a string representation of the status.
func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusPending:
		return "pending"

	case PaymentStatusSucceeded:
		return "succeeded"

	case PaymentStatusFailed:
		return "failed"

	case PaymentStatusAborted:
		return "aborted"

	default:
		return "unknown"
	}
}

// Payment holds the stored metadata of one payment, incoming or outgoing.
type Payment struct {
	// Hash is the payment hash.
	Hash lntypes.Hash

	// Preimage is the preimage associated with the payment. For incoming
	// payments it is known at creation.
	Preimage lntypes.Preimage

	// IsIncoming distinguishes payments to this node from payments made
	// by this node.
	IsIncoming bool

	// AmountMsat is the requested amount. Nil for amount-less invoices.
	AmountMsat *lnwire.MilliSatoshi

	// ReceivedMsat is the amount actually received once succeeded.
	ReceivedMsat lnwire.MilliSatoshi

	// Status is the payment lifecycle status.
	Status PaymentStatus

	// PaymentRequest is the encoded invoice, if any.
	PaymentRequest string

	CreatedAt time.Time
	SettledAt time.Time
}

type dbPayment struct {
	tableName struct{} `pg:"wallet.payments,discard_unknown_columns"` // nolint

	Hash           lntypes.Hash     `pg:"hash,pk"`
	Preimage       lntypes.Preimage `pg:"preimage"`
	IsIncoming     bool             `pg:"is_incoming,use_zero"`
	AmountMsat     *int64           `pg:"amount_msat"`
	ReceivedMsat   int64            `pg:"received_msat,use_zero"`
	Status         int              `pg:"status,use_zero"`
	PaymentRequest string           `pg:"payment_request"`

	CreatedAt time.Time `pg:"created_at"`
	SettledAt time.Time `pg:"settled_at"`
}

type dbPreimage struct {
	tableName struct{} `pg:"wallet.preimages,discard_unknown_columns"` // nolint

	Hash     lntypes.Hash     `pg:"hash,pk"`
	Preimage lntypes.Preimage `pg:"preimage"`

	CreatedAt time.Time `pg:"created_at"`
}

type dbRelayedPreimage struct {
	tableName struct{} `pg:"wallet.relayed_preimages,discard_unknown_columns"` // nolint

	Hash          lntypes.Hash     `pg:"hash,pk"`
	Preimage      lntypes.Preimage `pg:"preimage"`
	ForwardedMsat int64            `pg:"forwarded_msat,use_zero"`
	FinalFeeMsat  int64            `pg:"final_fee_msat,use_zero"`

	CreatedAt time.Time `pg:"created_at"`
}

type dbHtlc struct {
	tableName struct{} `pg:"wallet.htlcs,discard_unknown_columns"` // nolint

	Hash       lntypes.Hash `pg:"hash"`
	ChanID     uint64       `pg:"chan_id,use_zero,pk"`
	HtlcID     uint64       `pg:"htlc_id,use_zero,pk"`
	AmountMsat int64        `pg:"amount_msat,use_zero"`

	Settled   bool      `pg:"settled,use_zero"`
	SettledAt time.Time `pg:"settled_at"`
}

type dbInstanceLock struct {
	tableName struct{} `pg:"wallet.instance_lock, discard_unknown_columns"` // nolint

	LockUpdatedAt time.Time `pg:"lock_updated_at"`
}

// ErrHtlcNotFound is returned when a targeted htlc row can't be found.
var ErrHtlcNotFound = errors.New("unable to locate htlc")

// PostgresPersister persists payments, preimages and relayed settlement
// records to Postgres.
type PostgresPersister struct {
	conn *pg.DB

	logger *zap.SugaredLogger

	// No mutex required, only accessed inside transactions.
	lastUpdate time.Time

	lockUpdateInterval       time.Duration
	lockUpdateStartThreshold time.Duration
}

const (
	// DefaultLockUpdateInterval specifies a default for LockUpdateInterval.
	DefaultLockUpdateInterval = 10 * time.Second

	// DefaultLockUpdateStartThreshold specifies a default for
	// LockUpdateStartThreshold.
	DefaultLockUpdateStartThreshold = 30 * time.Second
)

// PostgresPersisterConfig is for instantiating PostgresPersister.
type PostgresPersisterConfig struct {
	Logger *zap.SugaredLogger

	// LockUpdateInterval specifies how often to update the lock_updated_at
	// timestamp in the instance locks table.
	LockUpdateInterval time.Duration

	// LockUpdateStartThreshold specifies how long it must be since the
	// timestamp in the instance locks table has been updated to be allowed
	// to start.
	LockUpdateStartThreshold time.Duration
}

func marshallPayment(payment *Payment) *dbPayment {
	row := &dbPayment{
		Hash:           payment.Hash,
		Preimage:       payment.Preimage,
		IsIncoming:     payment.IsIncoming,
		ReceivedMsat:   int64(payment.ReceivedMsat),
		Status:         int(payment.Status),
		PaymentRequest: payment.PaymentRequest,
		CreatedAt:      payment.CreatedAt,
		SettledAt:      payment.SettledAt,
	}

	if payment.AmountMsat != nil {
		amt := int64(*payment.AmountMsat)
		row.AmountMsat = &amt
	}

	return row
}

func unmarshallPayment(row *dbPayment) *Payment {
	payment := &Payment{
		Hash:           row.Hash,
		Preimage:       row.Preimage,
		IsIncoming:     row.IsIncoming,
		ReceivedMsat:   lnwire.MilliSatoshi(row.ReceivedMsat),
		Status:         PaymentStatus(row.Status),
		PaymentRequest: row.PaymentRequest,
		CreatedAt:      row.CreatedAt,
		SettledAt:      row.SettledAt,
	}

	if row.AmountMsat != nil {
		amt := lnwire.MilliSatoshi(*row.AmountMsat)
		payment.AmountMsat = &amt
	}

	return payment
}

// AddPayment inserts a new pending payment row.
func (p *PostgresPersister) AddPayment(ctx context.Context,
	payment *Payment) error {

	return p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		_, err = tx.ModelContext(ctx, marshallPayment(payment)).
			Insert() // nolint:contextcheck

		return err
	})
}

// GetPayment looks up a payment row by hash.
func (p *PostgresPersister) GetPayment(ctx context.Context,
	hash lntypes.Hash) (*Payment, error) {

	var payment *Payment

	err := p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		var row dbPayment
		err = tx.ModelContext(ctx, &row).
			Where("hash=?", hash).Select() // nolint:contextcheck
		switch {
		case err == pg.ErrNoRows:
			return types.ErrPaymentNotFound

		case err != nil:
			return err
		}

		payment = unmarshallPayment(&row)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// GetPreimage looks up a stored preimage by hash.
func (p *PostgresPersister) GetPreimage(ctx context.Context,
	hash lntypes.Hash) (lntypes.Preimage, error) {

	var preimage lntypes.Preimage

	err := p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		var row dbPreimage
		err = tx.ModelContext(ctx, &row).
			Where("hash=?", hash).Select() // nolint:contextcheck
		switch {
		case err == pg.ErrNoRows:
			return types.ErrPaymentNotFound

		case err != nil:
			return err
		}

		preimage = row.Preimage

		return nil
	})
	if err != nil {
		return lntypes.Preimage{}, err
	}

	return preimage, nil
}

// StorePreimage persists a revealed preimage. Idempotent: storing the same
// preimage again is not an error.
func (p *PostgresPersister) StorePreimage(ctx context.Context,
	hash lntypes.Hash, preimage lntypes.Preimage) error {

	return p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		row := &dbPreimage{
			Hash:      hash,
			Preimage:  preimage,
			CreatedAt: time.Now().UTC(),
		}

		_, err = tx.ModelContext(ctx, row).
			OnConflict("(hash) DO NOTHING").
			Insert() // nolint:contextcheck

		return err
	})
}

// MarkIncomingSucceeded updates the incoming payment row to succeeded with
// the amount actually received and records the htlcs that paid it, so that
// final settlement can be tracked per htlc.
func (p *PostgresPersister) MarkIncomingSucceeded(ctx context.Context,
	hash lntypes.Hash, received lnwire.MilliSatoshi,
	htlcs map[types.CircuitKey]int64) error {

	return p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		result, err := tx.ModelContext(ctx, (*dbPayment)(nil)).
			Where("hash=?", hash).
			Set("status=?", int(PaymentStatusSucceeded)).
			Set("received_msat=?", int64(received)).
			Update() // nolint:contextcheck
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return types.ErrPaymentNotFound
		}

		for key, amt := range htlcs {
			htlc := dbHtlc{
				Hash:       hash,
				ChanID:     key.ChanID,
				HtlcID:     key.HtlcID,
				AmountMsat: amt,
			}

			_, err := tx.ModelContext(ctx, &htlc).
				OnConflict("(chan_id, htlc_id) DO NOTHING").
				Insert() // nolint:contextcheck
			if err != nil {
				return fmt.Errorf("cannot insert htlc: %w", err)
			}
		}

		return nil
	})
}

// AddRelayedPreimage records the settlement parameters of a relayed payment.
func (p *PostgresPersister) AddRelayedPreimage(ctx context.Context,
	hash lntypes.Hash, preimage lntypes.Preimage, forwarded,
	finalFee lnwire.MilliSatoshi) error {

	return p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		row := &dbRelayedPreimage{
			Hash:          hash,
			Preimage:      preimage,
			ForwardedMsat: int64(forwarded),
			FinalFeeMsat:  int64(finalFee),
			CreatedAt:     time.Now().UTC(),
		}

		_, err = tx.ModelContext(ctx, row).
			OnConflict("(hash) DO NOTHING").
			Insert() // nolint:contextcheck

		return err
	})
}

// MarkHtlcSettled records the final on-chain-safe settlement of one htlc. It
// returns the hash of the payment the htlc belongs to, or ErrHtlcNotFound if
// the htlc isn't tracked, and reports whether all htlcs of the payment are
// now settled.
func (p *PostgresPersister) MarkHtlcSettled(ctx context.Context,
	key types.CircuitKey) (*lntypes.Hash, bool, error) {

	var (
		hash           lntypes.Hash
		paymentSettled bool
	)

	err := p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		now := time.Now().UTC()

		htlc := dbHtlc{
			ChanID: key.ChanID,
			HtlcID: key.HtlcID,
		}

		err = tx.ModelContext(ctx, &htlc).
			WherePK().Select() // nolint:contextcheck
		switch {
		case err == pg.ErrNoRows:
			return ErrHtlcNotFound

		case err != nil:
			return err
		}

		hash = htlc.Hash

		_, err = tx.ModelContext(ctx, &htlc).
			WherePK().
			Set("settled=?", true).
			Set("settled_at=?", now).
			Update() // nolint:contextcheck
		if err != nil {
			return err
		}

		count, err := tx.ModelContext(ctx, (*dbHtlc)(nil)).
			Where("hash=?", hash).
			Where("settled=?", false).
			Count()
		if err != nil {
			return err
		}

		if count == 0 {
			result, err := tx.ModelContext(ctx, (*dbPayment)(nil)).
				Where("hash=?", hash).
				Set("settled_at=?", now).
				Update() // nolint:contextcheck
			if err != nil {
				return err
			}
			if result.RowsAffected() == 0 {
				return types.ErrPaymentNotFound
			}

			paymentSettled = true
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return &hash, paymentSettled, nil
}

// GetPendingHtlcs returns the htlcs whose final settlement hasn't been
// observed yet.
func (p *PostgresPersister) GetPendingHtlcs(ctx context.Context) (
	map[types.CircuitKey]struct{}, error) {

	htlcs := make(map[types.CircuitKey]struct{})

	err := p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		err := p.checkLockValidity(ctx, tx)
		if err != nil {
			// We've lost the lock, close the persister.
			p.Close()

			return err
		}

		var rows []*dbHtlc
		err = tx.ModelContext(ctx, &rows).
			Where("settled=?", false).
			Select() // nolint:contextcheck
		if err != nil {
			return err
		}

		for _, row := range rows {
			htlcs[types.CircuitKey{
				ChanID: row.ChanID,
				HtlcID: row.HtlcID,
			}] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return htlcs, nil
}

// Ping pings the database connection to ensure it is available
func (p *PostgresPersister) Ping(ctx context.Context) error {
	if p.conn != nil {
		if _, err := p.conn.ExecOneContext(ctx, "SELECT 1"); err != nil {
			return err
		}
	}

	return nil
}

func (p *PostgresPersister) Close() error {
	return p.conn.Close()
}

func (p *PostgresPersister) checkLockValidity(ctx context.Context, tx *pg.Tx) error {
	now := time.Now().UTC()

	if now.Before(p.lastUpdate.Add(p.lockUpdateInterval)) {
		return nil
	}

	var lock dbInstanceLock

	err := tx.ModelContext(ctx, &lock).Select()
	if err != nil {
		return err
	}

	if lock.LockUpdatedAt != p.lastUpdate {
		return errors.New("another instance has lock")
	}

	result, err := tx.ModelContext(ctx, &dbInstanceLock{
		LockUpdatedAt: now,
	}).Where("lock_updated_at = ?", lock.LockUpdatedAt).
		Update()
	if err != nil {
		return err
	}
	if result.RowsAffected() != 1 {
		return errors.New("another instance has lock")
	}

	p.lastUpdate = now

	return nil
}

func (p *PostgresPersister) checkStartPersister(ctx context.Context) {
	err := p.conn.RunInTransaction(ctx, func(tx *pg.Tx) error {
		now := time.Now().UTC()

		var lock dbInstanceLock

		err := tx.ModelContext(ctx, &lock).Select()
		if err != nil {
			return err
		}

		if now.Before(lock.LockUpdatedAt.UTC().Add(
			p.lockUpdateStartThreshold)) {

			return errors.New("another instance has lock")
		}

		result, err := tx.ModelContext(ctx, &dbInstanceLock{
			LockUpdatedAt: now,
		}).Where("lock_updated_at = ?", lock.LockUpdatedAt).
			Update()
		if err != nil {
			return err
		}
		if result.RowsAffected() != 1 {
			return errors.New("another instance has lock")
		}

		p.lastUpdate = now

		return nil
	})
	if err != nil {
		panic(err)
	}
}

// NewPostgresPersisterFromOptions creates a new PostgresPersister using the options provided
func NewPostgresPersisterFromOptions(options *pg.Options,
	cfg *PostgresPersisterConfig) *PostgresPersister {

	conn := pg.Connect(options)

	persister := &PostgresPersister{
		logger:                   cfg.Logger,
		conn:                     conn,
		lockUpdateInterval:       cfg.LockUpdateInterval,
		lockUpdateStartThreshold: cfg.LockUpdateStartThreshold,
	}

	if int64(persister.lockUpdateInterval) == 0 {
		persister.lockUpdateInterval = DefaultLockUpdateInterval
	}

	if int64(persister.lockUpdateStartThreshold) == 0 {
		persister.lockUpdateStartThreshold = DefaultLockUpdateStartThreshold
	}

	persister.checkStartPersister(context.Background())

	return persister
}

// NewPostgresPersisterFromDSN creates a new PostgresPersister using the dsn provided
func NewPostgresPersisterFromDSN(dsn string, cfg *PostgresPersisterConfig) (
	*PostgresPersister, error) {

	options, err := pg.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	return NewPostgresPersisterFromOptions(options, cfg), nil
}
