package immortan

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/feature"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/netann"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/BTCparadigm/IMMORTAN/persistence"
)

type InvoiceCreatorConfig struct {
	KeyRing         keychain.SecretKeyRing
	ActiveNetParams *chaincfg.Params
	Persister       *persistence.PostgresPersister
}

// InvoiceCreator produces signed bolt11 payment requests and stores the
// matching pending payment rows, so that arriving htlcs find the invoice
// metadata in the payment store.
type InvoiceCreator struct {
	keyRing         keychain.SecretKeyRing
	activeNetParams *chaincfg.Params
	persister       *persistence.PostgresPersister
	idKeyDesc       keychain.KeyDescriptor
}

func NewInvoiceCreator(cfg *InvoiceCreatorConfig) (*InvoiceCreator, error) {
	idKeyDesc, err := cfg.KeyRing.DeriveKey(
		keychain.KeyLocator{
			Family: keychain.KeyFamilyNodeKey,
			Index:  0,
		},
	)
	if err != nil {
		return nil, err
	}

	return &InvoiceCreator{
		activeNetParams: cfg.ActiveNetParams,
		keyRing:         cfg.KeyRing,
		persister:       cfg.Persister,
		idKeyDesc:       idKeyDesc,
	}, nil
}

// Create generates a new invoice and persists the pending payment row. A
// zero amtMSat creates an amount-less invoice that allows the payer to
// choose the amount.
func (c *InvoiceCreator) Create(ctx context.Context, amtMSat int64,
	expiry time.Duration, memo string, cltvDelta uint64) (
	*persistence.Payment, lntypes.Hash, error) {

	// Get features.
	featureMgr, err := feature.NewManager(feature.Config{})
	if err != nil {
		return nil, lntypes.Hash{}, err
	}

	nodeKeySigner := keychain.NewPubKeyMessageSigner(
		c.idKeyDesc.PubKey, c.idKeyDesc.KeyLocator, c.keyRing,
	)

	nodeSigner := netann.NewNodeSigner(nodeKeySigner)

	paymentPreimage := &lntypes.Preimage{}
	if _, err := rand.Read(paymentPreimage[:]); err != nil {
		return nil, lntypes.Hash{}, err
	}
	paymentHash := paymentPreimage.Hash()

	// We also create an encoded payment request which allows the
	// caller to compactly send the invoice to the payer. We'll create a
	// list of options to be added to the encoded payment request: the
	// amount, expiry, description, cltv expiry, invoice features and
	// payment address.
	var options []func(*zpay32.Invoice)

	// We only include the amount in the invoice if it is greater than 0.
	// By not including the amount, we enable the creation of invoices that
	// allow the payer to specify the amount of satoshis they wish to send.
	if amtMSat > 0 {
		options = append(options,
			zpay32.Amount(lnwire.MilliSatoshi(amtMSat)),
		)
	}

	options = append(options, zpay32.Expiry(expiry))

	// Use the memo field as the description. If this is not set
	// this will just be an empty string.
	options = append(options, zpay32.Description(memo))

	options = append(options, zpay32.CLTVExpiry(cltvDelta))

	// Set our desired invoice features and add them to our list of options.
	invoiceFeatures := featureMgr.Get(feature.SetInvoice)
	options = append(options, zpay32.Features(invoiceFeatures))

	// Generate and set a random payment address for this invoice. If the
	// sender understands payment addresses, this can be used to avoid
	// intermediaries probing the receiver.
	var paymentAddr [32]byte
	if _, err := rand.Read(paymentAddr[:]); err != nil {
		return nil, lntypes.Hash{}, err
	}
	options = append(options, zpay32.PaymentAddr(paymentAddr))

	// Create and encode the payment request as a bech32 (zpay32) string.
	creationDate := time.Now()
	payReq, err := zpay32.NewInvoice(
		c.activeNetParams, paymentHash, creationDate, options...,
	)
	if err != nil {
		return nil, lntypes.Hash{}, err
	}

	payReqString, err := payReq.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return nodeSigner.SignMessageCompact(msg, false)
		},
	})
	if err != nil {
		return nil, lntypes.Hash{}, err
	}

	payment := &persistence.Payment{
		Hash:           paymentHash,
		Preimage:       *paymentPreimage,
		IsIncoming:     true,
		Status:         persistence.PaymentStatusPending,
		PaymentRequest: payReqString,
		CreatedAt:      creationDate,
	}

	if amtMSat > 0 {
		amt := lnwire.MilliSatoshi(amtMSat)
		payment.AmountMsat = &amt
	}

	if err := c.persister.AddPayment(ctx, payment); err != nil {
		return nil, lntypes.Hash{}, err
	}

	return payment, paymentHash, nil
}
