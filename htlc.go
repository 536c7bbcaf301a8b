package immortan

import (
	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Htlc is the decoded, validated view of one incoming htlc that the
// processors operate on. Onion decryption and payload validation happen in
// the node front end; processors never see raw wire data.
type Htlc interface {
	// PaymentTag groups this htlc with the other parts of its payment.
	PaymentTag() types.FullPaymentTag

	// Key identifies the htlc on the channel holding it.
	Key() types.CircuitKey

	// Amount is the htlc amount in millisatoshi.
	Amount() lnwire.MilliSatoshi

	// Expiry is the absolute block height at which the htlc times out.
	Expiry() uint32
}

type htlcBase struct {
	Tag        types.FullPaymentTag
	CircuitKey types.CircuitKey
	AmountMsat lnwire.MilliSatoshi
	CltvExpiry uint32
}

func (h *htlcBase) PaymentTag() types.FullPaymentTag { return h.Tag }
func (h *htlcBase) Key() types.CircuitKey            { return h.CircuitKey }
func (h *htlcBase) Amount() lnwire.MilliSatoshi      { return h.AmountMsat }
func (h *htlcBase) Expiry() uint32                   { return h.CltvExpiry }

// LocalHtlc is an incoming htlc terminating at this node.
type LocalHtlc struct {
	htlcBase

	// TotalMsat is the total amount expected for the mpp set this htlc
	// belongs to, as advertised by the sender.
	TotalMsat lnwire.MilliSatoshi
}

// TrampolineHtlc is an incoming htlc that asks this node to relay a payment
// onwards.
type TrampolineHtlc struct {
	htlcBase

	// Outer describes the payload addressed to us as an intermediate
	// recipient.
	Outer OuterPayload

	// Inner describes the relay instructions extracted from the
	// trampoline onion.
	Inner InnerPayload

	// NextOnion is the opaque onion packet for the next trampoline node.
	NextOnion []byte
}

// OuterPayload carries the mpp parameters of the incoming set.
type OuterPayload struct {
	// TotalMsat is the total amount of the incoming mpp set.
	TotalMsat lnwire.MilliSatoshi
}

// InnerPayload carries the sender's relay instructions.
type InnerPayload struct {
	// AmtToForward is the amount the next node must receive.
	AmtToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute expiry the outgoing htlcs must carry.
	OutgoingCltv uint32

	// OutgoingNode is the node the payment must be forwarded to.
	OutgoingNode common.PubKey

	// PaymentSecret is the secret of the final recipient's invoice. Only
	// set when we are asked to relay directly to a non-trampoline
	// recipient.
	PaymentSecret *[32]byte

	// InvoiceFeatures are the feature bits of the final recipient's
	// invoice. Presence indicates a relay to a non-trampoline recipient.
	InvoiceFeatures *lnwire.RawFeatureVector

	// RoutingHints are the assisted routes from the final recipient's
	// invoice.
	RoutingHints [][]zpay32.HopHint
}

func sumAmounts[H Htlc](htlcs []H) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, h := range htlcs {
		total += h.Amount()
	}

	return total
}

func minExpiry[H Htlc](htlcs []H) uint32 {
	min := htlcs[0].Expiry()
	for _, h := range htlcs[1:] {
		if h.Expiry() < min {
			min = h.Expiry()
		}
	}

	return min
}
