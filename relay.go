package immortan

import (
	"math"

	"github.com/lightningnetwork/lnd/lnwire"
)

// TrampolinePolicy contains the parameters this node advertises for
// trampoline relaying.
type TrampolinePolicy struct {
	// BaseFeeMsat is the flat fee charged per relayed payment.
	BaseFeeMsat lnwire.MilliSatoshi

	// FeeProportionalMillionths is the linear fee component in parts per
	// million of the relayed amount.
	FeeProportionalMillionths uint64

	// Exponent and LogExponentFactor shape the non-linear fee surcharge
	// amt^Exponent / LogExponentFactor. Both zero disables the surcharge.
	Exponent          float64
	LogExponentFactor float64

	// CltvDelta is the number of blocks this node requires between the
	// incoming and outgoing expiries.
	CltvDelta uint32

	// MinimumHtlcMsat is the smallest amount this node is willing to
	// forward.
	MinimumHtlcMsat lnwire.MilliSatoshi
}

// RelayFee returns the fee required for relaying amt. Monotonic
// non-decreasing in amt.
func (p *TrampolinePolicy) RelayFee(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	fee := p.BaseFeeMsat +
		amt*lnwire.MilliSatoshi(p.FeeProportionalMillionths)/1_000_000

	if p.Exponent > 0 && p.LogExponentFactor > 0 {
		surcharge := math.Pow(float64(amt), p.Exponent) /
			p.LogExponentFactor
		fee += lnwire.MilliSatoshi(surcharge)
	}

	return fee
}

// validateRelay decides whether a covered incoming set is acceptable for
// relaying. It returns the failure to send upstream, or nil when the set can
// be relayed. The checks run in a fixed order and the first failing check
// wins.
func validateRelay(policy *TrampolinePolicy, adds []*TrampolineHtlc,
	height uint32) lnwire.FailureMessage {

	first := adds[0]
	totalIn := sumAmounts(adds)

	switch {
	// A set invoice feature vector without a payment secret would require
	// relaying to a non-trampoline recipient that cannot do mpp. We
	// refuse those.
	case first.Inner.InvoiceFeatures != nil &&
		first.Inner.PaymentSecret == nil:

		return &lnwire.FailTemporaryNodeFailure{}

	case int64(policy.RelayFee(totalIn)) >
		int64(totalIn)-int64(first.Inner.AmtToForward):

		return &FailTrampolineFeeInsufficient{}

	case !agreeOnForwardAmount(adds):
		return lnwire.NewFailIncorrectDetails(first.Amount(), 0)

	case !agreeOnTotalAmount(adds):
		return lnwire.NewFailIncorrectDetails(first.Amount(), 0)

	case int64(minExpiry(adds))-int64(first.Inner.OutgoingCltv) <
		int64(policy.CltvDelta):

		return &FailTrampolineExpiryTooSoon{}

	case first.Inner.OutgoingCltv <= height:
		return &FailTrampolineExpiryTooSoon{}

	case first.Inner.AmtToForward < policy.MinimumHtlcMsat:
		return &lnwire.FailTemporaryNodeFailure{}

	default:
		return nil
	}
}

func agreeOnForwardAmount(adds []*TrampolineHtlc) bool {
	for _, h := range adds[1:] {
		if h.Inner.AmtToForward != adds[0].Inner.AmtToForward {
			return false
		}
	}

	return true
}

func agreeOnTotalAmount(adds []*TrampolineHtlc) bool {
	for _, h := range adds[1:] {
		if h.Outer.TotalMsat != adds[0].Outer.TotalMsat {
			return false
		}
	}

	return true
}

// relayCovered reports whether the incoming set has reached the total amount
// advertised for it.
func relayCovered(adds []*TrampolineHtlc) bool {
	return len(adds) > 0 && sumAmounts(adds) >= adds[0].Outer.TotalMsat
}
