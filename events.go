package immortan

import (
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// InFlightPayments is the wallet's periodic consistency snapshot: every
// unresolved incoming htlc and every in-flight outgoing attempt, grouped by
// payment tag. Processors base all fulfill/fail decisions on the most recent
// snapshot they have seen.
type InFlightPayments struct {
	// Incoming maps payment tags to the unresolved incoming htlcs for
	// that tag. The list is unordered but snapshot-stable.
	Incoming map[types.FullPaymentTag][]Htlc

	// Outgoing maps payment tags to the in-flight outgoing attempts
	// dispatched for that tag.
	Outgoing map[types.FullPaymentTag][]OutgoingAttempt

	// AllTags is the union of the incoming and outgoing key sets.
	AllTags map[types.FullPaymentTag]struct{}
}

// localAdds returns the incoming htlcs for tag asserted to the local
// receiver view.
func (s *InFlightPayments) localAdds(tag types.FullPaymentTag) []*LocalHtlc {
	var adds []*LocalHtlc
	for _, h := range s.Incoming[tag] {
		if local, ok := h.(*LocalHtlc); ok {
			adds = append(adds, local)
		}
	}

	return adds
}

// trampolineAdds returns the incoming htlcs for tag asserted to the
// trampoline relay view.
func (s *InFlightPayments) trampolineAdds(
	tag types.FullPaymentTag) []*TrampolineHtlc {

	var adds []*TrampolineHtlc
	for _, h := range s.Incoming[tag] {
		if tramp, ok := h.(*TrampolineHtlc); ok {
			adds = append(adds, tramp)
		}
	}

	return adds
}

// OutgoingAttempt is the read-only view of one in-flight part of an outgoing
// multipart payment.
type OutgoingAttempt struct {
	// AttemptID is the unique id of this attempt.
	AttemptID uint64

	// AmountMsat is the amount carried by this attempt.
	AmountMsat lnwire.MilliSatoshi
}

// htlcArrived notifies a processor of a single incoming htlc so that it can
// reset its receive timeout. Decisions are only taken on snapshots.
type htlcArrived struct {
	htlc Htlc
}

// cmdTimeout is the self-delivered receive-grace expiry token.
type cmdTimeout struct{}

// OutgoingFailed is the terminal outcome of an outgoing send, delivered when
// all attempts have failed.
type OutgoingFailed struct {
	// Tag is the payment tag the sender was bound to.
	Tag types.FullPaymentTag

	// Failures lists the failures of the individual attempts.
	Failures []SendFailure
}

// RemoteFulfill notifies that some outgoing part was fulfilled by the
// downstream peer, revealing the preimage.
type RemoteFulfill struct {
	// Hash is the payment hash of the fulfilled part.
	Hash lntypes.Hash

	// Preimage is the revealed preimage.
	Preimage lntypes.Preimage
}
