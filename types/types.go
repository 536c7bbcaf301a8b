package types

import (
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrPaymentNotFound is returned when a targeted payment can't be
	// found.
	ErrPaymentNotFound = fmt.Errorf("unable to locate payment")
)

// PaymentTagKind distinguishes payments that terminate at this node from
// payments that are routed onwards on behalf of a trampoline sender.
type PaymentTagKind uint8

const (
	// FinalIncoming tags a payment whose final destination is this node.
	FinalIncoming PaymentTagKind = iota

	// TrampolineRouted tags a payment that transits this node toward
	// another recipient.
	TrampolineRouted
)

// String returns a string representation of the kind.
func (k PaymentTagKind) String() string {
	switch k {
	case FinalIncoming:
		return "final"

	case TrampolineRouted:
		return "trampoline"

	default:
		return "unknown"
	}
}

// FullPaymentTag identifies one logical payment. Two payments reusing the
// same hash are still distinct as long as their secret or kind differ.
type FullPaymentTag struct {
	// Hash is the payment hash shared by all htlcs of the payment.
	Hash lntypes.Hash

	// Secret is the payment secret binding the parts of an mpp set
	// together.
	Secret [32]byte

	// Kind tells whether the payment terminates here or is relayed.
	Kind PaymentTagKind
}

// String returns a human readable version of the tag.
func (t FullPaymentTag) String() string {
	return fmt.Sprintf("%v/%v", t.Hash, t.Kind)
}

// CircuitKey is used by a channel to uniquely identify the HTLCs it receives
// from the switch, and is used to purge our in-memory state of HTLCs that
// have already been processed by a link.
type CircuitKey struct {
	// ChanID is the short chanid indicating the HTLC's origin.
	ChanID uint64

	// HtlcID is the unique htlc index assigned by the link.
	HtlcID uint64
}

// String returns a string representation of the CircuitKey.
func (k CircuitKey) String() string {
	return fmt.Sprintf("%d:%d", k.ChanID, k.HtlcID)
}
