package immortan

import (
	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// SendMultiPart asks the outgoing sender to dispatch a multipart payment.
type SendMultiPart struct {
	// Tag binds the send to the incoming payment it is relaying.
	Tag types.FullPaymentTag

	// MaxCltvBudget bounds the cumulative cltv delta of any route the
	// sender picks.
	MaxCltvBudget uint32

	// Destination is the node the payment is sent to.
	Destination common.PubKey

	// OnionTotalMsat is the total amount signalled to the destination.
	OnionTotalMsat lnwire.MilliSatoshi

	// ActualTotalMsat is the amount the parts must sum to.
	ActualTotalMsat lnwire.MilliSatoshi

	// FeeReserveMsat is the upper bound the sender may spend on routing
	// fees.
	FeeReserveMsat lnwire.MilliSatoshi

	// OutgoingCltv is the absolute expiry the final htlcs must carry.
	OutgoingCltv uint32

	// AllowedChannels optionally restricts the local channels the parts
	// may leave through. Empty means no restriction.
	AllowedChannels []uint64

	// PaymentSecret is the secret placed in the final payload.
	PaymentSecret [32]byte

	// AssistedEdges are extra graph edges from the recipient's invoice
	// routing hints. Only set when relaying to a non-trampoline
	// recipient.
	AssistedEdges [][]zpay32.HopHint

	// TrampolineOnion is the onion packet for the next trampoline node.
	// Only set when relaying to another trampoline node.
	TrampolineOnion []byte
}

// SendFailure describes why one outgoing attempt failed.
type SendFailure interface {
	sendFailure()
}

// RemoteFailure is a failure reported by a remote node along an attempted
// route.
type RemoteFailure struct {
	// Origin is the node the failure originated at.
	Origin common.PubKey

	// Message is the decrypted wire failure message.
	Message lnwire.FailureMessage
}

func (f *RemoteFailure) sendFailure() {}

// LocalFailure is a failure generated before any part left this node.
type LocalFailure struct {
	// NoRouteFound is set when path-finding could not produce a route
	// within the fee and cltv budgets.
	NoRouteFound bool

	// Err carries detail for logging.
	Err error
}

func (f *LocalFailure) sendFailure() {}

// SenderListener receives outgoing-payment events. Deliveries are cross-actor
// messages: implementations enqueue them on their own input queue and return
// without blocking.
type SenderListener interface {
	// DeliverSenderEvent hands an *OutgoingFailed or *RemoteFulfill event
	// to the listener.
	DeliverSenderEvent(event interface{})
}

// OutgoingSender is the multipart payment dispatcher. Its lifetime exceeds
// that of any processor; processors hold a non-owning handle.
type OutgoingSender interface {
	// CreateSender sets up a sender state machine bound to the tag.
	CreateSender(tag types.FullPaymentTag)

	// RemoveSender tears down the sender state machine for the tag.
	RemoveSender(tag types.FullPaymentTag)

	// Send dispatches a multipart payment.
	Send(req *SendMultiPart)

	// UsedFee reports the routing fee spent by the attempts that
	// fulfilled the payment for the tag.
	UsedFee(tag types.FullPaymentTag) lnwire.MilliSatoshi

	// InFlightAttempts returns the unresolved outgoing attempts grouped
	// by tag, for inclusion in the wallet snapshot.
	InFlightAttempts() map[types.FullPaymentTag][]OutgoingAttempt

	// AddListener registers a listener for sender events. Safe under
	// concurrent events.
	AddListener(l SenderListener)

	// RemoveListener removes a previously registered listener.
	RemoveListener(l SenderListener)
}

// invalidNodeKey is the final-node placeholder used when aborting a relay
// that never had a known final node, so that failure selection cannot match
// on it.
var invalidNodeKey common.PubKey
