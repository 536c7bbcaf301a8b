package immortan

import (
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// FulfillCommand instructs the channel holding the htlc to reveal the
// preimage and claim the funds. Irreversible once applied.
type FulfillCommand struct {
	// Key identifies the htlc on its channel.
	Key types.CircuitKey

	// Hash is the payment hash of the htlc.
	Hash lntypes.Hash

	// Preimage is the revealed preimage.
	Preimage lntypes.Preimage
}

// FailCommand instructs the channel holding the htlc to reject it with the
// given failure message.
type FailCommand struct {
	// Key identifies the htlc on its channel.
	Key types.CircuitKey

	// Hash is the payment hash of the htlc.
	Hash lntypes.Hash

	// Failure is the wire failure message to return upstream.
	Failure lnwire.FailureMessage
}

// ChannelBus routes fulfill and fail commands back to the channel holding
// each htlc. Implementations must be idempotent under duplicate commands for
// the same htlc: processors re-emit pending commands on every snapshot in a
// terminal state.
type ChannelBus interface {
	// Fulfill claims an incoming htlc with the preimage.
	Fulfill(cmd FulfillCommand)

	// Fail rejects an incoming htlc.
	Fail(cmd FailCommand)
}

// failWith emits a fail command for the htlc. A nil failure is mapped to
// incorrect-or-unknown-payment-details carrying the htlc amount, which is
// indistinguishable from an unknown hash to the sender.
func failWith(bus ChannelBus, h Htlc, failure lnwire.FailureMessage) {
	if failure == nil {
		failure = lnwire.NewFailIncorrectDetails(h.Amount(), 0)
	}

	bus.Fail(FailCommand{
		Key:     h.Key(),
		Hash:    h.PaymentTag().Hash,
		Failure: failure,
	})
}
