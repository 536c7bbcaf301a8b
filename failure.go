package immortan

import (
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// CodeTrampolineFeeInsufficient is returned when the fee paid to this
	// node is below the configured trampoline relay fee.
	CodeTrampolineFeeInsufficient = lnwire.FlagNode | 51

	// CodeTrampolineExpiryTooSoon is returned when the cltv budget left
	// for the outgoing payment is below the configured delta.
	CodeTrampolineExpiryTooSoon = lnwire.FlagNode | 52
)

// FailTrampolineFeeInsufficient is returned when the incoming set does not
// pay enough fee to cover relaying it.
type FailTrampolineFeeInsufficient struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the lnwire.FailureMessage interface.
func (f *FailTrampolineFeeInsufficient) Code() lnwire.FailCode {
	return CodeTrampolineFeeInsufficient
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTrampolineFeeInsufficient) Error() string {
	return "TrampolineFeeInsufficient"
}

// FailTrampolineExpiryTooSoon is returned when the difference between the
// incoming expiry and the requested outgoing expiry leaves no room for this
// node's cltv delta.
type FailTrampolineExpiryTooSoon struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the lnwire.FailureMessage interface.
func (f *FailTrampolineExpiryTooSoon) Code() lnwire.FailCode {
	return CodeTrampolineExpiryTooSoon
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTrampolineExpiryTooSoon) Error() string {
	return "TrampolineExpiryTooSoon"
}
