package immortan

import (
	"testing"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func validationPolicy() *TrampolinePolicy {
	return &TrampolinePolicy{
		BaseFeeMsat:               1000,
		FeeProportionalMillionths: 1000,
		CltvDelta:                 40,
		MinimumHtlcMsat:           1000,
	}
}

func validationAdd() *TrampolineHtlc {
	return trampolineAdd(
		trampolineTag(lntypes.Preimage{20}), 1,
		100_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)
}

func TestValidateRelay(t *testing.T) {
	policy := validationPolicy()

	// A conforming set passes.
	require.Nil(t, validateRelay(
		policy, []*TrampolineHtlc{validationAdd()}, testHeight,
	))

	// Invoice features without a payment secret.
	add := validationAdd()
	add.Inner.InvoiceFeatures = lnwire.NewRawFeatureVector()
	require.IsType(t, &lnwire.FailTemporaryNodeFailure{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))

	// Fee margin below the relay fee.
	add = validationAdd()
	add.Inner.AmtToForward = 99_900
	require.IsType(t, &FailTrampolineFeeInsufficient{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))

	// Parts disagreeing on the forward amount.
	add, other := validationAdd(), validationAdd()
	other.Inner.AmtToForward = 94_000
	failure := validateRelay(
		policy, []*TrampolineHtlc{add, other}, testHeight,
	)
	require.IsType(t, &lnwire.FailIncorrectDetails{}, failure)

	// Parts disagreeing on the set total.
	add, other = validationAdd(), validationAdd()
	other.Outer.TotalMsat = 200_000
	failure = validateRelay(
		policy, []*TrampolineHtlc{add, other}, testHeight,
	)
	require.IsType(t, &lnwire.FailIncorrectDetails{}, failure)

	// Cltv budget below the configured delta.
	add = validationAdd()
	add.CltvExpiry = add.Inner.OutgoingCltv + 39
	require.IsType(t, &FailTrampolineExpiryTooSoon{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))

	// Incoming expiry below the requested outgoing expiry.
	add = validationAdd()
	add.CltvExpiry = add.Inner.OutgoingCltv - 10
	require.IsType(t, &FailTrampolineExpiryTooSoon{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))

	// Requested outgoing expiry already in the past.
	add = validationAdd()
	require.IsType(t, &FailTrampolineExpiryTooSoon{},
		validateRelay(
			policy, []*TrampolineHtlc{add},
			add.Inner.OutgoingCltv,
		))

	// Forward amount below the htlc minimum.
	add = validationAdd()
	add.Inner.AmtToForward = 500
	require.IsType(t, &lnwire.FailTemporaryNodeFailure{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))
}

// The fee-insufficient rule wins over later rules when several predicates
// hold at once.
func TestValidateRelayRuleOrder(t *testing.T) {
	policy := validationPolicy()

	add := validationAdd()
	add.Inner.AmtToForward = 99_900
	add.CltvExpiry = add.Inner.OutgoingCltv

	require.IsType(t, &FailTrampolineFeeInsufficient{},
		validateRelay(policy, []*TrampolineHtlc{add}, testHeight))
}

func TestRelayFeeMonotonic(t *testing.T) {
	policy := &TrampolinePolicy{
		BaseFeeMsat:               1000,
		FeeProportionalMillionths: 1000,
		Exponent:                  0.8,
		LogExponentFactor:         2,
	}

	var prev lnwire.MilliSatoshi
	for amt := lnwire.MilliSatoshi(1000); amt <= 10_000_000; amt *= 10 {
		fee := policy.RelayFee(amt)
		require.GreaterOrEqual(t, fee, prev)
		prev = fee
	}
}

func TestSelectUpstreamFailure(t *testing.T) {
	finalNode := common.PubKey{1}
	otherNode := common.PubKey{2}

	finalFailure := &RemoteFailure{
		Origin:  finalNode,
		Message: lnwire.NewFailIncorrectDetails(1000, 0),
	}
	otherFailure := &RemoteFailure{
		Origin:  otherNode,
		Message: &lnwire.FailMPPTimeout{},
	}
	noRoute := &LocalFailure{NoRouteFound: true}

	// The final node's message always wins.
	failure := selectUpstreamFailure(
		[]SendFailure{otherFailure, noRoute, finalFailure}, finalNode,
	)
	require.Equal(t, finalFailure.Message, failure)

	// A local no-route failure reads as insufficient fee.
	failure = selectUpstreamFailure(
		[]SendFailure{otherFailure, noRoute}, finalNode,
	)
	require.IsType(t, &FailTrampolineFeeInsufficient{}, failure)

	// Any other remote opinion beats the fallback.
	failure = selectUpstreamFailure(
		[]SendFailure{&LocalFailure{}, otherFailure}, finalNode,
	)
	require.Equal(t, otherFailure.Message, failure)

	// Total: no failures still map to something.
	failure = selectUpstreamFailure(nil, finalNode)
	require.IsType(t, &lnwire.FailTemporaryNodeFailure{}, failure)

	// The invalid placeholder never matches a remote origin.
	failure = selectUpstreamFailure(
		[]SendFailure{finalFailure, otherFailure}, invalidNodeKey,
	)
	require.Equal(t, finalFailure.Message, failure)
}

func TestFailureCodes(t *testing.T) {
	require.Equal(t, lnwire.FailCode(lnwire.FlagNode|51),
		(&FailTrampolineFeeInsufficient{}).Code())
	require.Equal(t, lnwire.FailCode(lnwire.FlagNode|52),
		(&FailTrampolineExpiryTooSoon{}).Code())
}
