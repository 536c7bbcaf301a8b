package immortan

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/btcsuite/btcd/btcec/v2"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// trampolineOnionType is the custom record type carrying the
	// trampoline onion packet in the outer payment payload.
	trampolineOnionType uint64 = 66465

	// Tlv types of the trampoline payload addressed to this node.
	typeAmtToForward       tlv.Type = 2
	typeOutgoingCltv       tlv.Type = 4
	typePaymentData        tlv.Type = 8
	typeInvoiceFeatures    tlv.Type = 66097
	typeOutgoingNodeID     tlv.Type = 66098
	typeInvoiceRoutingInfo tlv.Type = 66099

	// hopHintSize is the encoded size of a single routing hint hop:
	// node id, short channel id, base fee, proportional fee, cltv delta.
	hopHintSize = 33 + 8 + 4 + 4 + 2
)

// trampolineDecoder peels the trampoline onion addressed to this node and
// parses the relay instructions from its payload.
type trampolineDecoder struct {
	router *sphinx.Router
}

func newTrampolineDecoder(router *sphinx.Router) *trampolineDecoder {
	return &trampolineDecoder{router: router}
}

// decode unwraps one layer of the trampoline onion and returns the relay
// instructions together with the serialized packet for the next trampoline
// node.
func (d *trampolineDecoder) decode(blob []byte, hash lntypes.Hash) (
	*InnerPayload, []byte, error) {

	var packet sphinx.OnionPacket
	if err := packet.Decode(bytes.NewReader(blob)); err != nil {
		return nil, nil, fmt.Errorf("cannot decode packet: %w", err)
	}

	// Expiry can be set to zero because the replay log is disabled.
	processed, err := d.router.ProcessOnionPacket(
		&packet, hash[:], 0,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot peel packet: %w", err)
	}

	payload, err := parseTrampolinePayload(processed.Payload.Payload)
	if err != nil {
		return nil, nil, err
	}

	var nextOnion bytes.Buffer
	if processed.Action == sphinx.MoreHops {
		err := processed.NextPacket.Encode(&nextOnion)
		if err != nil {
			return nil, nil, fmt.Errorf(
				"cannot encode next packet: %w", err)
		}
	}

	return payload, nextOnion.Bytes(), nil
}

// parseTrampolinePayload parses the relay instructions from the tlv stream
// of the peeled trampoline payload.
func parseTrampolinePayload(payloadBytes []byte) (*InnerPayload, error) {
	var (
		amt         uint64
		cltv        uint32
		paymentData []byte
		features    []byte
		nodeID      []byte
		routingInfo []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAmtToForward, &amt),
		tlv.MakePrimitiveRecord(typeOutgoingCltv, &cltv),
		tlv.MakePrimitiveRecord(typePaymentData, &paymentData),
		tlv.MakePrimitiveRecord(typeInvoiceFeatures, &features),
		tlv.MakePrimitiveRecord(typeOutgoingNodeID, &nodeID),
		tlv.MakePrimitiveRecord(typeInvoiceRoutingInfo, &routingInfo),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(payloadBytes),
	)
	if err != nil {
		return nil, err
	}

	if _, ok := parsedTypes[typeAmtToForward]; !ok {
		return nil, errors.New("missing amt_to_forward")
	}
	if _, ok := parsedTypes[typeOutgoingCltv]; !ok {
		return nil, errors.New("missing outgoing_cltv")
	}
	if _, ok := parsedTypes[typeOutgoingNodeID]; !ok {
		return nil, errors.New("missing outgoing_node_id")
	}

	outgoingNode, err := common.NewPubKeyFromBytes(nodeID)
	if err != nil {
		return nil, err
	}

	payload := &InnerPayload{
		AmtToForward: lnwire.MilliSatoshi(amt),
		OutgoingCltv: cltv,
		OutgoingNode: outgoingNode,
	}

	// payment_data carries the final recipient's secret followed by the
	// total amount.
	if _, ok := parsedTypes[typePaymentData]; ok {
		if len(paymentData) < 32 {
			return nil, errors.New("short payment_data")
		}

		var secret [32]byte
		copy(secret[:], paymentData[:32])
		payload.PaymentSecret = &secret
	}

	if _, ok := parsedTypes[typeInvoiceFeatures]; ok {
		vector := lnwire.NewRawFeatureVector()
		err := vector.DecodeBase256(
			bytes.NewReader(features), len(features),
		)
		if err != nil {
			return nil, fmt.Errorf(
				"cannot decode invoice features: %w", err)
		}

		payload.InvoiceFeatures = vector
	}

	if _, ok := parsedTypes[typeInvoiceRoutingInfo]; ok {
		hints, err := parseRoutingInfo(routingInfo)
		if err != nil {
			return nil, err
		}

		payload.RoutingHints = hints
	}

	return payload, nil
}

// parseRoutingInfo parses the bolt11-style routing hint hops from the
// invoice routing info record.
func parseRoutingInfo(infoBytes []byte) ([][]zpay32.HopHint, error) {
	if len(infoBytes)%hopHintSize != 0 {
		return nil, errors.New("invalid routing info length")
	}

	reader := bytes.NewReader(infoBytes)

	var route []zpay32.HopHint
	for reader.Len() > 0 {
		hint, err := readHopHint(reader)
		if err != nil {
			return nil, err
		}

		route = append(route, *hint)
	}

	if len(route) == 0 {
		return nil, nil
	}

	return [][]zpay32.HopHint{route}, nil
}

func readHopHint(r io.Reader) (*zpay32.HopHint, error) {
	var nodeBytes [33]byte
	if _, err := io.ReadFull(r, nodeBytes[:]); err != nil {
		return nil, err
	}

	nodeID, err := btcec.ParsePubKey(nodeBytes[:])
	if err != nil {
		return nil, fmt.Errorf("invalid hop hint node: %w", err)
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	chanID := byteOrder.Uint64(scratch[:])

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	feeBase := byteOrder.Uint32(scratch[:4])

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	feeProportional := byteOrder.Uint32(scratch[:4])

	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return nil, err
	}
	cltvDelta := byteOrder.Uint16(scratch[:2])

	return &zpay32.HopHint{
		NodeID:                    nodeID,
		ChannelID:                 chanID,
		FeeBaseMSat:               feeBase,
		FeeProportionalMillionths: feeProportional,
		CLTVExpiryDelta:           cltvDelta,
	}, nil
}
