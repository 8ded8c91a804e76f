/*
	This file decodes raw pixel data bytes according to the transfer syntax byte order
	and the instance's bits allocated and pixel representation.
*/

package pixel

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// Decode interprets a pixel data payload as a typed sample buffer.  Only uncompressed
// little endian (implicit or explicit VR) and explicit VR big endian payloads are handled.
func Decode(payload []byte, transferSyntax string, inst *dcm.Instance) (Samples, error) {
	switch transferSyntax {
	case dcm.ImplicitVRLittleEndianUID, dcm.ExplicitVRLittleEndianUID:
		return decodeLittleEndian(payload, inst)
	case dcm.ExplicitVRBigEndianUID:
		return decodeBigEndian(payload, inst)
	}
	return nil, &dcm.UnsupportedTransferSyntaxError{Syntax: transferSyntax}
}

func decodeLittleEndian(payload []byte, inst *dcm.Instance) (Samples, error) {
	switch inst.BitsAllocated {
	case 16:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("odd length %d for 16-bit pixel data: %w", len(payload), dcm.ErrMalformedResponse)
		}
		if inst.Signed() {
			return int16Samples(payload), nil
		}
		return uint16Samples(payload), nil
	case 8, 1:
		return bytesToSamples(payload, inst), nil
	default:
		return nil, &dcm.UnsupportedBitDepthError{BitsAllocated: inst.BitsAllocated}
	}
}

func decodeBigEndian(payload []byte, inst *dcm.Instance) (Samples, error) {
	switch inst.BitsAllocated {
	case 16:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("odd length %d for 16-bit pixel data: %w", len(payload), dcm.ErrMalformedResponse)
		}
		// Construct in little endian order then swap each sample's bytes.
		if inst.Signed() {
			samples := int16Samples(payload)
			for i, v := range samples {
				samples[i] = int16(bits.ReverseBytes16(uint16(v)))
			}
			return samples, nil
		}
		samples := uint16Samples(payload)
		for i, v := range samples {
			samples[i] = bits.ReverseBytes16(v)
		}
		return samples, nil
	case 8, 1:
		return bytesToSamples(payload, inst), nil
	default:
		return nil, &dcm.UnsupportedBitDepthError{BitsAllocated: inst.BitsAllocated}
	}
}

// bytesToSamples returns 8-bit samples.  Unsigned samples alias the payload.
func bytesToSamples(payload []byte, inst *dcm.Instance) Samples {
	if !inst.Signed() {
		return Uint8Samples(payload)
	}
	samples := make(Int8Samples, len(payload))
	for i, b := range payload {
		samples[i] = int8(b)
	}
	return samples
}

func uint16Samples(payload []byte) Uint16Samples {
	samples := make(Uint16Samples, len(payload)/2)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(payload[i*2:])
	}
	return samples
}

func int16Samples(payload []byte) Int16Samples {
	samples := make(Int16Samples, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return samples
}
