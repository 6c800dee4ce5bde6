// SPDX-License-Identifier: MIT
package thinkgear

import "errors"

// Packet framing.
const (
	SyncByte     = 0xAA
	MaxPayload   = 169 // plength must be below 170.
	CodeExtended = 0x55
)

// Data row codes.
const (
	CodePoorSignal = 0x02
	CodeAttention  = 0x04
	CodeMeditation = 0x05
	CodeRawValue   = 0x80
	CodeASICPower  = 0x83
)

// ErrChecksum is reported for packets whose checksum does not match.
var ErrChecksum = errors.New("thinkgear checksum mismatch")

// Packet holds the data rows of one checksummed payload. Values absent from
// the payload keep their zero value and the matching Has flag is false.
type Packet struct {
	Raw    []int16
	HasRaw bool

	PoorSignal    uint8
	HasPoorSignal bool

	// eSense meters computed by the headset, 0-100.
	Attention     uint8
	HasAttention  bool
	Meditation    uint8
	HasMeditation bool

	// ASIC band powers: delta, theta, low/high alpha, low/high beta, low/mid gamma.
	Powers    [8]uint32
	HasPowers bool
}

// Microvolts converts a raw ADC reading to microvolts.
func Microvolts(raw int16) float64 {
	return float64(raw) * (1.8 / 4096) / 2000 * 1000
}

type parserState int

const (
	stateSync parserState = iota
	stateSync2
	stateLength
	statePayload
	stateChecksum
)

// Parser is a byte-at-a-time ThinkGear stream decoder. It resynchronizes on
// the next AA AA after any framing or checksum error.
type Parser struct {
	state   parserState
	length  int
	payload []byte

	Packets   uint64
	Checksums uint64 // Packets dropped for checksum mismatch.
}

// Feed consumes data and calls fn for every valid packet. It returns the
// number of checksum failures seen in data.
func (p *Parser) Feed(data []byte, fn func(Packet)) int {
	failures := 0
	for _, b := range data {
		pk, ok, err := p.push(b)
		if err != nil {
			failures++
			continue
		}
		if ok {
			fn(pk)
		}
	}
	return failures
}

func (p *Parser) push(b byte) (Packet, bool, error) {
	switch p.state {
	case stateSync:
		if b == SyncByte {
			p.state = stateSync2
		}
	case stateSync2:
		if b == SyncByte {
			p.state = stateLength
		} else {
			p.state = stateSync
		}
	case stateLength:
		switch {
		case b == SyncByte:
			// Extra sync bytes are allowed before plength.
		case int(b) > MaxPayload:
			p.state = stateSync
		default:
			p.length = int(b)
			p.payload = p.payload[:0]
			if p.length == 0 {
				p.state = stateChecksum
			} else {
				p.state = statePayload
			}
		}
	case statePayload:
		p.payload = append(p.payload, b)
		if len(p.payload) == p.length {
			p.state = stateChecksum
		}
	case stateChecksum:
		p.state = stateSync
		if checksum(p.payload) != b {
			p.Checksums++
			return Packet{}, false, ErrChecksum
		}
		p.Packets++
		return parsePayload(p.payload), true, nil
	}
	return Packet{}, false, nil
}

func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return ^sum
}

// parsePayload walks the data rows. Rows with unknown codes are skipped;
// a truncated row ends parsing.
func parsePayload(payload []byte) Packet {
	var pk Packet
	for i := 0; i < len(payload); {
		for i < len(payload) && payload[i] == CodeExtended {
			i++
		}
		if i >= len(payload) {
			break
		}
		code := payload[i]
		i++
		n := 1
		if code >= 0x80 {
			if i >= len(payload) {
				break
			}
			n = int(payload[i])
			i++
		}
		if i+n > len(payload) {
			break
		}
		v := payload[i : i+n]
		i += n

		switch code {
		case CodePoorSignal:
			pk.PoorSignal, pk.HasPoorSignal = v[0], true
		case CodeAttention:
			pk.Attention, pk.HasAttention = v[0], true
		case CodeMeditation:
			pk.Meditation, pk.HasMeditation = v[0], true
		case CodeRawValue:
			if n == 2 {
				pk.Raw = append(pk.Raw, int16(uint16(v[0])<<8|uint16(v[1])))
				pk.HasRaw = true
			}
		case CodeASICPower:
			if n == 24 {
				for k := range pk.Powers {
					pk.Powers[k] = uint32(v[3*k])<<16 | uint32(v[3*k+1])<<8 | uint32(v[3*k+2])
				}
				pk.HasPowers = true
			}
		}
	}
	return pk
}

// Encode builds a framed packet around payload. Used by tests and the
// device simulator.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, SyncByte, SyncByte, byte(len(payload)))
	out = append(out, payload...)
	return append(out, checksum(payload))
}

// RawPayload returns the payload of a raw-value packet.
func RawPayload(raw int16) []byte {
	return []byte{CodeRawValue, 2, byte(uint16(raw) >> 8), byte(uint16(raw))}
}
