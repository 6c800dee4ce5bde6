// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	applog "biostream/internal/log"
)

// HeaderSize is the fixed packet prefix before the band powers.
const HeaderSize = 4 + 8 + 8 + 1 + 4 + 2

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("udp sender closed")

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Window End        | int64          | 8            | Nanoseconds into session|
| Label             | uint8          | 1            | 0 undet, 1 wake, 2 drowsy|
| Confidence        | float32        | 4            | [0, 1]                  |
| Band Count        | uint16         | 2            | Number of floats (N)    |
| Band Powers       | []float32      | N * 4        | delta, theta, alpha, ...|
+-----------------------------------------------------------------------------+
*/

// Packet is one feature datagram.
type Packet struct {
	Sequence   uint32
	Timestamp  int64
	WindowEnd  time.Duration
	Label      uint8
	Confidence float32
	Bands      []float32
}

// SenderStats counts datagrams by outcome.
type SenderStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// UDPSender encodes feature packets and writes them to one target.
type UDPSender struct {
	conn *net.UDPConn

	mu     sync.Mutex // Guards everything below.
	closed bool
	buf    bytes.Buffer
	stats  SenderStats
}

// NewUDPSender dials targetAddress ("host:port").
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP target address '%s': %w", targetAddress, err)
	}

	// No local bind is needed for sending.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP for target '%s': %w", targetAddress, err)
	}

	applog.Infof("UDP Sender: Connection established to %s", conn.RemoteAddr().String())
	return &UDPSender{conn: conn}, nil
}

// Send encodes pk and writes it as one datagram. Every call is counted as
// sent or failed.
func (s *UDPSender) Send(pk Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.stats.Failed++
		return ErrClosed
	}

	s.buf.Reset()
	if err := encodePacket(&s.buf, pk); err != nil {
		s.stats.Failed++
		return fmt.Errorf("encoding packet %d: %w", pk.Sequence, err)
	}
	if _, err := s.conn.Write(s.buf.Bytes()); err != nil {
		s.stats.Failed++
		if s.stats.Failed == 1 {
			applog.Warnf("UDP Sender: Error sending packet: %v", err)
		} else {
			applog.Debugf("UDP Sender: Error sending packet: %v", err)
		}
		return fmt.Errorf("failed to send UDP packet: %w", err)
	}
	s.stats.Sent++
	return nil
}

// Stats returns the send counters.
func (s *UDPSender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close closes the connection. Later calls are no-ops.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	applog.Debugf("UDP Sender: Closing connection to %s (%d sent, %d failed)",
		s.conn.RemoteAddr().String(), s.stats.Sent, s.stats.Failed)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close UDP connection: %w", err)
	}
	return nil
}

func encodePacket(buf *bytes.Buffer, pk Packet) error {
	fields := []any{
		pk.Sequence,
		pk.Timestamp,
		int64(pk.WindowEnd),
		pk.Label,
		pk.Confidence,
		uint16(len(pk.Bands)),
		pk.Bands,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// DecodePacket parses a datagram written by Send.
func DecodePacket(data []byte) (Packet, error) {
	var pk Packet
	if len(data) < HeaderSize {
		return pk, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	pk.Sequence = binary.BigEndian.Uint32(data[0:4])
	pk.Timestamp = int64(binary.BigEndian.Uint64(data[4:12]))
	pk.WindowEnd = time.Duration(binary.BigEndian.Uint64(data[12:20]))
	pk.Label = data[20]
	pk.Confidence = math.Float32frombits(binary.BigEndian.Uint32(data[21:25]))
	n := int(binary.BigEndian.Uint16(data[25:27]))
	if len(data) != HeaderSize+4*n {
		return pk, fmt.Errorf("packet length %d does not match %d bands", len(data), n)
	}
	pk.Bands = make([]float32, n)
	for i := range n {
		off := HeaderSize + 4*i
		pk.Bands[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4]))
	}
	return pk, nil
}
