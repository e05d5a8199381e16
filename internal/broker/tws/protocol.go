// protocol.go implements the TWS socket wire format.
//
// Every message is a 4-byte big-endian length prefix followed by that many
// payload bytes; the payload is a run of ASCII fields, each terminated by a
// NUL byte. A new connection opens with the literal "API\x00" followed by one
// framed version-range payload, and the server answers with a frame carrying
// its chosen protocol version and the connection time.
//
// Framing, the handshake, and the message identifiers follow the upstream
// v100+ protocol. Message bodies carry the compact field subset this gateway
// exchanges, not the full upstream schema.
package tws

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	apiPrefix    = "API\x00"  // opens every new connection
	versionRange = "v100..176" // protocol versions this client speaks

	maxFrameSize = 0xFFFFFF // upstream MAX_MSG_LENGTH
)

// Outgoing message identifiers.
const (
	msgReqMktData        = 1
	msgPlaceOrder        = 3
	msgReqAllOpenOrders  = 16
	msgReqMarketDataType = 59
	msgReqPositions      = 61
	msgStartAPI          = 71
)

// Incoming message identifiers.
const (
	msgTickPrice       = 1
	msgOrderStatus     = 3
	msgErrMsg          = 4
	msgOpenOrder       = 5
	msgNextValidID     = 9
	msgManagedAccounts = 15
	msgOpenOrderEnd    = 53
	msgTickSnapshotEnd = 57
	msgPosition        = 61
	msgPositionEnd     = 62
)

// Field layouts, after the message identifier:
//
//	startAPI:          version 2, clientId, capabilities
//	reqPositions:      version 1
//	reqAllOpenOrders:  version 1
//	reqMarketDataType: version 1, type
//	reqMktData:        reqId, conId, exchange, snapshot
//	placeOrder:        orderId, conId, exchange, action, quantity, orderType,
//	                   lmtPrice, auxPrice, tif, account, transmit
//
//	tickPrice:         reqId, tickType, price
//	tickSnapshotEnd:   reqId
//	orderStatus:       orderId, status
//	errMsg:            id, code, message
//	openOrder:         orderId, conId, symbol, secType, exchange, currency,
//	                   action, quantity, orderType, lmtPrice, auxPrice, tif,
//	                   account, status
//	openOrderEnd:      (none)
//	nextValidId:       orderId
//	managedAccounts:   accounts, comma-separated
//	position:          account, conId, symbol, secType, currency, quantity,
//	                   avgCost
//	positionEnd:       (none)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// writePayload frames raw bytes with the 4-byte length prefix. Used for the
// handshake version range, which is not NUL-terminated.
func writePayload(w io.Writer, payload []byte) error {
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// writeFrame sends one message: each field is emitted followed by a NUL byte,
// the whole run framed with the length prefix. A single Write keeps frames
// intact for concurrent writers serialized by the caller.
func writeFrame(w io.Writer, fields ...string) error {
	size := 0
	for _, f := range fields {
		size += len(f) + 1
	}
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds protocol limit", size)
	}
	buf := make([]byte, 4, 4+size)
	binary.BigEndian.PutUint32(buf[:4], uint32(size))
	for _, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed message and splits it into fields.
func readFrame(r io.Reader) ([]string, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d out of range", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if payload[len(payload)-1] == 0 {
		payload = payload[:len(payload)-1]
	}
	return strings.Split(string(payload), "\x00"), nil
}

// fieldScanner walks a frame's fields with a sticky error: conversion
// failures record the first error and yield zero values, so a handler can
// read a whole row and check Err once. Empty fields decode as zero, the
// upstream convention for unset numerics.
type fieldScanner struct {
	fields []string
	pos    int
	err    error
}

func newFieldScanner(fields []string) *fieldScanner {
	return &fieldScanner{fields: fields}
}

func (s *fieldScanner) next() string {
	if s.pos >= len(s.fields) {
		if s.err == nil {
			s.err = fmt.Errorf("field %d past end of frame", s.pos)
		}
		return ""
	}
	f := s.fields[s.pos]
	s.pos++
	return f
}

func (s *fieldScanner) int64() int64 {
	f := s.next()
	if f == "" {
		return 0
	}
	n, err := strconv.ParseInt(f, 10, 64)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("field %d: %w", s.pos-1, err)
	}
	return n
}

func (s *fieldScanner) decimal() decimal.Decimal {
	f := s.next()
	if f == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(f)
	if err != nil && s.err == nil {
		s.err = fmt.Errorf("field %d: %w", s.pos-1, err)
	}
	return d
}

func (s *fieldScanner) Err() error { return s.err }
