package collab

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/webalive/collab-server/internal/crdt"
)

// Message types, per the wire format named in the external interface.
const (
	msgTypeSync     = 0
	msgTypePresence = 1
)

// Sync sub-types.
const (
	syncSubStep1 = 0 // state vector
	syncSubStep2 = 1 // update
)

// Frame is one decoded inbound WebSocket binary message.
type Frame struct {
	Type    uint64
	SubType uint64 // only meaningful when Type == msgTypeSync
	Payload []byte
}

// DecodeFrame parses the varint message-type header shared by every frame.
// Types 2 and above are reserved and returned as-is for the caller to ignore.
func DecodeFrame(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	typ, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame type: %w", err)
	}

	if typ == msgTypeSync {
		sub, err := binary.ReadUvarint(r)
		if err != nil {
			return Frame{}, fmt.Errorf("decode sync subtype: %w", err)
		}
		rest := make([]byte, r.Len())
		r.Read(rest)
		return Frame{Type: typ, SubType: sub, Payload: rest}, nil
	}

	rest := make([]byte, r.Len())
	r.Read(rest)
	return Frame{Type: typ, Payload: rest}, nil
}

// EncodeStep1 builds a type-0/sub-0 frame carrying the server's state vector.
func EncodeStep1(sv crdt.StateVector) ([]byte, error) {
	blob, err := gobEncode(sv)
	if err != nil {
		return nil, err
	}
	return packSync(syncSubStep1, blob), nil
}

// EncodeStep2 builds a type-0/sub-1 frame carrying a CRDT update.
func EncodeStep2(update crdt.Update) ([]byte, error) {
	blob, err := gobEncode(update)
	if err != nil {
		return nil, err
	}
	return packSync(syncSubStep2, blob), nil
}

func packSync(sub uint64, payload []byte) []byte {
	var buf bytes.Buffer
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], msgTypeSync)
	buf.Write(hdr[:n])
	n = binary.PutUvarint(hdr[:], sub)
	buf.Write(hdr[:n])
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeStateVector decodes a step-1 payload.
func DecodeStateVector(payload []byte) (crdt.StateVector, error) {
	var sv crdt.StateVector
	if err := gobDecode(payload, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	if sv == nil {
		sv = crdt.StateVector{}
	}
	return sv, nil
}

// DecodeUpdate decodes a step-2 payload.
func DecodeUpdate(payload []byte) (crdt.Update, error) {
	var u crdt.Update
	if err := gobDecode(payload, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// PresenceRecord is one client's presence state: its self-assigned client id,
// a monotonic per-client clock, and an opaque state blob (cursor position,
// selection, display name, ...).
type PresenceRecord struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// EncodePresence builds a type-1 frame from a set of presence records.
func EncodePresence(records []PresenceRecord) []byte {
	var body bytes.Buffer
	var hdr [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(hdr[:], uint64(len(records)))
	body.Write(hdr[:n])
	for _, rec := range records {
		n = binary.PutUvarint(hdr[:], rec.ClientID)
		body.Write(hdr[:n])
		n = binary.PutUvarint(hdr[:], rec.Clock)
		body.Write(hdr[:n])
		n = binary.PutUvarint(hdr[:], uint64(len(rec.State)))
		body.Write(hdr[:n])
		body.Write(rec.State)
	}

	var buf bytes.Buffer
	n = binary.PutUvarint(hdr[:], msgTypePresence)
	buf.Write(hdr[:n])
	n = binary.PutUvarint(hdr[:], uint64(body.Len()))
	buf.Write(hdr[:n])
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// DecodePresence parses a type-1 frame's payload (the bytes after the
// message-type varint, i.e. Frame.Payload for a Frame with Type ==
// msgTypePresence): a length prefix followed by the record count and the
// records themselves.
func DecodePresence(payload []byte) ([]PresenceRecord, error) {
	r := bytes.NewReader(payload)

	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("decode presence length prefix: %w", err)
	}
	if uint64(r.Len()) < bodyLen {
		return nil, fmt.Errorf("decode presence: truncated body")
	}

	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("decode presence count: %w", err)
	}

	records := make([]PresenceRecord, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("decode presence client id: %w", err)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("decode presence clock: %w", err)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("decode presence state length: %w", err)
		}
		state := make([]byte, length)
		if _, err := r.Read(state); err != nil {
			return nil, fmt.Errorf("decode presence state: %w", err)
		}
		records = append(records, PresenceRecord{ClientID: clientID, Clock: clock, State: state})
	}
	return records, nil
}
