package syncconn

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/astromechza/automerge-replicas/pkg/change"
)

// ProtocolVersion is exchanged in hello messages; peers with a different version are refused.
const ProtocolVersion = 1

// DefaultCompressThreshold is the encoded size above which frames are snappy compressed.
const DefaultCompressThreshold = 1024

const (
	flagPlain  byte = 0
	flagSnappy byte = 1
)

type MessageType string

const (
	TypeHello    MessageType = "hello"
	TypeFrontier MessageType = "frontier"
	// TypeResend replaces the peer's cursor with the given frontier, asking it to send again what is missing.
	TypeResend   MessageType = "resend"
	TypeChanges  MessageType = "changes"
	TypeSnapshot MessageType = "snapshot"
	TypeSynced   MessageType = "synced"
	TypePing     MessageType = "ping"
	TypeError    MessageType = "error"
)

// Message is the envelope of every frame. Which fields are set depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	Version      int    `json:"version,omitempty"`
	PeerID       string `json:"peerId,omitempty"`
	DiscoveryKey string `json:"discoveryKey,omitempty"`

	DocumentID string           `json:"documentId,omitempty"`
	Frontier   change.Frontier  `json:"frontier,omitempty"`
	Records    []*change.Record `json:"records,omitempty"`
	Snapshot   *change.Snapshot `json:"snapshot,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Encode serializes m into a frame, compressing it when it is larger than threshold. A threshold <= 0 disables
// compression.
func Encode(m *Message, threshold int) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s message", m.Type)
	}
	if threshold > 0 && len(raw) > threshold {
		return append([]byte{flagSnappy}, snappy.Encode(nil, raw)...), nil
	}
	return append([]byte{flagPlain}, raw...), nil
}

// Decode parses and validates a frame. Every failure is an ErrProtocol.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty frame")
	}
	raw := frame[1:]
	switch frame[0] {
	case flagPlain:
	case flagSnappy:
		var err error
		if raw, err = snappy.Decode(nil, raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to decompress frame"), ErrProtocol)
		}
	default:
		return nil, errors.Wrapf(ErrProtocol, "unknown frame encoding %d", frame[0])
	}
	m := new(Message)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode message"), ErrProtocol)
	}
	if err := m.validate(); err != nil {
		return nil, errors.Mark(err, ErrProtocol)
	}
	if m.Frontier == nil {
		m.Frontier = change.NewFrontier()
	}
	return m, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case TypeHello:
		if m.PeerID == "" {
			return errors.New("hello without peer id")
		}
	case TypeFrontier:
		if m.DocumentID == "" {
			return errors.New("frontier without document id")
		}
	case TypeResend:
		if m.DocumentID == "" {
			return errors.New("resend without document id")
		}
	case TypeChanges:
		if m.DocumentID == "" {
			return errors.New("changes without document id")
		}
		for _, r := range m.Records {
			if err := r.Validate(); err != nil {
				return err
			}
			if r.DocumentID != m.DocumentID {
				return errors.Newf("record %s of %s in a batch for %s", r.ID(), r.DocumentID, m.DocumentID)
			}
		}
	case TypeSnapshot:
		if m.Snapshot == nil || m.Snapshot.DocumentID == "" {
			return errors.New("snapshot without document")
		}
	case TypeSynced, TypePing, TypeError:
	default:
		return errors.Newf("unknown message type %q", m.Type)
	}
	return nil
}
