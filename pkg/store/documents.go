package store

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/astromechza/automerge-replicas/pkg/merge/automergeengine"
)

// Action types understood by DocumentsReducer.
const (
	ActionSet       = "set"
	ActionIncrement = "increment"
	ActionDelete    = "delete"
)

type SetPayload struct {
	Doc    string         `json:"doc"`
	Values map[string]any `json:"values"`
}

type IncrementPayload struct {
	Doc   string `json:"doc"`
	Key   string `json:"key"`
	Delta int64  `json:"delta"`
}

type DeletePayload struct {
	Doc string `json:"doc"`
}

// DocumentsReducer edits documents directly: set writes top level keys, increment bumps a counter and delete
// tombstones a document. It is the reducer used when replicas carry no application logic of their own.
func DocumentsReducer(state State, action Action) (ChangeMap, error) {
	switch p := action.Payload.(type) {
	case SetPayload:
		if p.Doc == "" {
			return nil, errors.New("set requires a document")
		}
		return ChangeMap{p.Doc: automergeengine.Set(p.Values)}, nil
	case IncrementPayload:
		if p.Doc == "" || p.Key == "" {
			return nil, errors.New("increment requires a document and key")
		}
		return ChangeMap{p.Doc: automergeengine.Increment(p.Key, p.Delta)}, nil
	case DeletePayload:
		if _, ok := state[p.Doc]; !ok {
			return nil, errors.Newf("no document %s", p.Doc)
		}
		return ChangeMap{p.Doc: nil}, nil
	}
	return nil, errors.Newf("unsupported %s action with %T payload", action.Type, action.Payload)
}

// DecodeAction decodes {"type": ..., "payload": {...}} into an action with the typed payload DocumentsReducer expects.
func DecodeAction(raw []byte) (Action, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Action{}, errors.Wrap(err, "failed to decode action")
	}
	var payload any
	switch envelope.Type {
	case ActionSet:
		payload = &SetPayload{}
	case ActionIncrement:
		payload = &IncrementPayload{}
	case ActionDelete:
		payload = &DeletePayload{}
	default:
		return Action{}, errors.Newf("unknown action type %q", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		return Action{}, errors.Wrapf(err, "failed to decode %s payload", envelope.Type)
	}
	switch p := payload.(type) {
	case *SetPayload:
		payload = *p
	case *IncrementPayload:
		payload = *p
	case *DeletePayload:
		payload = *p
	}
	return Action{Type: envelope.Type, Payload: payload}, nil
}
