package datasource

import (
	"encoding/json"

	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/rowstore"
)

// Live message types. "initial" and "snapshot" both replace the store
// contents; the rest mutate it.
const (
	msgTypeInitial  = "initial"
	msgTypeSnapshot = "snapshot"
	msgTypeUpdate   = "update"
	msgTypeBatch    = "batch"
	msgTypeDelete   = "delete"
	msgTypeClear    = "clear"
)

// liveMessage is the wire envelope on the listener topic once streaming
// starts:
//
//	{"type":"update","data":{...row...}}
//	{"type":"batch","data":[{...},{...}]}
//	{"type":"delete","key":...}
//	{"type":"clear"}
//	{"type":"snapshot","data":[{...},{...}]}
type liveMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Key  any             `json:"key,omitempty"`
}

func decodeLiveMessage(data []byte) (*liveMessage, error) {
	var msg liveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "datasource", "decodeLiveMessage", "not a JSON envelope")
	}
	if msg.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "datasource", "decodeLiveMessage", "missing type field")
	}
	return &msg, nil
}

func (m *liveMessage) oneRow() (rowstore.Row, error) {
	var row rowstore.Row
	if err := json.Unmarshal(m.Data, &row); err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "datasource", "oneRow", "data is not an object")
	}
	return row, nil
}

func (m *liveMessage) manyRows() ([]rowstore.Row, error) {
	var rows []rowstore.Row
	if err := json.Unmarshal(m.Data, &rows); err != nil {
		// A single object is accepted where an array is expected
		row, oneErr := m.oneRow()
		if oneErr != nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "datasource", "manyRows", "data is not an array of objects")
		}
		return []rowstore.Row{row}, nil
	}
	return rows, nil
}
