package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// shape identifies the top-level layout of a record service response body.
type shape int

const (
	shapeUnknown shape = iota
	shapeEmpty
	shapeObject
	shapeEnvelope
	shapeArray
	shapeScalar
)

func (s shape) String() string {
	switch s {
	case shapeEmpty:
		return "empty"
	case shapeObject:
		return "object"
	case shapeEnvelope:
		return "envelope"
	case shapeArray:
		return "array"
	case shapeScalar:
		return "scalar"
	default:
		return "unknown"
	}
}

var (
	errEmptyBody      = errors.New("response body is empty")
	errMissingID      = errors.New("response carries no usable id")
	errUnexpectedBody = errors.New("response body has an unexpected shape")
)

// decoded is the normalized form of a response body.
type decoded struct {
	shape   shape
	records []Record
	scalar  any
}

func decodeBody(body []byte) (decoded, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return decoded{shape: shapeEmpty}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return decoded{}, err
	}

	switch value := raw.(type) {
	case map[string]any:
		if nested, ok := value["records"]; ok {
			items, ok := nested.([]any)
			if !ok {
				return decoded{}, fmt.Errorf("%w: records is %T", errUnexpectedBody, nested)
			}
			records, err := toRecords(items)
			if err != nil {
				return decoded{}, err
			}
			return decoded{shape: shapeEnvelope, records: records}, nil
		}
		return decoded{shape: shapeObject, records: []Record{Record(value)}}, nil
	case []any:
		records, err := toRecords(value)
		if err != nil {
			return decoded{}, err
		}
		return decoded{shape: shapeArray, records: records}, nil
	case json.Number, string:
		return decoded{shape: shapeScalar, scalar: value}, nil
	default:
		return decoded{}, fmt.Errorf("%w: %T", errUnexpectedBody, raw)
	}
}

func toRecords(items []any) ([]Record, error) {
	records := make([]Record, 0, len(items))
	for index, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T", errUnexpectedBody, index, item)
		}
		records = append(records, Record(object))
	}
	return records, nil
}

// extractCreatedID accepts a bare object, an array holding one object, or a scalar id.
func extractCreatedID(body []byte) (int64, error) {
	normalized, err := decodeBody(body)
	if err != nil {
		return 0, err
	}

	var id int64
	switch normalized.shape {
	case shapeEmpty:
		return 0, errEmptyBody
	case shapeObject, shapeArray, shapeEnvelope:
		if len(normalized.records) == 0 {
			return 0, fmt.Errorf("%w: %s has no elements", errMissingID, normalized.shape)
		}
		id = normalized.records[0].ID()
	case shapeScalar:
		id = Record{"id": normalized.scalar}.ID()
	default:
		return 0, errUnexpectedBody
	}

	if id <= 0 {
		return 0, fmt.Errorf("%w: %s", errMissingID, normalized.shape)
	}
	return id, nil
}

// extractRecords accepts an envelope, a bare array or a single object.
func extractRecords(body []byte) ([]Record, error) {
	normalized, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	switch normalized.shape {
	case shapeEnvelope, shapeArray, shapeObject:
		return normalized.records, nil
	case shapeEmpty:
		return nil, errEmptyBody
	default:
		return nil, fmt.Errorf("%w: %s", errUnexpectedBody, normalized.shape)
	}
}

// extractRecord accepts a bare object or an array/envelope holding exactly one object.
func extractRecord(body []byte) (Record, error) {
	records, err := extractRecords(body)
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("%w: expected one record, got %d", errUnexpectedBody, len(records))
	}
	return records[0], nil
}
