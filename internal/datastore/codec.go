package datastore

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
)

// Wire keys for atoms that need a tagged encoding. Plain JSON numbers on
// the wire always mean floats; integers travel as decimal strings.
const (
	wireInteger   = "I"
	wireNumber    = "N"
	wireTimestamp = "T"
	wireBlob      = "B"
)

const (
	wirePlusInfinity  = "+inf"
	wireMinusInfinity = "-inf"
	wireNotANumber    = "nan"
)

// dbase64 is unpadded urlsafe base64, the blob encoding used by the wire
// protocol and by shareable datastore keys.
func dbase64Encode(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func dbase64Decode(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}

// encodeValue maps an in-memory value to its JSON-compatible wire form.
func encodeValue(v Value) any {
	switch tv := v.(type) {
	case Bool:
		return bool(tv)
	case Int:
		return map[string]any{wireInteger: strconv.FormatInt(int64(tv), 10)}
	case Float:
		f := float64(tv)
		if isFinite(f) {
			return f
		}
		switch {
		case math.IsNaN(f):
			return map[string]any{wireNumber: wireNotANumber}
		case f > 0:
			return map[string]any{wireNumber: wirePlusInfinity}
		default:
			return map[string]any{wireNumber: wireMinusInfinity}
		}
	case String:
		return string(tv)
	case Timestamp:
		return map[string]any{wireTimestamp: strconv.FormatInt(tv.millis, 10)}
	case Blob:
		return map[string]any{wireBlob: dbase64Encode(tv)}
	case ListValue:
		items := make([]any, len(tv))
		for i, item := range tv {
			items[i] = encodeValue(item)
		}
		return items
	}
	// checkValue runs before any value is stored, so this is unreachable for
	// values that entered through the public API.
	panic("datastore: unencodable value")
}

// decodeValue maps a decoded JSON payload back to a Value. A malformed
// payload is a protocol error: the server integration is buggy and there is
// nothing to recover locally.
func decodeValue(raw any) (Value, error) {
	switch tv := raw.(type) {
	case bool:
		return Bool(tv), nil
	case float64:
		return Float(tv), nil
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return nil, protocolf("unparseable wire number %q", tv.String())
		}
		return Float(f), nil
	case string:
		return String(tv), nil
	case []any:
		items := make(ListValue, len(tv))
		for i, rawItem := range tv {
			item, err := decodeValue(rawItem)
			if err != nil {
				return nil, err
			}
			if _, nested := item.(ListValue); nested {
				return nil, protocolf("nested list in wire value")
			}
			items[i] = item
		}
		return items, nil
	case map[string]any:
		return decodeTaggedValue(tv)
	default:
		return nil, protocolf("unexpected wire value of type %T", raw)
	}
}

func decodeTaggedValue(tagged map[string]any) (Value, error) {
	if len(tagged) != 1 {
		return nil, protocolf("tagged wire value must have exactly one key, got %d", len(tagged))
	}
	for key, rawInner := range tagged {
		inner, innerIsString := rawInner.(string)
		if !innerIsString {
			return nil, protocolf("tagged wire value %q must carry a string, got %T", key, rawInner)
		}
		switch key {
		case wireInteger:
			n, err := strconv.ParseInt(inner, 10, 64)
			if err != nil {
				return nil, protocolf("unparseable wire integer %q", inner)
			}
			return Int(n), nil
		case wireNumber:
			switch inner {
			case wirePlusInfinity:
				return Float(math.Inf(1)), nil
			case wireMinusInfinity:
				return Float(math.Inf(-1)), nil
			case wireNotANumber:
				return Float(math.NaN()), nil
			}
			return nil, protocolf("unknown wire number %q", inner)
		case wireTimestamp:
			ms, err := strconv.ParseInt(inner, 10, 64)
			if err != nil {
				return nil, protocolf("unparseable wire timestamp %q", inner)
			}
			return Timestamp{millis: ms}, nil
		case wireBlob:
			decoded, err := dbase64Decode(inner)
			if err != nil {
				return nil, protocolf("unparseable wire blob: %v", err)
			}
			return Blob(decoded), nil
		default:
			return nil, protocolf("unknown wire value tag %q", key)
		}
	}
	return nil, protocolf("empty tagged wire value")
}

// decodeFields decodes a wire field map (as found in snapshot rows and
// insert changes).
func decodeFields(raw map[string]any) (Fields, error) {
	fields := make(Fields, len(raw))
	for name, rawValue := range raw {
		v, err := decodeValue(rawValue)
		if err != nil {
			return nil, err
		}
		fields[name] = v
	}
	return fields, nil
}

func encodeFields(fields Fields) map[string]any {
	encoded := make(map[string]any, len(fields))
	for name, v := range fields {
		encoded[name] = encodeValue(v)
	}
	return encoded
}
