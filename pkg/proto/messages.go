package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op selects the operation carried by a Request.
type Op uint32

const (
	OpGet Op = iota + 1
	OpStore
	OpRemove
	OpExists
	OpList
	OpCounterCreate
	OpCounterIncrement
	OpCounterRead
	OpCounterRemove
	OpCounterList
)

var opNames = map[Op]string{
	OpGet:              "get",
	OpStore:            "store",
	OpRemove:           "remove",
	OpExists:           "exists",
	OpList:             "list",
	OpCounterCreate:    "counter-create",
	OpCounterIncrement: "counter-increment",
	OpCounterRead:      "counter-read",
	OpCounterRemove:    "counter-remove",
	OpCounterList:      "counter-list",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// Status is the result code of a Response. The first four values match
// table.Status.
type Status uint32

const (
	StatusOK Status = iota
	StatusKeyNotFound
	StatusStorageError
	StatusFatal
	StatusExists
	StatusTampered
	StatusExhausted
	StatusBadRequest
	StatusRateLimited
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusKeyNotFound:
		return "key not found"
	case StatusStorageError:
		return "storage error"
	case StatusFatal:
		return "fatal"
	case StatusExists:
		return "exists"
	case StatusTampered:
		return "tampered"
	case StatusExhausted:
		return "exhausted"
	case StatusBadRequest:
		return "bad request"
	case StatusRateLimited:
		return "rate limited"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Request is a single client call.
type Request struct {
	ID    string
	Op    Op
	Key   uint64
	Value []byte
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string
	Status  Status
	Value   []byte
	Keys    []uint64
	Exists  bool
	Counter uint64
	Error   string
}

const (
	reqID    protowire.Number = 1
	reqOp    protowire.Number = 2
	reqKey   protowire.Number = 3
	reqValue protowire.Number = 4

	respID      protowire.Number = 1
	respStatus  protowire.Number = 2
	respValue   protowire.Number = 3
	respKeys    protowire.Number = 4
	respExists  protowire.Number = 5
	respCounter protowire.Number = 6
	respError   protowire.Number = 7
)

// Marshal encodes the request in protobuf wire format. Zero fields are
// omitted.
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendString(b, reqID, r.ID)
	b = appendVarint(b, reqOp, uint64(r.Op))
	b = appendVarint(b, reqKey, r.Key)
	b = appendBytes(b, reqValue, r.Value)
	return b
}

// UnmarshalRequest decodes a request. Unknown fields are skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == reqID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.ID = v
			return n
		case num == reqOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Op = Op(v)
			return n
		case num == reqKey && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Key = v
			return n
		case num == reqValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Value = append([]byte(nil), v...)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding request: %w: %w", ErrMalformed, err)
	}
	return r, nil
}

// Marshal encodes the response in protobuf wire format. Keys are packed.
func (r *Response) Marshal() []byte {
	var b []byte
	b = appendString(b, respID, r.ID)
	b = appendVarint(b, respStatus, uint64(r.Status))
	b = appendBytes(b, respValue, r.Value)
	if len(r.Keys) > 0 {
		var packed []byte
		for _, k := range r.Keys {
			packed = protowire.AppendVarint(packed, k)
		}
		b = protowire.AppendTag(b, respKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if r.Exists {
		b = appendVarint(b, respExists, 1)
	}
	b = appendVarint(b, respCounter, r.Counter)
	b = appendString(b, respError, r.Error)
	return b
}

// UnmarshalResponse decodes a response. Keys are accepted packed or
// unpacked; unknown fields are skipped.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == respID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.ID = v
			return n
		case num == respStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Status = Status(v)
			return n
		case num == respValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Value = append([]byte(nil), v...)
			return n
		case num == respKeys && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				k, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				r.Keys = append(r.Keys, k)
				packed = packed[m:]
			}
			return n
		case num == respKeys && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Keys = append(r.Keys, v)
			return n
		case num == respExists && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Exists = protowire.DecodeBool(v)
			return n
		case num == respCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Counter = v
			return n
		case num == respError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Error = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w: %w", ErrMalformed, err)
	}
	return r, nil
}

// consumeFields walks the fields of b, handing each value to fn, which
// returns the number of bytes it consumed or a negative protowire error.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
