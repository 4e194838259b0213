package counter

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored record.
const (
	fieldValue   protowire.Number = 1
	fieldUpdated protowire.Number = 2
	fieldMAC     protowire.Number = 3
)

var errMissingMAC = errors.New("record has no MAC")

// record is the value stored in the table for one counter. All fields are
// always encoded, so a counter at zero is never an empty (tombstone) value.
type record struct {
	value   uint64
	updated int64 // unix seconds
	mac     []byte
}

func (r record) marshal() []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, r.value)
	b = protowire.AppendTag(b, fieldUpdated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.updated))
	b = protowire.AppendTag(b, fieldMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, r.mac)
	return b
}

func unmarshalRecord(b []byte) (record, error) {
	var r record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldValue && typ == protowire.VarintType:
			r.value, n = protowire.ConsumeVarint(b)
		case num == fieldUpdated && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.updated = int64(v)
		case num == fieldMAC && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.mac = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return record{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if r.mac == nil {
		return record{}, errMissingMAC
	}
	return r, nil
}

// sum computes the record MAC. The key is bound into the MAC so a record
// copied from another counter does not verify.
func sum(secret []byte, key uint64, r record) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("initialising MAC: %w", err)
	}
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], key)
	binary.BigEndian.PutUint64(buf[8:16], r.value)
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.updated))
	h.Write(buf[:])
	return h.Sum(nil), nil
}

func verify(secret []byte, key uint64, r record) bool {
	want, err := sum(secret, key, r)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, r.mac) == 1
}
