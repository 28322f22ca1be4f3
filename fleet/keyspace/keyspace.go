package keyspace

import (
	"encoding/binary"
	"fmt"
)

// Key is an arbitrary byte string held as a Go string so keys can be
// compared with < and used as map indices.
type Key string

// KeyRange is the half-open range [Begin, End).
type KeyRange struct {
	Begin Key
	End   Key
}

var (
	// NormalKeys covers the whole user keyspace.
	NormalKeys = KeyRange{Begin: "", End: SystemPrefix}
	// SystemKeys covers the system metadata keyspace.
	SystemKeys = KeyRange{Begin: SystemPrefix, End: MaxKey}
	// AllKeys covers everything.
	AllKeys = KeyRange{Begin: "", End: MaxKey}
)

const (
	SystemPrefix Key = "\xff"
	MaxKey       Key = "\xff\xff"
)

func NewRange(begin, end Key) KeyRange {
	return KeyRange{Begin: begin, End: end}
}

func (r KeyRange) Empty() bool {
	return r.Begin >= r.End
}

func (r KeyRange) ContainsKey(k Key) bool {
	return r.Begin <= k && k < r.End
}

func (r KeyRange) Contains(other KeyRange) bool {
	return r.Begin <= other.Begin && other.End <= r.End
}

func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Begin < other.End && other.Begin < r.End
}

func (r KeyRange) Intersect(other KeyRange) KeyRange {
	out := r
	if other.Begin > out.Begin {
		out.Begin = other.Begin
	}
	if other.End < out.End {
		out.End = other.End
	}
	return out
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Begin.Printable(), r.End.Printable())
}

// KeyAfter returns the first key sorting strictly after k.
func KeyAfter(k Key) Key {
	return k + "\x00"
}

// PrefixEnd returns the key that ends the range of all keys with prefix k,
// i.e. k with its last byte incremented, dropping trailing 0xff bytes.
func PrefixEnd(k Key) Key {
	b := []byte(k)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return Key(b[:i+1])
		}
	}
	return MaxKey
}

// PrefixRange returns the range of all keys having prefix p.
func PrefixRange(p Key) KeyRange {
	return KeyRange{Begin: p, End: PrefixEnd(p)}
}

// Printable renders a key with non-printable bytes hex escaped.
func (k Key) Printable() string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 32 && c < 127 && c != '\\' {
			out = append(out, c)
		} else {
			out = append(out, []byte(fmt.Sprintf("\\x%02x", c))...)
		}
	}
	return string(out)
}

// Uint64Key encodes n big endian so that numeric order matches key order.
func Uint64Key(n uint64) Key {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return Key(b[:])
}

func DecodeUint64Key(k Key) (uint64, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("uint64 key has length %d", len(k))
	}
	return binary.BigEndian.Uint64([]byte(k)), nil
}

// Int64Key encodes n with the sign bit flipped so signed order matches key
// order.
func Int64Key(n int64) Key {
	return Uint64Key(uint64(n) ^ (1 << 63))
}

func DecodeInt64Key(k Key) (int64, error) {
	u, err := DecodeUint64Key(k)
	if err != nil {
		return 0, err
	}
	return int64(u ^ (1 << 63)), nil
}

// DoubleToTestKey renders a float as a zero-padded key so that numeric
// order matches key order, used by tests to generate shard boundaries.
func DoubleToTestKey(d float64) Key {
	return Key(fmt.Sprintf("%016.8f", d))
}
