// Package ordertoken encodes the order reference that travels through a
// payment gateway and comes back on its notifications.
//
// Layout before text encoding:
//
//	version(1) | uvarint len(user) | user | uvarint credits | uvarint len(tier) | tier | nonce(16)
//
// The bytes are bech32 encoded under the "pco" prefix. The checksum rejects
// truncated or altered tokens, and gateways that upper-case the reference
// still decode to the same order.
package ordertoken

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/google/uuid"
)

const (
	Prefix  = "pco"
	version = 1

	nonceLen = 16
	// MaxCredits bounds the credits field so it always fits an int64.
	MaxCredits = 1 << 62
	// DefaultMaxLen fits Stripe's client_reference_id limit.
	DefaultMaxLen = 200
)

var (
	ErrTokenTooLong = errors.New("order token exceeds gateway length limit")
	ErrInvalidOrder = errors.New("order requires user, credits in range and tier")
)

// DecodeError describes why a token could not be read.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "order token: " + e.Reason
}

type Order struct {
	// ID is the canonical token string; it is the idempotency key.
	ID      string
	UserID  string
	Credits int64
	Tier    string
	Nonce   [nonceLen]byte
}

type Codec struct {
	MaxLen int
	// NewNonce is replaceable in tests.
	NewNonce func() [nonceLen]byte
}

func NewCodec(maxLen int) Codec {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return Codec{MaxLen: maxLen}
}

func (c Codec) Encode(userID string, credits int64, tier string) (string, error) {
	if userID == "" || credits <= 0 || credits > MaxCredits || tier == "" {
		return "", ErrInvalidOrder
	}
	nonce := c.nonce()

	buf := make([]byte, 0, 1+len(userID)+len(tier)+3*binary.MaxVarintLen64+nonceLen)
	buf = append(buf, version)
	buf = binary.AppendUvarint(buf, uint64(len(userID)))
	buf = append(buf, userID...)
	buf = binary.AppendUvarint(buf, uint64(credits))
	buf = binary.AppendUvarint(buf, uint64(len(tier)))
	buf = append(buf, tier...)
	buf = append(buf, nonce[:]...)

	data, err := bech32.ConvertBits(buf, 8, 5, true)
	if err != nil {
		return "", err
	}
	token, err := bech32.Encode(Prefix, data)
	if err != nil {
		return "", err
	}
	if max := c.maxLen(); len(token) > max {
		return "", fmt.Errorf("%w: %d > %d", ErrTokenTooLong, len(token), max)
	}
	return token, nil
}

// Decode parses a token. It never panics; any foreign, truncated or
// corrupted input yields a *DecodeError.
func (c Codec) Decode(token string) (*Order, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &DecodeError{Reason: "empty"}
	}
	if len(token) > c.maxLen() {
		return nil, &DecodeError{Reason: "too long"}
	}
	hrp, data, err := bech32.DecodeNoLimit(token)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if hrp != Prefix {
		return nil, &DecodeError{Reason: "unexpected prefix " + hrp}
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	r := reader{b: raw}
	if v := r.byte(); v != version {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	user := r.field()
	credits := r.uvarint()
	tier := r.field()
	nonce := r.take(nonceLen)
	if r.err != nil {
		return nil, &DecodeError{Reason: r.err.Error()}
	}
	if len(r.b) != 0 {
		return nil, &DecodeError{Reason: "trailing bytes"}
	}
	if len(user) == 0 || len(tier) == 0 || credits == 0 || credits > MaxCredits {
		return nil, &DecodeError{Reason: "missing order fields"}
	}

	o := &Order{
		ID:      strings.ToLower(token),
		UserID:  string(user),
		Credits: int64(credits),
		Tier:    string(tier),
	}
	copy(o.Nonce[:], nonce)
	return o, nil
}

func (c Codec) maxLen() int {
	if c.MaxLen <= 0 {
		return DefaultMaxLen
	}
	return c.MaxLen
}

func (c Codec) nonce() [nonceLen]byte {
	if c.NewNonce != nil {
		return c.NewNonce()
	}
	return uuid.New()
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) byte() byte {
	b := r.take(1)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = errors.New("bad varint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) field() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)) {
		r.err = errors.New("field length out of range")
		return nil
	}
	return r.take(int(n))
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = errors.New("short token")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}
