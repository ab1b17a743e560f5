package ordertoken

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	c := NewCodec(0)
	tests := []struct {
		user    string
		credits int64
		tier    string
	}{
		{"u1", 50, "starter"},
		{"3f2c9a1e-7b1d-4c55-9e0a-2d1b7c0f9a11", 300, "pro"},
		{"user_with_underscores_", 6, "mini"},
		{"a|b:c,d;e/f", 120, "creator"},
		{"emoji-🍑-user", 1, "mini"},
		{"nul\x00byte", 7, "t"},
		{"pco1qqqq", 9, "pco1"},
		{"big", MaxCredits, "pro"},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			token, err := c.Encode(tt.user, tt.credits, tt.tier)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			o, err := c.Decode(token)
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", token, err)
			}
			if o.UserID != tt.user || o.Credits != tt.credits || o.Tier != tt.tier {
				t.Errorf("Decode() = (%q, %d, %q), want (%q, %d, %q)",
					o.UserID, o.Credits, o.Tier, tt.user, tt.credits, tt.tier)
			}
			if o.ID != token {
				t.Errorf("ID = %q, want %q", o.ID, token)
			}
		})
	}
}

func TestEncode_UniquePerCall(t *testing.T) {
	c := NewCodec(0)
	a, err := c.Encode("u1", 50, "starter")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode("u1", 50, "starter")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("two encodings of the same order are equal: %q", a)
	}
}

func TestEncode_Invalid(t *testing.T) {
	c := NewCodec(0)
	for _, tt := range []struct {
		user    string
		credits int64
		tier    string
	}{
		{"", 5, "mini"},
		{"u1", 0, "mini"},
		{"u1", -3, "mini"},
		{"u1", MaxCredits + 1, "mini"},
		{"u1", 5, ""},
	} {
		if _, err := c.Encode(tt.user, tt.credits, tt.tier); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("Encode(%q, %d, %q) err = %v, want ErrInvalidOrder", tt.user, tt.credits, tt.tier, err)
		}
	}
}

func TestEncode_TooLong(t *testing.T) {
	c := NewCodec(80)
	_, err := c.Encode(strings.Repeat("x", 64), 5, "mini")
	if !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("err = %v, want ErrTokenTooLong", err)
	}
}

func TestDecode_UpperCaseAndWhitespace(t *testing.T) {
	c := NewCodec(0)
	token, err := c.Encode("u1", 50, "starter")
	if err != nil {
		t.Fatal(err)
	}
	o, err := c.Decode("  " + strings.ToUpper(token) + "\n")
	if err != nil {
		t.Fatalf("Decode(upper) error: %v", err)
	}
	if o.ID != token {
		t.Errorf("canonical ID = %q, want %q", o.ID, token)
	}
}

func TestDecode_Rejects(t *testing.T) {
	c := NewCodec(0)
	token, err := c.Encode("u1", 50, "starter")
	if err != nil {
		t.Fatal(err)
	}
	flipped := []byte(token)
	last := len(flipped) - 8
	if flipped[last] == 'q' {
		flipped[last] = 'p'
	} else {
		flipped[last] = 'q'
	}

	inputs := map[string]string{
		"empty":       "",
		"truncated":   token[:len(token)-5],
		"altered":     string(flipped),
		"legacy":      "u1_50_1699999999",
		"json":        `{"order":"x"}`,
		"other hrp":   "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		"mixed case":  strings.ToUpper(token[:10]) + token[10:],
		"only prefix": "pco1",
		"too long":    strings.Repeat("q", 500),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			o, err := c.Decode(in)
			if err == nil {
				t.Fatalf("Decode(%q) = %+v, want error", in, o)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("err = %T, want *DecodeError", err)
			}
		})
	}
}

func TestDecode_RandomInputNeverPanics(t *testing.T) {
	c := NewCodec(0)
	rng := rand.New(rand.NewSource(42))
	const alphabet = "qpzry9x8gf2tvdw0s3jn54khce6mua7lPCO1-_:| "
	valid, _ := c.Encode("u1", 50, "starter")
	for i := 0; i < 2000; i++ {
		var b strings.Builder
		if i%2 == 0 {
			b.WriteString(valid[:rng.Intn(len(valid))])
		}
		n := rng.Intn(120)
		for j := 0; j < n; j++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		_, _ = c.Decode(b.String())
	}
}
