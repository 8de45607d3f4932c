package codec

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

func TestRoundTripBitExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	v := make(types.Vector, types.DefaultDimension)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	// Values that only survive a bit-level copy.
	v[0] = float32(math.Copysign(0, -1))
	v[1] = math.Float32frombits(0x7fc00001) // NaN with payload
	v[2] = math.SmallestNonzeroFloat32
	v[3] = float32(math.Inf(-1))

	b := Encode(v)
	if len(b) != len(v)*ValueSize {
		t.Fatalf("encoded length = %d, want %d", len(b), len(v)*ValueSize)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("decoded length = %d, want %d", len(got), len(v))
	}
	for i := range v {
		if math.Float32bits(got[i]) != math.Float32bits(v[i]) {
			t.Fatalf("value %d: bits %08x, want %08x", i, math.Float32bits(got[i]), math.Float32bits(v[i]))
		}
	}
}

func TestAppendEncodedMatchesEncode(t *testing.T) {
	v := types.Vector{1, -2.5, 3.25}
	prefix := []byte{0xAA}
	got := AppendEncoded(prefix, v)
	if got[0] != 0xAA {
		t.Fatalf("prefix clobbered")
	}
	if string(got[1:]) != string(Encode(v)) {
		t.Fatalf("AppendEncoded differs from Encode")
	}
}

func TestDecodeRejectsPartialValue(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(make(types.Vector, 4), 4); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, n := range []int{0, 3, 5} {
		err := Validate(make(types.Vector, n), 4)
		if !errors.Is(err, errs.ErrDimensionMismatch) {
			t.Errorf("len %d: expected dimension mismatch, got %v", n, err)
		}
	}
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		err := Validate(types.Vector{1, bad, 0, 0}, 4)
		if !errors.Is(err, errs.ErrInvalidArgument) {
			t.Errorf("value %v: expected invalid argument, got %v", bad, err)
		}
	}
}
