package token

import (
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/bootproof"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMintAndValidate(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk, fixedClock(base))
	validator := NewValidator(bk, fixedClock(base.Add(time.Second)))

	tok, err := minter.Mint("read", "actor-1", Context{Route: "/x", Method: "GET"}, MintOptions{})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	res := validator.Validate(tok, Expectation{ActionID: "read", Actor: "actor-1"}, true)
	if !res.OK {
		t.Fatalf("expected valid token, got errors: %v", res.Errors)
	}
}

// TestSingleUseEnforced is scenario S7.
func TestSingleUseEnforced(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk, fixedClock(base))
	validator := NewValidator(bk, fixedClock(base.Add(time.Millisecond)))

	tok, _ := minter.Mint("read", "actor-1", Context{}, MintOptions{})

	first := validator.Validate(tok, Expectation{}, true)
	if !first.OK {
		t.Fatalf("expected first validate to succeed: %v", first.Errors)
	}
	second := validator.Validate(tok, Expectation{}, true)
	if second.OK {
		t.Fatalf("expected second validate of single-use token to fail")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk, fixedClock(base))
	tok, _ := minter.Mint("read", "actor-1", Context{}, MintOptions{TTL: time.Second})

	validator := NewValidator(bk, fixedClock(base.Add(2*time.Second)))
	res := validator.Validate(tok, Expectation{}, true)
	if res.OK {
		t.Fatalf("expected expired token to be rejected")
	}
}

// TestSignatureBitFlipRejected is invariant 3.
func TestSignatureBitFlipRejected(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk, fixedClock(base))
	validator := NewValidator(bk, fixedClock(base))

	tok, _ := minter.Mint("read", "actor-1", Context{}, MintOptions{})
	flipped := []byte(tok.Signature)
	flipped[0] ^= 0x01
	tok.Signature = string(flipped)

	res := validator.Validate(tok, Expectation{}, true)
	if res.OK {
		t.Fatalf("expected bit-flipped signature to fail validation")
	}
}

func TestBootKeyMismatchRejected(t *testing.T) {
	bk1, _ := bootproof.NewBootKey()
	bk2, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk1, fixedClock(base))
	validator := NewValidator(bk2, fixedClock(base))

	tok, _ := minter.Mint("read", "actor-1", Context{}, MintOptions{})
	res := validator.Validate(tok, Expectation{}, true)
	if res.OK {
		t.Fatalf("expected boot_key_id mismatch to reject token from a different boot")
	}
}

func TestActionIDMismatchRejected(t *testing.T) {
	bk, _ := bootproof.NewBootKey()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := NewMinter(bk, fixedClock(base))
	validator := NewValidator(bk, fixedClock(base))

	tok, _ := minter.Mint("read", "actor-1", Context{}, MintOptions{})
	res := validator.Validate(tok, Expectation{ActionID: "write"}, false)
	if res.OK {
		t.Fatalf("expected action_id expectation mismatch to reject")
	}
}
