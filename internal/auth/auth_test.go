package auth

import (
	"testing"
	"time"

	"github.com/chatplatform/core/internal/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMintValidateRoundTrip(t *testing.T) {
	svc := New(testSecret, time.Hour)
	token, err := svc.Mint("u1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	userID, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if userID != "u1" {
		t.Errorf("userID = %q, want u1", userID)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	token, err := New(testSecret, time.Hour).Mint("u1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	other := New("another-secret-another-secret-xx", time.Hour)
	if _, err := other.Validate(token); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("kind = %v, want unauthenticated", apperr.KindOf(err))
	}
}

func TestValidateExpired(t *testing.T) {
	svc := New(testSecret, time.Millisecond)
	token, err := svc.Mint("u1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := svc.Validate(token); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("kind = %v, want unauthenticated", apperr.KindOf(err))
	}
}

func TestValidateGarbage(t *testing.T) {
	svc := New(testSecret, time.Hour)
	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := svc.Validate(token); err == nil {
			t.Errorf("Validate(%q) accepted", token)
		}
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "s3cret-pass" {
		t.Fatal("password stored in plain text")
	}
	if !CheckPassword(hash, "s3cret-pass") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
}
