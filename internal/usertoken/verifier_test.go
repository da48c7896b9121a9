package usertoken

import (
	"testing"
	"time"
)

func TestVerifySubject(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := Sign("test-secret", "", "", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	subject, err := v.VerifySubject(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("unexpected subject: %q", subject)
	}
}

func TestVerifySubjectRejectsWrongSecret(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "right"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := Sign("wrong", "", "", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifySubject(token); err == nil {
		t.Fatal("expected verification failure for wrong secret")
	}
}

func TestVerifySubjectRejectsExpired(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s", Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := Sign("s", "", "", "user-1", -time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifySubject(token); err == nil {
		t.Fatal("expected verification failure for expired token")
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected constructor error for empty secret")
	}
}
