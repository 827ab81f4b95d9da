package auth

import (
	"testing"
	"time"

	"mechlink/internal/model"
)

func TestCreateVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

	tok, err := CreateToken("cust_1", model.RoleCustomer, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "cust_1" {
		t.Fatalf("expected cust_1, got %q", claims.UserID)
	}
	if claims.Role != model.RoleCustomer {
		t.Fatalf("expected customer role, got %q", claims.Role)
	}
}

func TestCreateToken_RejectsInvalidRole(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	if _, err := CreateToken("u1", model.Role("admin"), cfg); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("mech_1", model.RoleMechanic, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, TokenConfig{Secret: "other"}); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Millisecond, Issuer: "test"}
	tok, err := CreateToken("mech_1", model.RoleMechanic, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := VerifyToken(tok, cfg); err == nil {
		t.Fatalf("expected expiry failure")
	}
}
