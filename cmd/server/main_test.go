package main

import (
	"testing"

	"ledgerpos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", OwnerID: "owner-1"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateSecurityConfigRequiresOwner(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err == nil {
		t.Fatalf("expected missing owner to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
