package main

import (
	"testing"

	"nationalpos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", ManagerPIN: "739154"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "123456"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "444444"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "987654"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "73a154"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "7391"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected config with pin %q and secret %q to be rejected", cfg.ManagerPIN, cfg.AuthSecret)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
