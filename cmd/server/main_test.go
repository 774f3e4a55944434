package main

import (
	"testing"

	"adega/backend/internal/config"
	"adega/backend/internal/httpapi"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", AdminPassword: "Tannat#Reserva7"},
		{AuthSecret: "0123456789abcdef0123456789abcdef"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", AdminPassword: "admin123"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", AdminPassword: "Tannat#Reserva7", StaffPassword: "abcdefgh"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected weak security config to be rejected: %+v", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		AdminPassword: "Tannat#Reserva7",
		StaffPassword: "$2a$10$abcdefghijklmnopqrstuv",
		Remote:        config.RemoteLocal,
		CloudToken:    "token",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	weak := []string{"short", "aaaaaaaa", "12345678", "hgfedcba", "Password"}
	for _, pw := range weak {
		if err := validatePasswordStrength(pw); err == nil {
			t.Fatalf("expected %q to be rejected", pw)
		}
	}
	if err := validatePasswordStrength("Douro-2019-tinto"); err != nil {
		t.Fatalf("expected strong password to pass, got %v", err)
	}
}

func TestAccountsAddStaffOnlyWhenConfigured(t *testing.T) {
	list := accounts(config.Config{AdminPassword: "x"})
	if len(list) != 1 || list[0].Role != httpapi.RoleAdmin {
		t.Fatalf("expected only the admin account, got %+v", list)
	}
	list = accounts(config.Config{AdminPassword: "x", StaffPassword: "y"})
	if len(list) != 2 || list[1].Role != httpapi.RoleStaff {
		t.Fatalf("expected admin and staff accounts, got %+v", list)
	}
}
