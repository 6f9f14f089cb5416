package main

import (
	"errors"
	"fmt"
	"testing"

	"feedsignal/config"
	"feedsignal/internal/marketdata/dxlink"
	"feedsignal/internal/secret"
)

func TestAttemptReason(t *testing.T) {
	cases := map[string]error{
		"clean":       nil,
		"grant":       fmt.Errorf("%w: status 401", dxlink.ErrGrant),
		"handshake":   fmt.Errorf("%w: timeout", dxlink.ErrHandshake),
		"control":     fmt.Errorf("%w: ERROR", dxlink.ErrFatalControl),
		"peer_closed": dxlink.ErrPeerClosed,
		"transport":   errors.New("read: connection reset"),
	}
	for want, err := range cases {
		if got := attemptReason(err); got != want {
			t.Fatalf("expected %s for %v, got %s", want, err, got)
		}
	}
}

func TestSecretProvider_Env(t *testing.T) {
	cfg := config.Defaults()
	p, err := secretProvider(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, ok := p.(secret.Env)
	if !ok {
		t.Fatalf("expected secret.Env, got %T", p)
	}
	if env.Key != "TASTYTRADE_SESSION_TOKEN" {
		t.Fatalf("expected TASTYTRADE_SESSION_TOKEN, got %s", env.Key)
	}
}

func TestSecretProvider_File(t *testing.T) {
	cfg := config.Defaults()
	cfg.SecretSource = config.SecretFile
	cfg.SessionSecretFile = "/run/secrets/token"
	p, err := secretProvider(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, ok := p.(secret.File); !ok || f.Path != "/run/secrets/token" {
		t.Fatalf("expected secret.File at the configured path, got %#v", p)
	}
}

func TestSecretProvider_Unknown(t *testing.T) {
	cfg := config.Defaults()
	cfg.SecretSource = "vault"
	if _, err := secretProvider(cfg, nil); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
