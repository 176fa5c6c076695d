package sfup

import "testing"

func TestLoadRuntimeConfigRequiresMasterSecret(t *testing.T) {
	t.Setenv("SFUP_MASTER_SECRET", "")
	if _, err := LoadRuntimeConfig(); err == nil {
		t.Fatal("expected error when SFUP_MASTER_SECRET is unset")
	}
}

func TestLoadRuntimeConfigDefaults(t *testing.T) {
	t.Setenv("SFUP_MASTER_SECRET", "01234567890123456789012345678901")
	t.Setenv("SFUP_ENVIRONMENT", "")
	t.Setenv("SFUP_EVIDENCE_DIR", "")
	t.Setenv("SFUP_MAX_CONCURRENT_ROUNDS", "")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment, got %q", cfg.Environment)
	}
	if cfg.MaxConcurrentRounds != 4 {
		t.Fatalf("expected default max concurrent rounds 4, got %d", cfg.MaxConcurrentRounds)
	}
}

func TestLoadRuntimeConfigRejectsInvalidMaxConcurrentRounds(t *testing.T) {
	t.Setenv("SFUP_MASTER_SECRET", "01234567890123456789012345678901")
	t.Setenv("SFUP_MAX_CONCURRENT_ROUNDS", "not-a-number")
	if _, err := LoadRuntimeConfig(); err == nil {
		t.Fatal("expected error for non-numeric SFUP_MAX_CONCURRENT_ROUNDS")
	}
}
