package sfup

import (
	"fmt"
	"os"
	"strconv"
)

// RuntimeConfig is the process-level configuration read from the
// environment at startup (spec §4.9's operating envelope covers
// per-deployment cryptographic/DP parameters; this covers the handful
// of settings that make sense only as environment, not as declarative
// YAML: where secrets and local paths live).
type RuntimeConfig struct {
	Environment         string
	MasterSecret        []byte
	EvidenceDir         string
	MaxConcurrentRounds int
}

const (
	envEnvironment         = "SFUP_ENVIRONMENT"
	envMasterSecret        = "SFUP_MASTER_SECRET"
	envEvidenceDir         = "SFUP_EVIDENCE_DIR"
	envMaxConcurrentRounds = "SFUP_MAX_CONCURRENT_ROUNDS"
)

// LoadRuntimeConfig reads RuntimeConfig from the environment. It is
// fatal at startup (a *ConfigError) rather than silently defaulting
// if SFUP_MASTER_SECRET is missing or too short to serve as CSPRNG
// root key material (spec §4.1 assumes a high-entropy operator secret).
func LoadRuntimeConfig() (RuntimeConfig, error) {
	env := os.Getenv(envEnvironment)
	if env == "" {
		env = "development"
	}

	secret := os.Getenv(envMasterSecret)
	if len(secret) < 32 {
		return RuntimeConfig{}, &ConfigError{Field: envMasterSecret, Message: "must be set and at least 32 bytes"}
	}

	evidenceDir := os.Getenv(envEvidenceDir)
	if evidenceDir == "" {
		evidenceDir = "./sfup-evidence"
	}

	maxRounds := 4
	if raw := os.Getenv(envMaxConcurrentRounds); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return RuntimeConfig{}, &ConfigError{Field: envMaxConcurrentRounds, Message: fmt.Sprintf("must be a positive integer, got %q", raw)}
		}
		maxRounds = v
	}

	return RuntimeConfig{
		Environment:         env,
		MasterSecret:        []byte(secret),
		EvidenceDir:         evidenceDir,
		MaxConcurrentRounds: maxRounds,
	}, nil
}
