package sfup

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyRotationPolicy governs what happens to an in-flight round when its
// key_id is rotated mid-round (spec §9 open question). SFUP commits to
// Drain: the current round finishes against the old key; new rounds
// must use the new key_id.
type KeyRotationPolicy string

const (
	RotationDrain KeyRotationPolicy = "drain"
	RotationAbort KeyRotationPolicy = "abort"
)

// OperatingEnvelope is the immutable, per-deployment configuration
// enumerated in spec §4.9. It is validated once at construction time;
// an unrecognized field in the source YAML is a startup ConfigError,
// never a silently-ignored option (chronicle's declarative config files
// follow the same discipline via yaml.v3's KnownFields decoder option).
type OperatingEnvelope struct {
	ClipNorm            float64
	SparsityRatio       float64
	Bits                int
	Mu                  float64
	EpsilonCap          float64
	Delta               float64
	QuorumThreshold     int
	MADK                float64
	MaxUpdateSizeKB     int
	MinRoundIntervalSec int
	MaxRoundIntervalSec int
	MaxDeltaNorm        float64
	MaxKL               float64
	GateThreshold       float64
	MaxQualityMSE       float64
	HardStopEnabled     bool
	SecurityLevel       int
	RotationPolicy      KeyRotationPolicy
	RoundDeadline       time.Duration
}

// envelopeYAML is the on-disk shape. Field names are explicit and
// exhaustive: yaml.v3's KnownFields(true) rejects any key not listed
// here, turning a typo'd deployment option into a ConfigError instead
// of a silent no-op (spec §9, "dict-based configuration" re-architecture).
type envelopeYAML struct {
	ClipNorm            float64 `yaml:"clip_norm"`
	SparsityRatio       float64 `yaml:"sparsity_ratio"`
	Bits                int     `yaml:"bits"`
	Mu                  float64 `yaml:"mu"`
	EpsilonCap          float64 `yaml:"epsilon_cap"`
	Delta               float64 `yaml:"delta"`
	QuorumThreshold     int     `yaml:"quorum_threshold"`
	MADK                float64 `yaml:"mad_k"`
	MaxUpdateSizeKB     int     `yaml:"max_update_size_kb"`
	MinRoundIntervalSec int     `yaml:"min_round_interval_seconds"`
	MaxRoundIntervalSec int     `yaml:"max_round_interval_seconds"`
	MaxDeltaNorm        float64 `yaml:"max_delta_norm"`
	MaxKL               float64 `yaml:"max_kl"`
	GateThreshold       float64 `yaml:"gate_threshold"`
	MaxQualityMSE       float64 `yaml:"max_quality_mse"`
	HardStopEnabled     bool    `yaml:"hard_stop_enabled"`
	SecurityLevel       int     `yaml:"security_level"`
	RotationPolicy      string  `yaml:"rotation_policy"`
	RoundDeadlineSec    int     `yaml:"round_deadline_seconds"`
}

// DefaultOperatingEnvelope returns a conservative, internally
// consistent envelope suitable for tests and local experimentation.
func DefaultOperatingEnvelope() OperatingEnvelope {
	return OperatingEnvelope{
		ClipNorm:            1.0,
		SparsityRatio:       0.1,
		Bits:                8,
		Mu:                  3.19,
		EpsilonCap:          4.0,
		Delta:               1e-5,
		QuorumThreshold:     3,
		MADK:                3.0,
		MaxUpdateSizeKB:     4096,
		MinRoundIntervalSec: 1,
		MaxRoundIntervalSec: 3600,
		MaxDeltaNorm:        100.0,
		MaxKL:               10.0,
		GateThreshold:       0.15,
		MaxQualityMSE:       0.05,
		HardStopEnabled:     true,
		SecurityLevel:       128,
		RotationPolicy:      RotationDrain,
		RoundDeadline:       30 * time.Second,
	}
}

// LoadOperatingEnvelope parses and validates an envelope from YAML
// bytes. Any field in the input not present in envelopeYAML is
// rejected outright.
func LoadOperatingEnvelope(data []byte) (OperatingEnvelope, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw envelopeYAML
	if err := dec.Decode(&raw); err != nil {
		return OperatingEnvelope{}, &ConfigError{Field: "envelope", Message: err.Error()}
	}

	env := OperatingEnvelope{
		ClipNorm:            raw.ClipNorm,
		SparsityRatio:       raw.SparsityRatio,
		Bits:                raw.Bits,
		Mu:                  raw.Mu,
		EpsilonCap:          raw.EpsilonCap,
		Delta:               raw.Delta,
		QuorumThreshold:     raw.QuorumThreshold,
		MADK:                raw.MADK,
		MaxUpdateSizeKB:     raw.MaxUpdateSizeKB,
		MinRoundIntervalSec: raw.MinRoundIntervalSec,
		MaxRoundIntervalSec: raw.MaxRoundIntervalSec,
		MaxDeltaNorm:        raw.MaxDeltaNorm,
		MaxKL:               raw.MaxKL,
		GateThreshold:       raw.GateThreshold,
		MaxQualityMSE:       raw.MaxQualityMSE,
		HardStopEnabled:     raw.HardStopEnabled,
		SecurityLevel:       raw.SecurityLevel,
		RotationPolicy:      KeyRotationPolicy(raw.RotationPolicy),
		RoundDeadline:       time.Duration(raw.RoundDeadlineSec) * time.Second,
	}
	if env.RotationPolicy == "" {
		env.RotationPolicy = RotationDrain
	}
	if err := env.Validate(); err != nil {
		return OperatingEnvelope{}, err
	}
	return env, nil
}

// LoadOperatingEnvelopeFile reads and validates an envelope from disk.
func LoadOperatingEnvelopeFile(path string) (OperatingEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OperatingEnvelope{}, &ConfigError{Field: "envelope_path", Message: err.Error()}
	}
	return LoadOperatingEnvelope(data)
}

// Validate enforces the envelope's internal invariants. It is called
// once at construction and never again: the envelope is immutable for
// the lifetime of an active round (spec §4.9).
func (e OperatingEnvelope) Validate() error {
	switch {
	case e.ClipNorm <= 0:
		return &ConfigError{Field: "clip_norm", Message: "must be > 0"}
	case e.SparsityRatio <= 0 || e.SparsityRatio > 1:
		return &ConfigError{Field: "sparsity_ratio", Message: "must be in (0, 1]"}
	case e.Bits != 2 && e.Bits != 4 && e.Bits != 8:
		return &ConfigError{Field: "bits", Message: "must be one of {2, 4, 8}"}
	case e.Mu < 1.0 || e.Mu > 10.0:
		return &ConfigError{Field: "mu", Message: fmt.Sprintf("%v: %v", e.Mu, ErrInvalidSkellamParam)}
	case e.EpsilonCap <= 0:
		return &ConfigError{Field: "epsilon_cap", Message: "must be > 0"}
	case e.Delta <= 0 || e.Delta >= 1:
		return &ConfigError{Field: "delta", Message: "must be in (0, 1)"}
	case e.QuorumThreshold < 1:
		return &ConfigError{Field: "quorum_threshold", Message: "must be >= 1"}
	case e.MADK <= 0:
		return &ConfigError{Field: "mad_k", Message: "must be > 0"}
	case e.MaxUpdateSizeKB <= 0:
		return &ConfigError{Field: "max_update_size_kb", Message: "must be > 0"}
	case e.SecurityLevel != 128 && e.SecurityLevel != 192:
		return &ConfigError{Field: "security_level", Message: "must be 128 or 192"}
	case e.GateThreshold < 0 || e.GateThreshold > 1:
		return &ConfigError{Field: "gate_threshold", Message: "must be in [0, 1]"}
	case e.RotationPolicy != "" && e.RotationPolicy != RotationDrain && e.RotationPolicy != RotationAbort:
		return &ConfigError{Field: "rotation_policy", Message: "must be 'drain' or 'abort'"}
	}
	return nil
}
