// Package sfup implements the Secure Federated Update Pipeline: a
// lattice-based additively homomorphic aggregation core for
// privacy-preserving federated fine-tuning.
//
// A worker turns a set of gradient tensors into a privacy-bounded,
// compressed, encrypted, signed Update Package (see GradientPipeline). An
// aggregator validates, filters, and homomorphically sums packages
// from many workers into a plaintext model delta (see RoundAggregator). An
// EvidenceLog records a tamper-evident trail of every state
// transition on both sides.
//
// The package exposes a library API only; transport, key-management
// hardware, and model training are external collaborators.
package sfup
