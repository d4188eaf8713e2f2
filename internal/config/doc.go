/*
Package config loads and validates PersistencyConfig, the resolved
configuration record the core is constructed from. Config-file parsing is
handled by a separate daemon frontend in production deployments (the core
itself just consumes an already-parsed record), but this package provides
the same YAML-backed Load/Save/Validate surface that frontend would use to
produce one.

# Precedence

	1. NewDefault()       (lowest priority)
	2. LoadFromFile (YAML)
	3. LoadFromEnv (LAPPER_* variables, highest priority)

# Validation

Validate enforces: 1 ≤ minValidReplicas ≤ replicaCount, replicaCount ≥ 1,
checksumType ∈ {CRC32, SHA256}, and the kvs backend/delegate enums.
Violations return an errors.InvalidArgument.
*/
package config
