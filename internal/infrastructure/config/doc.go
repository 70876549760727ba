// Package config handles loading and validating graygate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYGATE_* environment variables
//   - Validation of required fields and auth mode combinations
//   - Default value handling
//
// Security Considerations:
//   - Admin secrets and JWT keys should be set via environment variables
//     or stored as Argon2id hashes in the file
//   - The config file should have restricted permissions (0600)
//
// The loaded *Config is immutable after startup. Request handling reads it
// through api.Deps and never writes to it.
//
// Usage:
//
//	cfg, err := config.Load("configs/graygate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.Port)
package config
