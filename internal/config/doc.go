// Package config provides loading and environment overlay for the engine
// configuration. It exposes a Default() baseline, a Load() that reads JSON or
// YAML by file extension, and FromEnv() for OPQ_* variables.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/opq.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
