// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/docket-project/docket/lib/config"
)

// LoadConfig resolves and validates the configuration for a command.
// An explicit path (from --config) wins; otherwise the DOCKET_CONFIG
// environment variable is consulted. The returned config has passed
// [config.Config.Validate], so commands can use it without further
// checks.
func LoadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
