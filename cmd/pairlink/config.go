// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML config for open/join. Flags override
// any value set here. Durations are strings in Go syntax ("5s",
// "1m30s").
//
//	store_url: http://rendezvous.example:8723
//	room: workbench
//	ice_servers:
//	  - stun:stun.l.google.com:19302
//	poll_interval: 5s
//	connect_timeout: 30s
type fileConfig struct {
	StoreURL       string   `yaml:"store_url"`
	Room           string   `yaml:"room"`
	ICEServers     []string `yaml:"ice_servers"`
	PollInterval   string   `yaml:"poll_interval"`
	ConnectTimeout string   `yaml:"connect_timeout"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *fileConfig) validate() error {
	if _, err := c.pollInterval(); err != nil {
		return err
	}
	if _, err := c.connectTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *fileConfig) pollInterval() (time.Duration, error) {
	return parseDuration("poll_interval", c.PollInterval)
}

func (c *fileConfig) connectTimeout() (time.Duration, error) {
	return parseDuration("connect_timeout", c.ConnectTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}
