// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// ReadMethod selects how tile and book-keeping bytes are fetched from disk.
type ReadMethod uint8

const (
	ReadBuffered ReadMethod = iota
	ReadMMap
	ReadDirect
)

func (m ReadMethod) valid() bool { return m <= ReadDirect }

// WriteMethod selects how tile bytes reach disk.
type WriteMethod uint8

const (
	WriteBuffered WriteMethod = iota
	// WriteSync opens attribute files O_SYNC so every tile append is
	// durable when the call returns. The original direct-I/O mode is
	// served this way: tiles have arbitrary compressed sizes, so aligned
	// O_DIRECT appends are not representable without padding the offsets
	// recorded in book-keeping.
	WriteSync
)

func (m WriteMethod) valid() bool { return m <= WriteSync }

const defaultTileCacheBytes = 10 << 20

// Config carries the process-level knobs of a StorageManager.
type Config struct {
	ReadMethod      ReadMethod  `toml:"-"`
	WriteMethod     WriteMethod `toml:"-"`
	ReadMethodName  string      `toml:"read_method"`  // buffered|mmap|direct
	WriteMethodName string      `toml:"write_method"` // buffered|direct
	TileCacheBytes  int64       `toml:"tile_cache_bytes"`
	AIOWorkers      int         `toml:"aio_workers"`
}

// DefaultConfig returns the configuration used when the caller passes nil.
func DefaultConfig() *Config {
	return &Config{
		ReadMethod:     ReadMMap,
		WriteMethod:    WriteBuffered,
		TileCacheBytes: defaultTileCacheBytes,
		AIOWorkers:     4,
	}
}

// LoadConfigFile reads a TOML config file and resolves it against defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "reading config %s: %v", path, err)
	}
	c := DefaultConfig()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(ErrInvalidArg, "parsing config %s: %v", path, err)
	}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c, nil
}

// resolve maps the textual method names onto their enums and applies
// defaults for zero values.
func (c *Config) resolve() error {
	switch c.ReadMethodName {
	case "":
	case "buffered":
		c.ReadMethod = ReadBuffered
	case "mmap":
		c.ReadMethod = ReadMMap
	case "direct":
		c.ReadMethod = ReadDirect
	default:
		return errors.Wrapf(ErrInvalidArg, "read_method %q", c.ReadMethodName)
	}
	switch c.WriteMethodName {
	case "":
	case "buffered":
		c.WriteMethod = WriteBuffered
	case "direct":
		c.WriteMethod = WriteSync
	default:
		return errors.Wrapf(ErrInvalidArg, "write_method %q", c.WriteMethodName)
	}
	if c.TileCacheBytes == 0 {
		c.TileCacheBytes = defaultTileCacheBytes
	}
	if c.AIOWorkers == 0 {
		c.AIOWorkers = 4
	}
	return nil
}

// Validate rejects configs the engine cannot honor.
func (c *Config) Validate() error {
	if !c.ReadMethod.valid() {
		return errors.Wrapf(ErrInvalidArg, "read method %d", c.ReadMethod)
	}
	if !c.WriteMethod.valid() {
		return errors.Wrapf(ErrInvalidArg, "write method %d", c.WriteMethod)
	}
	if c.TileCacheBytes < 0 {
		return errors.Wrap(ErrInvalidArg, "negative tile cache size")
	}
	if c.AIOWorkers < 0 {
		return errors.Wrap(ErrInvalidArg, "negative aio worker count")
	}
	return nil
}
