// Copyright 2024 The Durastore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines YAML configuration for host applications embedding the store.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/durastore/durastore/codec"
	"github.com/ghodss/yaml"
)

// Supported encoding names for Storage.Encoding.
const (
	JSONEncoding = "json"
	YAMLEncoding = "yaml"
)

// Config is the top-level configuration object.
type Config struct {
	Storage *Storage `json:"storage"`
}

// Storage configures a base directory of stored values.
type Storage struct {
	// Directory is the base directory holding one file per stored value, plus the backup and
	// corrupted subdirectories.
	Directory string `json:"directory"`

	// WriteDelayMillis is the debounce quiet interval in milliseconds. A save request is
	// written once no further request arrives for this long. 0 selects the default.
	WriteDelayMillis int64 `json:"writeDelayMillis"`

	// Encoding selects the on-disk format: "json" (default) or "yaml".
	Encoding string `json:"encoding"`
}

// Load reads and parses configuration from the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML (or JSON) text.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Storage == nil {
		return errors.New("missing storage section")
	}
	return c.Storage.Validate()
}

func (s *Storage) Validate() error {
	if s.Directory == "" {
		return errors.New("storage: missing directory")
	}
	if s.WriteDelayMillis < 0 {
		return errors.New("storage: writeDelayMillis must not be negative")
	}
	switch s.Encoding {
	case "", JSONEncoding, YAMLEncoding:
	default:
		return errors.New(fmt.Sprintf("storage: invalid encoding: %v", s.Encoding))
	}
	return nil
}

// WriteDelay returns the configured quiet interval, or 0 if unset. Callers treat 0 as "use the
// default".
func (s *Storage) WriteDelay() time.Duration {
	return time.Duration(s.WriteDelayMillis) * time.Millisecond
}

// Codec returns the codec selected by the Encoding field.
func (s *Storage) Codec() codec.Codec {
	if s.Encoding == YAMLEncoding {
		return codec.NewYAML()
	}
	return codec.NewJSON()
}
