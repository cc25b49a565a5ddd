// Copyright 2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates grapevine's declarative configuration
// document: listeners, federation toggle, event store location, resource
// limits and the key cache, and the opaque observability block.
package config

import (
	"fmt"
	"io/ioutil"

	yaml "gopkg.in/yaml.v2"
)

// Version is the current configuration format version. It changes only on
// breaking changes to the document shape.
const Version = 1

// Listener is one transport binding the surrounding system listens on; its
// contents are opaque to the core beyond address/port/tls.
type Listener struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
}

// Federation toggles participation in the Server-Server API.
type Federation struct {
	Enabled bool `yaml:"enabled"`
}

func (f *Federation) Defaults() {
	f.Enabled = true
}

// Database locates the Event Store's durable backing file or DSN.
type Database struct {
	Path string `yaml:"path"`
}

// Limits bounds the resources a single ingress pipeline instance may use.
type Limits struct {
	MaxEventBytes       int64 `yaml:"max_event_bytes"`
	MaxDepthBackfill    int   `yaml:"max_depth_backfill"`
	IngressQueuePerRoom int   `yaml:"ingress_queue_per_room"`
}

func (l *Limits) Defaults() {
	l.MaxEventBytes = 65536
	l.MaxDepthBackfill = 1000
	l.IngressQueuePerRoom = 32
}

// Keys configures the Signature & Hash Verifier's key cache.
type Keys struct {
	RefreshInterval string `yaml:"refresh_interval"`
	MaxCacheBytes   int64  `yaml:"max_cache_bytes"`
}

func (k *Keys) Defaults() {
	k.RefreshInterval = "1h"
	k.MaxCacheBytes = 16 << 20
}

// Observability is opaque to the core; it is handed to the telemetry
// adapter verbatim.
type Observability struct {
	Logs    map[string]interface{} `yaml:"logs"`
	Traces  map[string]interface{} `yaml:"traces"`
	Metrics map[string]interface{} `yaml:"metrics"`
	Flame   map[string]interface{} `yaml:"flame"`
}

// ServerName is the local homeserver's own identity, used to select the
// active signing key and to originate federation requests.
type ServerName string

// Grapevine is the root configuration document, matching §6 of the
// component design exactly: anything not listed there is either derived
// or belongs to a collaborator, not the core.
type Grapevine struct {
	Version int `yaml:"version"`

	ServerName ServerName `yaml:"server_name"`

	Listeners     []Listener    `yaml:"listeners"`
	Federation    Federation    `yaml:"federation"`
	Database      Database      `yaml:"database"`
	Limits        Limits        `yaml:"limits"`
	Keys          Keys          `yaml:"keys"`
	Observability Observability `yaml:"observability"`

	// Logging configures logrus hooks, following the teacher's own
	// per-hook shape (type/level/params) rather than inventing a new one.
	Logging []LogrusHook `yaml:"logging"`
}

// LogrusHook configures one logrus hook; only type/level/params are parsed
// here, validity of params is checked when the hook is actually built.
type LogrusHook struct {
	Type   string                 `yaml:"type"`
	Level  string                 `yaml:"level"`
	Params map[string]interface{} `yaml:"params"`
}

// Defaults populates every field with its zero-risk default before the
// YAML document is unmarshalled over it, so a document that omits a
// section still produces a usable config.
func (c *Grapevine) Defaults() {
	c.Version = Version
	c.Federation.Defaults()
	c.Limits.Defaults()
	c.Keys.Defaults()
}

// configErrors collects every validation problem found in a document so a
// user sees all of them at once rather than fixing one typo per run.
type configErrors []string

func (errs configErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func (errs *configErrors) add(format string, args ...interface{}) {
	*errs = append(*errs, fmt.Sprintf(format, args...))
}

// Load reads and validates a configuration document from disk. A non-nil
// error here corresponds to exit code 2, config invalid.
func Load(path string) (*Grapevine, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Grapevine
	c.Defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Grapevine) check() error {
	var errs configErrors

	if c.Version != Version {
		errs.add("unknown config version %d, expected %d", c.Version, Version)
		return errs
	}
	if c.ServerName == "" {
		errs.add("missing config key %q", "server_name")
	}
	if len(c.Listeners) == 0 {
		errs.add("missing config key %q: need at least one listener", "listeners")
	}
	if c.Database.Path == "" {
		errs.add("missing config key %q", "database.path")
	}
	if c.Limits.MaxEventBytes <= 0 {
		errs.add("invalid value for config key %q: must be positive", "limits.max_event_bytes")
	}
	if c.Limits.MaxDepthBackfill <= 0 {
		errs.add("invalid value for config key %q: must be positive", "limits.max_depth_backfill")
	}
	if c.Limits.IngressQueuePerRoom <= 0 {
		errs.add("invalid value for config key %q: must be positive", "limits.ingress_queue_per_room")
	}
	if c.Keys.MaxCacheBytes <= 0 {
		errs.add("invalid value for config key %q: must be positive", "keys.max_cache_bytes")
	}
	for _, hook := range c.Logging {
		if hook.Type == "" {
			errs.add("missing config key %q", "logging[].type")
		}
		if hook.Level == "" {
			errs.add("missing config key %q", "logging[].level")
		}
	}

	if errs != nil {
		return errs
	}
	return nil
}
