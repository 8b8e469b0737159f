// Copyright 2023-2025 The Tboxdav Authors
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

package main

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// minCacheSize is the smallest accepted metadata cache budget.
const minCacheSize = 10 << 20

// Accepted --auth values.
var authModes = map[string]bool{
	"None":      true,
	"JaCookie":  true,
	"UserToken": true,
	"Custom":    true,
	"Mixed":     true,
}

// Accepted --access values.
var accessModes = map[string]bool{
	"Full":         true,
	"ReadOnly":     true,
	"ReadDownload": true,
}

type config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	CacheSize int64  `mapstructure:"cachesize"`

	Auth     string `mapstructure:"auth"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Cookie   string `mapstructure:"cookie"`
	Token    string `mapstructure:"token"`
	Access   string `mapstructure:"access"`

	// BaseURL is the Tbox API root.
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds one backend call, in seconds.
	Timeout int64 `mapstructure:"timeout"`
	// Namespace prefixes every request path inside the remote store.
	Namespace string `mapstructure:"namespace"`
	// Prefix is the URL prefix the DAV service is mounted on.
	Prefix string `mapstructure:"prefix"`
	// InfiniteDepth is one of allowed, rejected, assume0, assume1.
	InfiniteDepth string `mapstructure:"infinite_depth"`

	UploadWorkers int `mapstructure:"upload_workers"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

func defaultConfig() *config {
	return &config{
		Host:          "0.0.0.0",
		Port:          8080,
		CacheSize:     64 << 20,
		Auth:          "None",
		Access:        "Full",
		Timeout:       30,
		InfiniteDepth: "allowed",
		LogLevel:      "info",
	}
}

// applyFile overlays a yaml config file. The file is decoded into a generic
// map first and mapped onto the typed struct with mapstructure, so unknown
// keys fail loudly instead of being dropped.
func (c *config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	m := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return errors.Wrap(err, "parsing config file")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      c,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return errors.Wrap(err, "decoding config file")
	}
	return nil
}

func (c *config) validate() error {
	if c.CacheSize < minCacheSize {
		return errors.Errorf("cachesize must be at least %d bytes", int64(minCacheSize))
	}
	if !authModes[c.Auth] {
		return errors.Errorf("unknown auth mode: %s", c.Auth)
	}
	if !accessModes[c.Access] {
		return errors.Errorf("unknown access mode: %s", c.Access)
	}
	switch c.InfiniteDepth {
	case "allowed", "rejected", "assume0", "assume1":
	default:
		return errors.Errorf("unknown infinite_depth mode: %s", c.InfiniteDepth)
	}
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	switch c.Auth {
	case "UserToken":
		if c.Token == "" {
			return errors.New("auth mode UserToken needs --token")
		}
	case "JaCookie":
		if c.Cookie == "" {
			return errors.New("auth mode JaCookie needs --cookie")
		}
	}
	return nil
}
