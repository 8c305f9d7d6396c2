// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config implements reading and writing of the InstantSOUP
// configuration file: nickname, discovery tuning, and auto-join channel
// patterns.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"

	"github.com/gobwas/glob"
	"sigs.k8s.io/yaml"

	"github.com/anopheles/instantsoup/lib/beacon"
)

// Configuration is the top-level, on-disk shape of an InstantSOUP node's
// settings.
type Configuration struct {
	Version int `json:"version" default:"1"`

	Nickname string `json:"nickname"`

	// Discovery holds multicast Announcer tuning.
	Discovery DiscoveryConfiguration `json:"discovery"`

	// Server configures the (optional) channel server this node runs.
	Server ServerConfiguration `json:"server"`

	// AutoJoin lists glob patterns (github.com/gobwas/glob syntax, e.g.
	// "#dev-*") matched against channel names as they're discovered; a
	// match causes the client to JOIN without user interaction.
	AutoJoin []string `json:"autoJoin"`
}

type DiscoveryConfiguration struct {
	GroupAddress string `json:"groupAddress" default:"239.255.99.63"`
	Port         int    `json:"port" default:"55555"`

	// Interfaces is a list of network interface names. It is loaded and
	// saved but not applied: the Announcer (lib/beacon) always joins the
	// multicast group on every up, multicast-capable interface.
	Interfaces []string `json:"interfaces"`
}

type ServerConfiguration struct {
	Enabled bool `json:"enabled"`

	// ListenAddress is the TCP address the channel server binds. A port
	// of 0 (the default) means "let the OS choose"; the chosen port is
	// what gets announced in the SERVER option (spec §4.3, §9 Open
	// Question: "bind :0 and read back the chosen port").
	ListenAddress string `json:"listenAddress" default:"0.0.0.0:0"`

	// Channels is the set of channels this server hosts on startup.
	// Additional channels may be created on demand by JOIN (spec §6).
	Channels []string `json:"channels"`
}

// Default returns a Configuration with every `default`-tagged field set,
// matching beacon.GroupAddress/beacon.Port.
func Default() Configuration {
	var cfg Configuration
	setDefaults(&cfg)
	setDefaults(&cfg.Discovery)
	setDefaults(&cfg.Server)
	return cfg
}

// Load reads and validates a YAML configuration document. A nil reader (or
// one that reads as an empty document) yields Default() with Nickname set
// to the host name.
func Load(rd io.Reader) (Configuration, error) {
	cfg := Default()

	if rd != nil {
		data, err := io.ReadAll(rd)
		if err != nil {
			return cfg, err
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes cfg as YAML.
func Save(w io.Writer, cfg Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (cfg *Configuration) validate() error {
	if cfg.Nickname == "" {
		cfg.Nickname = hostname()
	}
	if cfg.Discovery.GroupAddress == "" {
		cfg.Discovery.GroupAddress = beacon.GroupAddress
	}
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = beacon.Port
	}
	for _, pat := range cfg.AutoJoin {
		if _, err := glob.Compile(pat); err != nil {
			return fmt.Errorf("autoJoin pattern %q: %w", pat, err)
		}
	}
	return nil
}

// AutoJoinGlobs compiles cfg.AutoJoin once for repeated matching against
// discovered channel names.
func (cfg *Configuration) AutoJoinGlobs() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(cfg.AutoJoin))
	for _, pat := range cfg.AutoJoin {
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// DiscoveryAddress is the "host:port" Announcer rendezvous point.
func (d DiscoveryConfiguration) DiscoveryAddress() string {
	return d.GroupAddress + ":" + strconv.Itoa(d.Port)
}

func setDefaults(data interface{}) {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		tag := t.Field(i).Tag

		v := tag.Get("default")
		if len(v) == 0 {
			continue
		}

		switch f.Interface().(type) {
		case string:
			f.SetString(v)
		case int:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				panic(err)
			}
			f.SetInt(n)
		case bool:
			f.SetBool(v == "true")
		default:
			panic(f.Type())
		}
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "instantsoup"
	}
	return name
}
