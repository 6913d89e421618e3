// Copyright 2026 The Onyx Authors.
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

// Package config holds the configuration of a stack instance. Configuration
// is read from a TOML file, or YAML when the file name ends in .yaml or .yml.
//
// A minimal TOML file looks like:
//
//	[tcp]
//	initial_rto = "200ms"
//	max_retries = 5
//
//	[stack]
//	mtu = 1500
//	address = "10.0.0.1"
//	peer = "10.0.0.2"
//
//	[log]
//	level = "debug"
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/header"
)

// Duration is a time.Duration read from and written as a string such as
// "200ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TCP configures the transport protocol.
type TCP struct {
	// InitialRTO is the first retransmission timeout. Every retry doubles
	// it.
	InitialRTO Duration `toml:"initial_rto" yaml:"initial_rto"`

	// MaxRetries is the number of retransmissions before a segment is
	// given up on.
	MaxRetries int `toml:"max_retries" yaml:"max_retries"`

	// DefaultMSS is assumed when the peer does not advertise an MSS.
	DefaultMSS uint16 `toml:"default_mss" yaml:"default_mss"`

	// ReceiveWindow is the window advertised to peers.
	ReceiveWindow uint16 `toml:"receive_window" yaml:"receive_window"`

	// RSTRateLimit is the number of resets per second sent in reply to
	// segments for unknown connections. Zero disables the limit.
	RSTRateLimit float64 `toml:"rst_rate_limit" yaml:"rst_rate_limit"`

	// RSTBurst is the number of resets that may be sent back to back.
	RSTBurst int `toml:"rst_burst" yaml:"rst_burst"`
}

// Stack configures the stack and its single NIC.
type Stack struct {
	// MTU is the link MTU, excluding the link header.
	MTU uint32 `toml:"mtu" yaml:"mtu"`

	// ChecksumOffload advertises transmit checksum offload on the NIC.
	ChecksumOffload bool `toml:"checksum_offload" yaml:"checksum_offload"`

	// QueueLength is the number of outbound frames the link buffers.
	QueueLength int `toml:"queue_length" yaml:"queue_length"`

	// Address is the local IPv4 address.
	Address string `toml:"address" yaml:"address"`

	// Peer is the IPv4 address of the remote host, used by tcpctl.
	Peer string `toml:"peer" yaml:"peer"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level log.Level `toml:"level" yaml:"level"`

	// Format is log.FormatText or log.FormatJSON.
	Format string `toml:"format" yaml:"format"`

	// File is the log destination. Empty means stderr.
	File string `toml:"file" yaml:"file"`
}

// Config is the complete configuration.
type Config struct {
	TCP   TCP   `toml:"tcp" yaml:"tcp"`
	Stack Stack `toml:"stack" yaml:"stack"`
	Log   Log   `toml:"log" yaml:"log"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		TCP: TCP{
			InitialRTO:    Duration{200 * time.Millisecond},
			MaxRetries:    5,
			DefaultMSS:    header.TCPDefaultMSS,
			ReceiveWindow: header.TCPMaximumWindow,
			RSTRateLimit:  1000,
			RSTBurst:      100,
		},
		Stack: Stack{
			MTU:         1500,
			QueueLength: 256,
			Address:     "10.0.0.1",
			Peer:        "10.0.0.2",
		},
		Log: Log{
			Level:  log.Info,
			Format: log.FormatText,
		},
	}
}

// Load reads the configuration at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	format := "toml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data, in "toml" or "yaml" format, over the defaults and
// validates the result. Unknown keys are rejected.
func Parse(data []byte, format string) (*Config, error) {
	c := Default()
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("decoding toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown configuration key %q", undecoded[0].String())
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// minMTU leaves room for one byte of TCP payload after every header the
// stack adds.
const minMTU = header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize + 1

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.TCP.InitialRTO.Duration <= 0 {
		return fmt.Errorf("tcp.initial_rto must be positive, got %v", c.TCP.InitialRTO)
	}
	if c.TCP.MaxRetries < 0 {
		return fmt.Errorf("tcp.max_retries must not be negative, got %d", c.TCP.MaxRetries)
	}
	if c.TCP.DefaultMSS == 0 {
		return fmt.Errorf("tcp.default_mss must be positive")
	}
	if c.TCP.RSTRateLimit < 0 {
		return fmt.Errorf("tcp.rst_rate_limit must not be negative, got %v", c.TCP.RSTRateLimit)
	}
	if c.TCP.RSTRateLimit > 0 && c.TCP.RSTBurst < 1 {
		return fmt.Errorf("tcp.rst_burst must be at least 1 when resets are rate limited, got %d", c.TCP.RSTBurst)
	}
	if c.Stack.MTU < minMTU {
		return fmt.Errorf("stack.mtu must be at least %d, got %d", minMTU, c.Stack.MTU)
	}
	if c.Stack.QueueLength < 1 {
		return fmt.Errorf("stack.queue_length must be positive, got %d", c.Stack.QueueLength)
	}
	if tcpip.ParseAddress(c.Stack.Address) == "" {
		return fmt.Errorf("stack.address %q is not an IPv4 address", c.Stack.Address)
	}
	if c.Stack.Peer != "" && tcpip.ParseAddress(c.Stack.Peer) == "" {
		return fmt.Errorf("stack.peer %q is not an IPv4 address", c.Stack.Peer)
	}
	switch c.Log.Format {
	case log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", log.FormatText, log.FormatJSON, c.Log.Format)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// WriteTOML writes c to w as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
