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
// Binary tcpctl drives the TCP engine over an in-memory link: it runs
// scripted handshakes, decodes captured frames and prints the effective
// configuration.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"onyx.dev/netstack/cmd/tcpctl/cmd"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML or YAML configuration file.")
	logLevel   = flag.String("log-level", "", "overrides the configured log level: warning, info or debug.")
	logFormat  = flag.String("log-format", "", "overrides the configured log format: text or json.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Handshake), "")
	subcommands.Register(new(cmd.Decode), "")
	subcommands.Register(new(cmd.Config), "")

	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			cmd.Fatalf("loading configuration: %v", err)
		}
		conf = c
	}
	if *logLevel != "" {
		if err := conf.Log.Level.UnmarshalText([]byte(*logLevel)); err != nil {
			cmd.Fatalf("invalid -log-level: %v", err)
		}
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("invalid configuration: %v", err)
	}
	if err := cmd.SetupLogging(conf.Log); err != nil {
		cmd.Fatalf("setting up logging: %v", err)
	}
	log.Debugf("Configuration: %+v", conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
