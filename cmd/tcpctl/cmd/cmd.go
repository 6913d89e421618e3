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
// Package cmd holds implementations of the tcpctl commands.
package cmd

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"
	"onyx.dev/netstack/pkg/config"
	"onyx.dev/netstack/pkg/log"
	"onyx.dev/netstack/pkg/tcpip"
	"onyx.dev/netstack/pkg/tcpip/link/channel"
	"onyx.dev/netstack/pkg/tcpip/network/ipv4"
	"onyx.dev/netstack/pkg/tcpip/stack"
	"onyx.dev/netstack/pkg/tcpip/transport/tcp"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// SetupLogging points the global logger at the configured file, or stderr,
// with the configured format and level.
func SetupLogging(conf config.Log) error {
	w := os.Stderr
	if conf.File != "" {
		f, err := log.OpenFile(conf.File)
		if err != nil {
			return err
		}
		w = f
	}
	log.SetTarget(log.NewLogrusEmitter(&log.Writer{Next: w}, conf.Format))
	log.SetLevel(conf.Level)
	return nil
}

// resetLimit converts the configured reset rate to a limiter setting. Zero
// disables limiting.
func resetLimit(conf config.TCP) (rate.Limit, int) {
	if conf.RSTRateLimit == 0 {
		return rate.Inf, 0
	}
	return rate.Limit(conf.RSTRateLimit), conf.RSTBurst
}

// netStack is a stack with a single NIC backed by a channel link.
type netStack struct {
	stack  *stack.Stack
	linkEP *channel.Endpoint
	local  tcpip.Address
	peer   tcpip.Address
}

// newNetStack builds a stack as described by conf, with clock driving its
// timers. A nil clock uses the wall clock.
func newNetStack(conf *config.Config, clock tcpip.Clock) (*netStack, error) {
	limit, burst := resetLimit(conf.TCP)
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocolFactory(conf.TCP)},
		Clock:              clock,
		ResetLimit:         limit,
		ResetBurst:         burst,
	})

	linkEP := channel.New(conf.Stack.QueueLength, conf.Stack.MTU, "")
	if conf.Stack.ChecksumOffload {
		linkEP.LinkEPCapabilities |= stack.CapabilityTXChecksumOffload
	}
	if err := s.CreateNIC(1, linkEP); err != nil {
		return nil, fmt.Errorf("creating NIC: %v", err)
	}
	local := tcpip.ParseAddress(conf.Stack.Address)
	if err := s.AddAddress(1, ipv4.ProtocolNumber, local); err != nil {
		return nil, fmt.Errorf("adding address %s: %v", local, err)
	}
	subnet, err := tcpip.NewSubnet("\x00\x00\x00\x00", "\x00\x00\x00\x00")
	if err != nil {
		return nil, fmt.Errorf("creating default subnet: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: 1}})

	return &netStack{
		stack:  s,
		linkEP: linkEP,
		local:  local,
		peer:   tcpip.ParseAddress(conf.Stack.Peer),
	}, nil
}
