/*
 * Copyright 2024 The galley Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package galley

import (
	"net"
	"os"
	"time"
)

// sharedRootEnvVar is the Go-native analogue of the Java system property
// galley.nfs.basedir named in spec §6.
const sharedRootEnvVar = "GALLEY_NFS_BASEDIR"

// DefaultResourceTimeout is the 600s default timeout spec §4.2 mandates
// for all public operations.
const DefaultResourceTimeout = 600 * time.Second

// Config is the provider's configuration surface (spec §6): a single
// required string (the shared-store mount root), an optional local-tier
// root, and tuning knobs the spec fixes as constants but which a real
// deployment still wants to be able to override for tests.
type Config struct {
	// SharedRoot is the shared-store mount absolute path. If empty, it
	// is sourced from GALLEY_NFS_BASEDIR; blank in both is
	// IllegalArgument.
	SharedRoot string

	// LocalRoot is where the local tier and the file-lock facade's OS
	// lock files live.
	LocalRoot string

	// NodeIP overrides automatic site-local IPv4 discovery (useful in
	// containers where the "first" interface isn't the routable one).
	NodeIP string

	// ResourceTimeout overrides DefaultResourceTimeout.
	ResourceTimeout time.Duration
}

// Resolve fills in defaults and environment-sourced fields (shared root
// from GALLEY_NFS_BASEDIR, node IP from site-local IPv4 discovery) and
// validates the result. NewProvider calls this itself, but callers that
// need the resolved NodeIP before constructing their ownership.Map (e.g.
// to pass it to a production Map implementation's constructor) can call
// it directly first; Resolve is idempotent.
func (c *Config) Resolve() error { return c.resolve() }

func (c *Config) resolve() error {
	if c.SharedRoot == "" {
		c.SharedRoot = os.Getenv(sharedRootEnvVar)
	}
	if c.SharedRoot == "" {
		return wrapf(KindIllegalArgument, "config", "", "shared-store root not set (pass Config.SharedRoot or set %s)", sharedRootEnvVar)
	}
	if c.ResourceTimeout <= 0 {
		c.ResourceTimeout = DefaultResourceTimeout
	}
	if c.NodeIP == "" {
		ip, err := siteLocalIPv4()
		if err != nil {
			return newErr(KindIllegalState, "config", "", err)
		}
		c.NodeIP = ip
	}
	return nil
}

// siteLocalIPv4 returns the first site-local IPv4 address of any network
// interface, per spec §6's "Current-node identity".
func siteLocalIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", wrapf(KindIllegalState, "siteLocalIPv4", "", "enumerate interfaces: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || !ip4.IsPrivate() {
			continue
		}
		return ip4.String(), nil
	}
	return "", wrapf(KindIllegalState, "siteLocalIPv4", "", "IP not found")
}
