// Copyright 2024 Alexandre Mahdhaoui
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

// Package idgen derives the short identifiers and MAC addresses used to
// namespace per-VM resources. Every function is a pure function of its seed,
// so re-running with the same VM definition yields the same names.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	// ShortHashLen is the number of hex characters returned by ShortHash.
	ShortHashLen = 8

	// macPrefix is a locally administered, unicast OUI.
	macPrefix = "02:00:00"
)

// nameSpace scopes NameUUID so VM UUIDs never collide with UUIDs derived
// by other tools from the same names.
var nameSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/alexandremahdhaoui/easy-qemu"))

// ShortHash returns the first 8 hex characters of the SHA-256 digest of seed.
func ShortHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:ShortHashLen]
}

// DeriveMAC returns a MAC address in the 02:00:00 range whose last three
// octets come from the SHA-256 digest of seed.
func DeriveMAC(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s:%02X:%02X:%02X", macPrefix, sum[0], sum[1], sum[2])
}

// NameUUID returns a deterministic RFC 4122 version 5 UUID for a VM name.
func NameUUID(name string) uuid.UUID {
	return uuid.NewSHA1(nameSpace, []byte(name))
}

// MACStream issues MAC addresses that are reproducible for a given key and
// pairwise distinct within one stream.
type MACStream struct {
	key    string
	seq    int
	issued map[string]struct{}
}

// NewMACStream returns a stream keyed by key, typically a VM id.
func NewMACStream(key string) *MACStream {
	return &MACStream{
		key:    key,
		issued: make(map[string]struct{}),
	}
}

// Reserve marks mac as issued so Next never returns it.
func (s *MACStream) Reserve(mac string) {
	s.issued[mac] = struct{}{}
}

// Next returns the next address of the stream.
func (s *MACStream) Next() string {
	for {
		mac := DeriveMAC(s.key + "/" + strconv.Itoa(s.seq))
		s.seq++
		if _, ok := s.issued[mac]; ok {
			continue
		}
		s.issued[mac] = struct{}{}
		return mac
	}
}
