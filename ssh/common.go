/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package ssh

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	std_errors "errors"

	"github.com/Psiphon-Labs/sshtransport/common"
)

// These are string constants in the SSH protocol.
const (
	compressionNone = "none"
	serviceUserAuth = "ssh-userauth"
	serviceSSH      = "ssh-connection"
)

// Cipher names. AEAD constructions carry their own integrity tag; the
// CTR ciphers pair with a detached MAC.
const (
	gcm128CipherID = "aes128-gcm@openssh.com"
	gcm256CipherID = "aes256-gcm@openssh.com"
)

// supportedCiphers lists the available ciphers, in order of most preferred
// to least preferred.
var supportedCiphers = []string{
	"aes128-ctr", "aes192-ctr", "aes256-ctr",
	gcm128CipherID, gcm256CipherID,
}

// preferredCiphers is the default cipher preference order.
var preferredCiphers = []string{
	gcm256CipherID, gcm128CipherID,
	"aes128-ctr", "aes192-ctr", "aes256-ctr",
}

// Key exchange algorithm names.
const (
	kexAlgoDH14SHA1               = "diffie-hellman-group14-sha1"
	kexAlgoDH14SHA256             = "diffie-hellman-group14-sha256"
	kexAlgoDH16SHA512             = "diffie-hellman-group16-sha512"
	kexAlgoECDH256                = "ecdh-sha2-nistp256"
	kexAlgoECDH384                = "ecdh-sha2-nistp384"
	kexAlgoECDH521                = "ecdh-sha2-nistp521"
	kexAlgoCurve25519SHA256       = "curve25519-sha256"
	kexAlgoCurve25519SHA256LibSSH = "curve25519-sha256@libssh.org"
)

// supportedKexAlgos lists the available kex algorithms.
var supportedKexAlgos = []string{
	kexAlgoCurve25519SHA256, kexAlgoCurve25519SHA256LibSSH,
	kexAlgoECDH256, kexAlgoECDH384, kexAlgoECDH521,
	kexAlgoDH14SHA256, kexAlgoDH16SHA512, kexAlgoDH14SHA1,
}

// preferredKexAlgos is the default preference order.
var preferredKexAlgos = []string{
	kexAlgoCurve25519SHA256, kexAlgoCurve25519SHA256LibSSH,
	kexAlgoECDH256, kexAlgoECDH384, kexAlgoECDH521,
	kexAlgoDH14SHA256, kexAlgoDH16SHA512,
}

// supportedMACs lists the available message authentication code algorithms,
// in preference order. The -etm variants MAC over the ciphertext
// (encrypt-then-MAC); the others MAC over the plaintext.
var supportedMACs = []string{
	"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com",
	"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1",
}

var supportedCompressions = []string{compressionNone}

// AlgorithmError results when client and server have no algorithm in common
// for a required negotiation category. It is fatal at connection start.
type AlgorithmError struct {
	What          string
	ClientOffered []string
	ServerOffered []string
}

func (a *AlgorithmError) Error() string {
	return fmt.Sprintf(
		"ssh: no common algorithm for %s; client offered: %v, server offered: %v",
		a.What, a.ClientOffered, a.ServerOffered)
}

// ErrIntegrity is returned when MAC or AEAD verification of a received
// packet fails. It is fatal: the cipher streams cannot be resynchronized,
// so the connection is closed.
var ErrIntegrity = std_errors.New("ssh: message authentication failure")

// ErrMalformedPacket is returned when packet framing is inconsistent:
// declared lengths exceeding the configured maximum, or padding violating
// the cipher's alignment rules. Malformed input may be adversarial, so the
// connection is closed without retry.
var ErrMalformedPacket = std_errors.New("ssh: malformed packet")

// ErrConnectionClosed is returned for operations attempted after the
// connection has been torn down.
var ErrConnectionClosed = std_errors.New("ssh: connection closed")

// ErrTooManyAuthFailures is returned, wrapped in a ServerAuthError, when a
// client exceeds the configured authentication attempt limit. The error
// carries no credential material.
var ErrTooManyAuthFailures = std_errors.New("ssh: too many authentication failures")

// findCommon walks the client's preference-ordered list and selects the
// first entry also present in the server's list. Negotiation is
// deterministic and order sensitive: the client's order wins.
func findCommon(what string, client []string, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", &AlgorithmError{
		What:          what,
		ClientOffered: client,
		ServerOffered: server,
	}
}

// directionAlgorithms records cipher and MAC algorithm names for one
// direction (client to server or server to client).
type directionAlgorithms struct {
	Cipher      string
	MAC         string
	compression string
}

// rekeyBytes returns a rekeying intervals in bytes.
func (a *directionAlgorithms) rekeyBytes() int64 {
	// According to RFC 4344 block ciphers should rekey after
	// 2^(BLOCKSIZE/4) blocks. For all AES flavors BLOCKSIZE is
	// 128.
	switch a.Cipher {
	case "aes128-ctr", "aes192-ctr", "aes256-ctr", gcm128CipherID, gcm256CipherID:
		return 16 * (1 << 32)
	}

	// For others, stick with RFC 4253 recommendation to rekey after 1 Gb of
	// data.
	return 1 << 30
}

var aeadCiphers = map[string]bool{
	gcm128CipherID: true,
	gcm256CipherID: true,
}

// algorithms holds one kex round's negotiated algorithm selections.
// Immutable once selected; a new kex round produces a new instance.
type algorithms struct {
	kex     string
	hostKey string
	w       directionAlgorithms
	r       directionAlgorithms
}

// findAgreedAlgorithms implements the RFC 4253 section 7.1 negotiation
// rule for every category. Any category with an empty intersection is a
// fatal AlgorithmError.
func findAgreedAlgorithms(isClient bool, clientKexInit, serverKexInit *kexInitMsg) (*algorithms, error) {
	result := &algorithms{}

	var err error

	result.kex, err = findCommon("key exchange", clientKexInit.KexAlgos, serverKexInit.KexAlgos)
	if err != nil {
		return nil, err
	}

	result.hostKey, err = findCommon("host key", clientKexInit.ServerHostKeyAlgos, serverKexInit.ServerHostKeyAlgos)
	if err != nil {
		return nil, err
	}

	stoc, ctos := &result.w, &result.r
	if isClient {
		ctos, stoc = stoc, ctos
	}

	ctos.Cipher, err = findCommon("client to server cipher", clientKexInit.CiphersClientServer, serverKexInit.CiphersClientServer)
	if err != nil {
		return nil, err
	}

	stoc.Cipher, err = findCommon("server to client cipher", clientKexInit.CiphersServerClient, serverKexInit.CiphersServerClient)
	if err != nil {
		return nil, err
	}

	if !aeadCiphers[ctos.Cipher] {
		ctos.MAC, err = findCommon("client to server MAC", clientKexInit.MACsClientServer, serverKexInit.MACsClientServer)
		if err != nil {
			return nil, err
		}
	}

	if !aeadCiphers[stoc.Cipher] {
		stoc.MAC, err = findCommon("server to client MAC", clientKexInit.MACsServerClient, serverKexInit.MACsServerClient)
		if err != nil {
			return nil, err
		}
	}

	ctos.compression, err = findCommon("client to server compression", clientKexInit.CompressionClientServer, serverKexInit.CompressionClientServer)
	if err != nil {
		return nil, err
	}

	stoc.compression, err = findCommon("server to client compression", clientKexInit.CompressionServerClient, serverKexInit.CompressionServerClient)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Default and ceiling values for Config fields.
const (
	// defaultMaxPacketSize bounds the declared length of a received
	// packet. RFC 4253 section 6.1 requires accepting at least 32768.
	defaultMaxPacketSize = 256 * 1024

	minMaxPacketSize = 32768

	// defaultRekeyInterval bounds the time any one key set stays in use.
	defaultRekeyInterval = 1 * time.Hour

	// maxRekeyInterval stands in for a disabled time trigger: the kex
	// loop timer needs some duration, so use one that never fires within
	// a connection's lifetime.
	maxRekeyInterval = math.MaxInt64 * time.Nanosecond

	minRekeyThreshold = 16 * 1024
)

// Config contains configuration shared by the client and server roles.
type Config struct {
	// Rand provides the source of entropy for cryptographic operations:
	// ephemeral kex keys and cookies. If Rand is nil, crypto/rand.Reader
	// is used. Packet padding is drawn from the prng package and does not
	// consume this source.
	Rand io.Reader

	// RekeyThreshold is the maximum number of bytes sent or received
	// before a new key exchange is initiated. If zero, a cipher-specific
	// default is used. The smallest allowed value is 16KiB.
	RekeyThreshold uint64

	// RekeyInterval is the maximum duration keys stay in use before a new
	// key exchange is initiated. If zero, defaultRekeyInterval is used. A
	// negative value disables time-based rekeying.
	RekeyInterval time.Duration

	// MaxPacketSize is the maximum accepted length of a received packet.
	// If zero, defaultMaxPacketSize is used. Values below 32768 are
	// raised to 32768.
	MaxPacketSize uint32

	// KeyExchanges, Ciphers and MACs are the preference-ordered algorithm
	// lists offered in negotiation. Nil selects the default preference
	// lists.
	KeyExchanges []string
	Ciphers      []string
	MACs         []string

	// Logger receives structured log events: kex completion, rekeys, and
	// authentication outcomes. Key material is never logged. If nil,
	// logging is disabled.
	Logger common.Logger
}

// SetDefaults sets sensible values for unset fields in config. This is
// exported for testing: Conns created through the exported functions call
// it before use.
func (c *Config) SetDefaults() {
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Ciphers == nil {
		c.Ciphers = preferredCiphers
	}
	var ciphers []string
	for _, c := range c.Ciphers {
		if cipherModes[c] != nil {
			// Ignore the cipher if we have no cipherModes definition.
			ciphers = append(ciphers, c)
		}
	}
	c.Ciphers = ciphers

	if c.KeyExchanges == nil {
		c.KeyExchanges = preferredKexAlgos
	}

	if c.MACs == nil {
		c.MACs = supportedMACs
	}
	var macs []string
	for _, m := range c.MACs {
		if macModes[m] != nil {
			macs = append(macs, m)
		}
	}
	c.MACs = macs

	if c.RekeyThreshold == 0 {
		// cipher specific default
	} else if c.RekeyThreshold < minRekeyThreshold {
		c.RekeyThreshold = minRekeyThreshold
	} else if c.RekeyThreshold >= (1 << 31) {
		// Avoid weirdness if somebody configures a very large value.
		c.RekeyThreshold = (1 << 31) - 1024
	}

	if c.RekeyInterval == 0 {
		c.RekeyInterval = defaultRekeyInterval
	} else if c.RekeyInterval < 0 {
		// Disabled: a negative duration would make the rekey timer fire
		// immediately, and again on every reset.
		c.RekeyInterval = maxRekeyInterval
	}

	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = defaultMaxPacketSize
	} else if c.MaxPacketSize < minMaxPacketSize {
		c.MaxPacketSize = minMaxPacketSize
	}

	if c.Logger == nil {
		c.Logger = discardLogger{}
	}
}

// discardLogger implements common.Logger dropping all events, avoiding nil
// checks at logging sites.
type discardLogger struct{}

func (discardLogger) WithTrace() common.LogTrace                      { return discardLogTrace{} }
func (discardLogger) WithTraceFields(common.LogFields) common.LogTrace { return discardLogTrace{} }
func (discardLogger) LogMetric(string, common.LogFields)              {}

type discardLogTrace struct{}

func (discardLogTrace) Debug(args ...interface{})   {}
func (discardLogTrace) Info(args ...interface{})    {}
func (discardLogTrace) Warning(args ...interface{}) {}
func (discardLogTrace) Error(args ...interface{})   {}

// HostKeyCallback is the function type used to verify the server's host
// key during the client role's key exchange. A nil return accepts the key;
// a non-nil return aborts the handshake with that error.
type HostKeyCallback func(hostname string, remote net.Addr, key PublicKey) error

// BannerCallback is the function type used by the client role to handle
// the optional banner the server may send during authentication.
type BannerCallback func(message string) error

// ClientConfig carries the client role configuration.
type ClientConfig struct {
	Config

	// User is the username to authenticate.
	User string

	// Auth is the ordered list of authentication methods to offer. The
	// client tries them in order, constrained by the server's permitted
	// continuation list.
	Auth []AuthMethod

	// HostKeyCallback is called during the key exchange to validate the
	// server's host key. It must be set; use FixedHostKey or
	// InsecureIgnoreHostKey to construct common policies.
	HostKeyCallback HostKeyCallback

	// BannerCallback, if set, handles a server banner sent during
	// authentication.
	BannerCallback BannerCallback

	// HostKeyAlgorithms, if set, restricts the host key types offered to
	// the server, in preference order.
	HostKeyAlgorithms []string

	// ClientVersion overrides the protocol version identification string.
	// It must start with "SSH-2.0-".
	ClientVersion string

	// Timeout is the maximum amount of time for the TCP connection to
	// establish. A Timeout of zero means no timeout.
	Timeout time.Duration

	// IdleTimeout, when set, closes connections made by Dial if no data
	// is read for the given duration. The deadline is extended on each
	// read, and on each write when ActiveOnWrite is set.
	IdleTimeout time.Duration

	// ActiveOnWrite extends the IdleTimeout deadline on writes as well as
	// reads. Writes may succeed locally due to buffering, so this is off
	// by default.
	ActiveOnWrite bool
}

// packageVersion is the default protocol version identification string.
const packageVersion = "SSH-2.0-Go"

// InsecureIgnoreHostKey returns a HostKeyCallback that accepts any host
// key. It should not be used outside tests.
func InsecureIgnoreHostKey() HostKeyCallback {
	return func(hostname string, remote net.Addr, key PublicKey) error {
		return nil
	}
}

// FixedHostKey returns a HostKeyCallback that accepts only the given key.
func FixedHostKey(key PublicKey) HostKeyCallback {
	want := key.Marshal()
	return func(hostname string, remote net.Addr, key PublicKey) error {
		if !bytes.Equal(key.Marshal(), want) {
			return std_errors.New("ssh: host key mismatch")
		}
		return nil
	}
}
