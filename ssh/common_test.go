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
	std_errors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFindCommonClientPreference(t *testing.T) {

	// The client's preference order wins, not the server's.
	got, err := findCommon("test", []string{"A", "B", "C"}, []string{"C", "B"})
	require.NoError(t, err)
	require.Equal(t, "B", got)

	got, err = findCommon("test", []string{"C", "B", "A"}, []string{"B", "C"})
	require.NoError(t, err)
	require.Equal(t, "C", got)
}

func TestFindCommonEmptyIntersection(t *testing.T) {

	_, err := findCommon("cipher", []string{"A"}, []string{"B"})
	require.Error(t, err)

	var algErr *AlgorithmError
	require.True(t, std_errors.As(err, &algErr))
	require.Equal(t, "cipher", algErr.What)
	require.Equal(t, []string{"A"}, algErr.ClientOffered)
	require.Equal(t, []string{"B"}, algErr.ServerOffered)
}

func testKexInitMsg() *kexInitMsg {
	return &kexInitMsg{
		KexAlgos:                []string{kexAlgoCurve25519SHA256, kexAlgoDH14SHA256},
		ServerHostKeyAlgos:      []string{KeyAlgoED25519},
		CiphersClientServer:     []string{"aes128-ctr", gcm256CipherID},
		CiphersServerClient:     []string{gcm256CipherID, "aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
}

func TestFindAgreedAlgorithms(t *testing.T) {

	client := testKexInitMsg()
	server := testKexInitMsg()
	server.CiphersClientServer = []string{"aes128-ctr"}

	for _, isClient := range []bool{true, false} {
		algs, err := findAgreedAlgorithms(isClient, client, server)
		require.NoError(t, err)

		require.Equal(t, kexAlgoCurve25519SHA256, algs.kex)
		require.Equal(t, KeyAlgoED25519, algs.hostKey)

		// The write direction is client-to-server on the client and
		// server-to-client on the server.
		ctos, stoc := algs.w, algs.r
		if !isClient {
			ctos, stoc = stoc, ctos
		}

		// Non-AEAD direction negotiated a MAC; AEAD direction did not.
		require.Equal(t, "aes128-ctr", ctos.Cipher)
		require.Equal(t, "hmac-sha2-256", ctos.MAC)
		require.Equal(t, gcm256CipherID, stoc.Cipher)
		require.Equal(t, "", stoc.MAC)
	}
}

func TestFindAgreedAlgorithmsNoKexOverlap(t *testing.T) {

	client := testKexInitMsg()
	server := testKexInitMsg()
	server.KexAlgos = []string{kexAlgoECDH521}

	_, err := findAgreedAlgorithms(true, client, server)
	var algErr *AlgorithmError
	require.True(t, std_errors.As(err, &algErr))
	require.Equal(t, "key exchange", algErr.What)
}

func TestConfigSetDefaults(t *testing.T) {

	var c Config
	c.SetDefaults()

	require.Equal(t, preferredCiphers, c.Ciphers)
	require.Equal(t, preferredKexAlgos, c.KeyExchanges)
	require.Equal(t, supportedMACs, c.MACs)
	require.NotNil(t, c.Logger)
	require.NotZero(t, c.RekeyInterval)
	require.GreaterOrEqual(t, int(c.MaxPacketSize), minMaxPacketSize)

	// Unsupported algorithm names are dropped rather than negotiated.
	c = Config{Ciphers: []string{"aes128-ctr", "no-such-cipher"}}
	c.SetDefaults()
	require.Equal(t, []string{"aes128-ctr"}, c.Ciphers)

	// A negative interval disables time-based rekeying; it must not
	// become a duration the kex loop timer would ever fire on.
	c = Config{RekeyInterval: -1}
	c.SetDefaults()
	require.Equal(t, time.Duration(maxRekeyInterval), c.RekeyInterval)
}

func TestRekeyBytesPerCipher(t *testing.T) {

	aes := directionAlgorithms{Cipher: "aes256-ctr"}
	require.Equal(t, int64(16*(1<<32)), aes.rekeyBytes())

	gcm := directionAlgorithms{Cipher: gcm128CipherID}
	require.Equal(t, int64(16*(1<<32)), gcm.rekeyBytes())
}
