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
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFormatForAlgorithm(t *testing.T) {

	require.Equal(t, KeyAlgoRSA, keyFormatForAlgorithm(KeyAlgoRSASHA256))
	require.Equal(t, KeyAlgoRSA, keyFormatForAlgorithm(KeyAlgoRSASHA512))
	require.Equal(t, KeyAlgoED25519, keyFormatForAlgorithm(KeyAlgoED25519))
	require.Equal(t, KeyAlgoECDSA256, keyFormatForAlgorithm(KeyAlgoECDSA256))
}

func TestAlgorithmsForKeyFormat(t *testing.T) {

	algos := algorithmsForKeyFormat(KeyAlgoRSA)
	require.Contains(t, algos, KeyAlgoRSASHA256)
	require.Contains(t, algos, KeyAlgoRSASHA512)

	require.Equal(t, []string{KeyAlgoED25519}, algorithmsForKeyFormat(KeyAlgoED25519))
}

func TestParsePublicKeyRoundTrip(t *testing.T) {

	for _, name := range []string{"ed25519", "ecdsa", "rsa"} {
		signer, err := testSigner(name)
		require.NoError(t, err)

		wire := signer.PublicKey().Marshal()
		parsed, err := ParsePublicKey(wire)
		require.NoError(t, err)
		require.Equal(t, signer.PublicKey().Type(), parsed.Type())
		require.Equal(t, wire, parsed.Marshal())
	}
}

func TestParsePublicKeyGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte{0, 1, 2, 3})
	require.Error(t, err)
}

func TestFingerprintSHA256Format(t *testing.T) {

	signer, err := testSigner("ed25519")
	require.NoError(t, err)

	fp := FingerprintSHA256(signer.PublicKey())
	require.True(t, strings.HasPrefix(fp, "SHA256:"), "fingerprint %q", fp)

	// Stable for the same key.
	require.Equal(t, fp, FingerprintSHA256(signer.PublicKey()))
}

func TestSignatureMarshalParse(t *testing.T) {

	signer, err := testSigner("ed25519")
	require.NoError(t, err)

	sig, err := algorithmSignerFromSigner(signer).SignWithAlgorithm(
		rand.Reader, []byte("data to sign"), KeyAlgoED25519)
	require.NoError(t, err)

	wire := marshalSignature(sig)
	parsed, rest, ok := parseSignatureBody(wire)
	require.True(t, ok)
	require.Empty(t, rest)
	require.Equal(t, sig.Format, parsed.Format)
	require.Equal(t, sig.Blob, parsed.Blob)
}

func TestVerifyHostKeySignature(t *testing.T) {

	signer, err := testSigner("ed25519")
	require.NoError(t, err)

	H := make([]byte, 32)
	rand.Read(H)

	sig, err := signAndMarshal(
		algorithmSignerFromSigner(signer), rand.Reader, H, KeyAlgoED25519)
	require.NoError(t, err)

	result := &kexResult{
		H:         H,
		HostKey:   signer.PublicKey().Marshal(),
		Signature: sig,
	}

	require.NoError(t, verifyHostKeySignature(signer.PublicKey(), KeyAlgoED25519, result))

	// A signature over different data must not verify.
	result.H = make([]byte, 32)
	require.Error(t, verifyHostKeySignature(signer.PublicKey(), KeyAlgoED25519, result))
}

func TestPickHostKey(t *testing.T) {

	ed, err := testSigner("ed25519")
	require.NoError(t, err)
	rsaSigner, err := testSigner("rsa")
	require.NoError(t, err)

	hostKeys := []Signer{ed, rsaSigner}

	picked := pickHostKey(hostKeys, KeyAlgoED25519)
	require.NotNil(t, picked)
	require.Equal(t, KeyAlgoED25519, picked.PublicKey().Type())

	// rsa-sha2-512 is served by the ssh-rsa key.
	picked = pickHostKey(hostKeys, KeyAlgoRSASHA512)
	require.NotNil(t, picked)
	require.Equal(t, KeyAlgoRSA, picked.PublicKey().Type())

	require.Nil(t, pickHostKey(hostKeys, KeyAlgoECDSA521))
}
