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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {

	msgs := []interface{}{
		&disconnectMsg{
			Reason:  2,
			Message: "protocol error",
		},
		&kexInitMsg{
			Cookie:                  [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			KexAlgos:                []string{"curve25519-sha256", "diffie-hellman-group14-sha256"},
			ServerHostKeyAlgos:      []string{"ssh-ed25519"},
			CiphersClientServer:     []string{"aes128-ctr", "aes256-gcm@openssh.com"},
			CiphersServerClient:     []string{"aes128-ctr"},
			MACsClientServer:        []string{"hmac-sha2-256"},
			MACsServerClient:        []string{"hmac-sha2-256"},
			CompressionClientServer: []string{"none"},
			CompressionServerClient: []string{"none"},
			FirstKexFollows:         true,
		},
		&userAuthRequestMsg{
			User:    "tester",
			Service: "ssh-connection",
			Method:  "password",
			Payload: []byte{0, 0, 0, 0, 4, 't', 'e', 's', 't'},
		},
		&userAuthFailureMsg{
			Methods:        []string{"password", "publickey"},
			PartialSuccess: true,
		},
		&channelOpenMsg{
			ChanType:         "session",
			PeersID:          1,
			PeersWindow:      65536,
			MaxPacketSize:    32768,
			TypeSpecificData: []byte{7, 7, 7},
		},
		&channelDataMsg{
			PeersID: 3,
			Length:  5,
			Rest:    []byte("hello"),
		},
		&extInfoMsg{
			NumExtensions: 1,
			Payload:       []byte{0, 0, 0, 1, 'x', 0, 0, 0, 1, 'y'},
		},
	}

	for _, msg := range msgs {
		packet := Marshal(msg)

		decoded, err := decode(packet)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestUnmarshalTruncated(t *testing.T) {

	packet := Marshal(&kexInitMsg{
		KexAlgos: []string{"curve25519-sha256"},
	})

	for i := 1; i < len(packet); i++ {
		var msg kexInitMsg
		if err := Unmarshal(packet[:i], &msg); err == nil {
			t.Errorf("truncation at %d bytes did not fail", i)
		}
	}
}

func TestUnmarshalWrongType(t *testing.T) {
	var msg serviceRequestMsg
	err := Unmarshal([]byte{msgServiceAccept, 0, 0, 0, 0}, &msg)
	if err == nil {
		t.Errorf("expected type mismatch error")
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	_, err := decode([]byte{250})
	if err == nil {
		t.Errorf("expected error for unknown message number")
	}
}

func TestMarshalString(t *testing.T) {
	s := []byte("payload")
	out := make([]byte, stringLength(len(s)))
	marshalString(out, s)
	want := append([]byte{0, 0, 0, 7}, s...)
	if !bytes.Equal(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestParseNameListEmpty(t *testing.T) {
	// An empty wire name-list decodes to a nil slice, so an unset list
	// survives a marshal/decode round trip unchanged.
	out, rest, ok := parseNameList([]byte{0, 0, 0, 0})
	require.True(t, ok)
	require.Nil(t, out)
	require.Empty(t, rest)
}

func TestUserAuthPubKeyOkRoundTrip(t *testing.T) {

	// Message number 60 is context dependent and bypasses decode.
	sent := userAuthPubKeyOkMsg{
		Algo:   "ssh-ed25519",
		PubKey: []byte{1, 2, 3},
	}
	var got userAuthPubKeyOkMsg
	require.NoError(t, Unmarshal(Marshal(&sent), &got))
	require.Equal(t, sent, got)

	info := userAuthInfoRequestMsg{
		Name:       "challenge",
		NumPrompts: 1,
		Prompts:    []byte{0, 0, 0, 2, 'o', 'k', 1},
	}
	var gotInfo userAuthInfoRequestMsg
	require.NoError(t, Unmarshal(Marshal(&info), &gotInfo))
	require.Equal(t, info, gotInfo)
}
