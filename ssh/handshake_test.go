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
	std_errors "errors"
	"testing"

	"github.com/Psiphon-Labs/sshtransport/common/errors"
)

func handshakePair(clientConf *ClientConfig, addr string) (client, server *handshakeTransport, err error) {

	a, b, err := netPipe()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	signer, err := testSigner("ed25519")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	trC := newTransport(a, defaultMaxPacketSize, true)
	trS := newTransport(b, defaultMaxPacketSize, false)

	clientConf.SetDefaults()
	if clientConf.HostKeyCallback == nil {
		clientConf.HostKeyCallback = InsecureIgnoreHostKey()
	}

	v := []byte("SSH-2.0-test")
	client = newClientTransport(trC, v, v, clientConf, addr, a.RemoteAddr())

	serverConf := &ServerConfig{}
	serverConf.AddHostKey(signer)
	serverConf.SetDefaults()
	server = newServerTransport(trS, v, v, serverConf)

	if err := server.waitSession(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := client.waitSession(); err != nil {
		return nil, nil, errors.Trace(err)
	}

	return client, server, nil
}

func TestHandshakeBasic(t *testing.T) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	if !bytes.Equal(client.getSessionID(), server.getSessionID()) {
		t.Fatal("session ID mismatch")
	}

	want := []byte{msgRequestSuccess, 42}
	if err := client.writePacket(want); err != nil {
		t.Fatalf("writePacket: %v", err)
	}
	got, err := server.readPacket()
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestHandshakeOrderDuringRekey checks that packets submitted while a key
// exchange is in flight are delivered in order once it completes.
func TestHandshakeOrderDuringRekey(t *testing.T) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	const numPackets = 64

	errC := make(chan error, 1)
	go func() {
		for i := 0; i < numPackets; i++ {
			p := []byte{msgRequestSuccess, byte(i)}
			if err := client.writePacket(p); err != nil {
				errC <- errors.Trace(err)
				return
			}
			if i%8 == 0 {
				client.requestKeyExchange()
			}
		}
		errC <- nil
	}()

	for i := 0; i < numPackets; i++ {
		p, err := server.readPacket()
		if err != nil {
			t.Fatalf("readPacket %d: %v", i, err)
		}
		if p[0] != msgRequestSuccess || p[1] != byte(i) {
			t.Fatalf("got packet %v at position %d", p, i)
		}
	}

	if err := <-errC; err != nil {
		t.Fatalf("writer: %v", err)
	}

	// The session ID is pinned to the first exchange and must survive
	// rekeying.
	if !bytes.Equal(client.getSessionID(), server.getSessionID()) {
		t.Fatal("session ID changed across rekey")
	}
}

func TestHandshakeAutoRekeyOnWriteThreshold(t *testing.T) {

	clientConf := &ClientConfig{}
	clientConf.RekeyThreshold = minRekeyThreshold

	client, server, err := handshakePair(clientConf, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	payload := make([]byte, 1024)
	payload[0] = msgRequestSuccess

	// Push enough traffic through to cross the byte threshold several
	// times; the handshake layer must rekey transparently.
	for i := 0; i < 4*int(minRekeyThreshold)/len(payload); i++ {
		if err := client.writePacket(payload); err != nil {
			t.Fatalf("writePacket %d: %v", i, err)
		}
		p, err := server.readPacket()
		if err != nil {
			t.Fatalf("readPacket %d: %v", i, err)
		}
		if !bytes.Equal(p, payload) {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
}

func TestHandshakeCloseUnblocksRead(t *testing.T) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer server.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := server.readPacket()
		readErr <- err
	}()

	client.Close()

	if err := <-readErr; err == nil {
		t.Fatal("readPacket succeeded after peer close")
	}
}

func TestHandshakeWriteAfterClose(t *testing.T) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer server.Close()

	client.Close()

	err = client.writePacket([]byte{msgRequestSuccess})
	if !std_errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

func TestHandshakeNoCommonAlgorithm(t *testing.T) {

	a, b, err := netPipe()
	if err != nil {
		t.Fatalf("netPipe: %v", err)
	}
	defer a.Close()
	defer b.Close()

	signer, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner: %v", err)
	}

	clientConf := &ClientConfig{
		HostKeyCallback: InsecureIgnoreHostKey(),
	}
	clientConf.Ciphers = []string{"aes128-ctr"}
	clientConf.SetDefaults()

	serverConf := &ServerConfig{}
	serverConf.Ciphers = []string{"aes256-ctr"}
	serverConf.AddHostKey(signer)
	serverConf.SetDefaults()

	v := []byte("SSH-2.0-test")
	client := newClientTransport(
		newTransport(a, defaultMaxPacketSize, true), v, v, clientConf, "addr", a.RemoteAddr())
	server := newServerTransport(
		newTransport(b, defaultMaxPacketSize, false), v, v, serverConf)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.waitSession()
	}()

	clientErr := client.waitSession()
	if clientErr == nil {
		t.Error("client negotiated with empty cipher intersection")
	}
	if err := <-serverErr; err == nil {
		t.Error("server negotiated with empty cipher intersection")
	}
}

func TestHandshakeStrictKexEnabled(t *testing.T) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		t.Fatalf("handshakePair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	for i, hs := range []*handshakeTransport{client, server} {
		tr, ok := hs.conn.(*transport)
		if !ok {
			t.Fatalf("side %d: unexpected conn type %T", i, hs.conn)
		}
		if !tr.strictMode {
			t.Errorf("side %d: strict kex not negotiated", i)
		}
	}
}

func BenchmarkHandshakeRekey(b *testing.B) {

	client, server, err := handshakePair(&ClientConfig{}, "addr")
	if err != nil {
		b.Fatalf("handshakePair: %v", err)
	}
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := server.readPacket(); err != nil {
				return
			}
		}
	}()

	packet := []byte{msgRequestSuccess}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		client.requestKeyExchange()
		if err := client.writePacket(packet); err != nil {
			b.Fatalf("writePacket: %v", err)
		}
	}
	b.StopTimer()
	client.Close()
	<-done
}
