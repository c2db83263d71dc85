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
	"context"
	std_errors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/sshtransport/common"
	"github.com/Psiphon-Labs/sshtransport/common/errors"
	"github.com/Psiphon-Labs/sshtransport/logging"
	"golang.org/x/sync/errgroup"
)

const (
	testUser     = "testuser"
	testPassword = "testpassword"
)

func testPasswordCallback(c ConnMetadata, password []byte) (*Permissions, error) {
	if c.User() == testUser && string(password) == testPassword {
		return nil, nil
	}
	return nil, errors.TraceNew("authentication failed")
}

// runClientServer drives a full handshake and authentication exchange over
// a loopback connection and then hands both sides to check functions.
func runClientServer(
	clientConfig *ClientConfig,
	serverConfig *ServerConfig,
	checkClient func(Conn, <-chan NewChannel, <-chan *Request) error,
	checkServer func(*ServerConn, <-chan NewChannel, <-chan *Request) error) error {

	hostSigner, err := testSigner("ed25519")
	if err != nil {
		return errors.Trace(err)
	}

	if len(serverConfig.hostKeys) == 0 {
		serverConfig.AddHostKey(hostSigner)
	}
	if clientConfig.HostKeyCallback == nil {
		clientConfig.HostKeyCallback = FixedHostKey(hostSigner.PublicKey())
	}
	if clientConfig.User == "" {
		clientConfig.User = testUser
	}

	clientConn, serverConn, err := netPipe()
	if err != nil {
		return errors.Trace(err)
	}

	testGroup, _ := errgroup.WithContext(context.Background())

	testGroup.Go(func() error {
		defer clientConn.Close()
		conn, chans, reqs, err := NewClientConn(clientConn, "", clientConfig)
		if checkClient != nil {
			return checkClient(conn, chans, reqs)
		}
		if err != nil {
			return errors.Trace(err)
		}
		conn.Close()
		return nil
	})

	testGroup.Go(func() error {
		defer serverConn.Close()
		conn, chans, reqs, err := NewServerConn(serverConn, serverConfig)
		if checkServer != nil {
			return checkServer(conn, chans, reqs)
		}
		if err != nil {
			return errors.Trace(err)
		}
		conn.Close()
		return nil
	})

	return testGroup.Wait()
}

func TestPasswordAuth(t *testing.T) {

	serverConfig := &ServerConfig{
		PasswordCallback: testPasswordCallback,
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{Password(testPassword)},
	}

	err := runClientServer(
		clientConfig,
		serverConfig,
		nil,
		func(conn *ServerConn, chans <-chan NewChannel, reqs <-chan *Request) error {
			if conn == nil {
				return errors.TraceNew("authentication failed")
			}
			if conn.User() != testUser {
				return errors.Tracef("unexpected user %q", conn.User())
			}
			conn.Close()
			return nil
		})
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

func TestPasswordAuthWrongPassword(t *testing.T) {

	serverConfig := &ServerConfig{
		PasswordCallback: testPasswordCallback,
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{Password("wrong")},
	}

	err := runClientServer(
		clientConfig,
		serverConfig,
		func(conn Conn, chans <-chan NewChannel, reqs <-chan *Request) error {
			_ = conn
			return nil
		},
		func(conn *ServerConn, chans <-chan NewChannel, reqs <-chan *Request) error {
			return nil
		})
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

func TestAuthAttemptsExhausted(t *testing.T) {

	hostSigner, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}

	serverConfig := &ServerConfig{
		MaxAuthTries:     2,
		PasswordCallback: testPasswordCallback,
	}
	serverConfig.AddHostKey(hostSigner)

	// A client that never runs out of wrong passwords.
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{
			RetryableAuthMethod(
				PasswordCallback(func() (string, error) {
					return "wrong", nil
				}),
				10),
		},
		HostKeyCallback: FixedHostKey(hostSigner.PublicKey()),
	}

	clientConn, serverConn, err := netPipe()
	if err != nil {
		t.Fatalf("netPipe failed: %s", err)
	}
	defer clientConn.Close()
	defer serverConn.Close()

	clientErrC := make(chan error, 1)
	go func() {
		_, _, _, err := NewClientConn(clientConn, "", clientConfig)
		clientErrC <- err
	}()

	_, _, _, serverErr := NewServerConn(serverConn, serverConfig)
	if serverErr == nil {
		t.Fatal("server accepted connection after exhausted auth attempts")
	}

	var authErr *ServerAuthError
	if !std_errors.As(serverErr, &authErr) {
		t.Fatalf("got %T, want *ServerAuthError", serverErr)
	}
	if !std_errors.Is(serverErr, ErrTooManyAuthFailures) {
		t.Fatalf("got %v, want ErrTooManyAuthFailures", serverErr)
	}

	if clientErr := <-clientErrC; clientErr == nil {
		t.Fatal("client connected after exhausted auth attempts")
	}
}

func TestPublicKeyAuth(t *testing.T) {

	clientSigner, err := testSigner("ecdsa")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	authorizedKey := clientSigner.PublicKey().Marshal()

	serverConfig := &ServerConfig{
		PublicKeyCallback: func(c ConnMetadata, key PublicKey) (*Permissions, error) {
			if c.User() == testUser && bytes.Equal(key.Marshal(), authorizedKey) {
				return &Permissions{
					Extensions: map[string]string{
						"pubkey-fp": FingerprintSHA256(key),
					},
				}, nil
			}
			return nil, errors.TraceNew("unknown public key")
		},
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{PublicKeys(clientSigner)},
	}

	err = runClientServer(
		clientConfig,
		serverConfig,
		nil,
		func(conn *ServerConn, chans <-chan NewChannel, reqs <-chan *Request) error {
			if conn == nil {
				return errors.TraceNew("authentication failed")
			}
			if conn.Permissions.Extensions["pubkey-fp"] != FingerprintSHA256(clientSigner.PublicKey()) {
				return errors.TraceNew("permissions did not carry key fingerprint")
			}
			conn.Close()
			return nil
		})
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

// tamperedSigner wraps a Signer and corrupts every signature it
// produces, while presenting the untampered public key.
type tamperedSigner struct {
	Signer
}

func (s tamperedSigner) Sign(rand io.Reader, data []byte) (*Signature, error) {
	sig, err := s.Signer.Sign(rand, data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sig.Blob[len(sig.Blob)-1] ^= 0x40
	return sig, nil
}

func TestPublicKeyAuthBadSignature(t *testing.T) {

	hostSigner, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	clientSigner, err := testSigner("ecdsa")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	authorizedKey := clientSigner.PublicKey().Marshal()

	serverConfig := &ServerConfig{
		PublicKeyCallback: func(c ConnMetadata, key PublicKey) (*Permissions, error) {
			if bytes.Equal(key.Marshal(), authorizedKey) {
				return nil, nil
			}
			return nil, errors.TraceNew("unknown public key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	// The key is authorized, but the signature over the session ID does
	// not verify.
	clientConfig := &ClientConfig{
		User:            testUser,
		Auth:            []AuthMethod{PublicKeys(tamperedSigner{clientSigner})},
		HostKeyCallback: FixedHostKey(hostSigner.PublicKey()),
	}

	clientConn, serverConn, err := netPipe()
	if err != nil {
		t.Fatalf("netPipe failed: %s", err)
	}
	defer clientConn.Close()
	defer serverConn.Close()

	clientErrC := make(chan error, 1)
	go func() {
		_, _, _, err := NewClientConn(clientConn, "", clientConfig)
		clientErrC <- err
	}()

	_, _, _, serverErr := NewServerConn(serverConn, serverConfig)
	if serverErr == nil {
		t.Fatal("server accepted a tampered signature")
	}

	// The bad signature is a credential rejection like any other: the
	// connection survives to report the usual auth failure, not a raw
	// verification error.
	var authErr *ServerAuthError
	if !std_errors.As(serverErr, &authErr) {
		t.Fatalf("got %T (%v), want *ServerAuthError", serverErr, serverErr)
	}

	if clientErr := <-clientErrC; clientErr == nil {
		t.Fatal("client connected with a tampered signature")
	}
}

func TestPublicKeyAuthWrongKey(t *testing.T) {

	clientSigner, err := testSigner("ecdsa")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	otherSigner, err := testSigner("rsa")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	authorizedKey := otherSigner.PublicKey().Marshal()

	serverConfig := &ServerConfig{
		PublicKeyCallback: func(c ConnMetadata, key PublicKey) (*Permissions, error) {
			if bytes.Equal(key.Marshal(), authorizedKey) {
				return nil, nil
			}
			return nil, errors.TraceNew("unknown public key")
		},
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{PublicKeys(clientSigner)},
	}

	err = runClientServer(
		clientConfig,
		serverConfig,
		func(conn Conn, chans <-chan NewChannel, reqs <-chan *Request) error {
			if conn != nil {
				return errors.TraceNew("client connected with unauthorized key")
			}
			return nil
		},
		func(conn *ServerConn, chans <-chan NewChannel, reqs <-chan *Request) error {
			if conn != nil {
				return errors.TraceNew("server accepted unauthorized key")
			}
			return nil
		})
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

func TestKeyboardInteractiveAuth(t *testing.T) {

	serverConfig := &ServerConfig{
		KeyboardInteractiveCallback: func(c ConnMetadata, challenge KeyboardInteractiveChallenge) (*Permissions, error) {
			answers, err := challenge(
				"challenge",
				"say the magic word",
				[]string{"magic word: "},
				[]bool{false})
			if err != nil {
				return nil, errors.Trace(err)
			}
			if len(answers) != 1 || answers[0] != "xyzzy" {
				return nil, errors.TraceNew("wrong answer")
			}
			return nil, nil
		},
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{
			KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				if len(questions) != 1 {
					return nil, errors.Tracef("got %d questions", len(questions))
				}
				return []string{"xyzzy"}, nil
			}),
		},
	}

	err := runClientServer(clientConfig, serverConfig, nil, nil)
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

// TestPartialSuccessAuth requires a password and then a public key before
// access is granted.
func TestPartialSuccessAuth(t *testing.T) {

	clientSigner, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}
	authorizedKey := clientSigner.PublicKey().Marshal()

	serverConfig := &ServerConfig{
		PasswordCallback: func(c ConnMetadata, password []byte) (*Permissions, error) {
			if _, err := testPasswordCallback(c, password); err != nil {
				return nil, errors.Trace(err)
			}
			return nil, &PartialSuccessError{
				Next: ServerAuthCallbacks{
					PublicKeyCallback: func(c ConnMetadata, key PublicKey) (*Permissions, error) {
						if bytes.Equal(key.Marshal(), authorizedKey) {
							return nil, nil
						}
						return nil, errors.TraceNew("unknown public key")
					},
				},
			}
		},
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{
			Password(testPassword),
			PublicKeys(clientSigner),
		},
	}

	err = runClientServer(clientConfig, serverConfig, nil, nil)
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

func TestServerBanner(t *testing.T) {

	const banner = "welcome aboard\n"

	receivedBanner := make(chan string, 1)

	serverConfig := &ServerConfig{
		PasswordCallback: testPasswordCallback,
		BannerCallback: func(conn ConnMetadata) string {
			return banner
		},
	}
	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{Password(testPassword)},
		BannerCallback: func(message string) error {
			receivedBanner <- message
			return nil
		},
	}

	err := runClientServer(clientConfig, serverConfig, nil, nil)
	if err != nil {
		t.Fatalf("runClientServer failed: %s", err)
	}

	select {
	case got := <-receivedBanner:
		if got != banner {
			t.Errorf("got banner %q, want %q", got, banner)
		}
	default:
		t.Error("banner not received")
	}
}

func TestNoClientAuth(t *testing.T) {

	serverConfig := &ServerConfig{
		NoClientAuth: true,
	}
	clientConfig := &ClientConfig{
		User: testUser,
	}

	err := runClientServer(clientConfig, serverConfig, nil, nil)
	if err != nil {
		t.Errorf("runClientServer failed: %s", err)
	}
}

// syncBuffer guards a bytes.Buffer so concurrent log writes from the
// handshake goroutines are safe to inspect afterwards.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnectionLogging(t *testing.T) {

	var logOutput syncBuffer
	logger, err := logging.NewContextLogger("debug", &logOutput)
	if err != nil {
		t.Fatalf("NewContextLogger failed: %s", err)
	}

	serverConfig := &ServerConfig{
		PasswordCallback: testPasswordCallback,
	}
	serverConfig.Logger = logger

	clientConfig := &ClientConfig{
		User: testUser,
		Auth: []AuthMethod{Password(testPassword)},
	}

	err = runClientServer(clientConfig, serverConfig, nil, nil)
	if err != nil {
		t.Fatalf("runClientServer failed: %s", err)
	}

	logged := logOutput.String()
	if !strings.Contains(logged, "key exchange completed") {
		t.Error("no key exchange event logged")
	}
	if !strings.Contains(logged, "authentication succeeded") {
		t.Error("no authentication event logged")
	}
	if strings.Contains(logged, testPassword) {
		t.Error("credential material logged")
	}
}

func TestActivityMonitoredConn(t *testing.T) {

	hostSigner, err := testSigner("ed25519")
	if err != nil {
		t.Fatalf("testSigner failed: %s", err)
	}

	serverConfig := &ServerConfig{
		PasswordCallback: testPasswordCallback,
	}
	serverConfig.AddHostKey(hostSigner)

	clientConn, serverConn, err := netPipe()
	if err != nil {
		t.Fatalf("netPipe failed: %s", err)
	}
	defer serverConn.Close()

	monitored, err := common.NewActivityMonitoredConn(clientConn, 10*time.Second, false, nil)
	if err != nil {
		t.Fatalf("NewActivityMonitoredConn failed: %s", err)
	}
	defer monitored.Close()

	go func() {
		conn, chans, reqs, err := NewServerConn(serverConn, serverConfig)
		if err != nil {
			return
		}
		go DiscardRequests(reqs)
		for newCh := range chans {
			newCh.Reject(Prohibited, "no channels")
		}
		conn.Close()
	}()

	clientConfig := &ClientConfig{
		User:            testUser,
		Auth:            []AuthMethod{Password(testPassword)},
		HostKeyCallback: FixedHostKey(hostSigner.PublicKey()),
	}
	conn, _, _, err := NewClientConn(monitored, "", clientConfig)
	if err != nil {
		t.Fatalf("NewClientConn failed: %s", err)
	}
	defer conn.Close()

	read, written := monitored.GetBytesTransferred()
	if read == 0 || written == 0 {
		t.Errorf("no traffic recorded: read %d, written %d", read, written)
	}
	if monitored.GetActiveDuration() <= 0 {
		t.Error("no read activity recorded")
	}
}
