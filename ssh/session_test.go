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
	"io"
	"testing"
)

// dialSession connects a client to an in-process server whose session
// handler is given by serve.
func dialSession(t *testing.T, serve func(ch Channel, reqs <-chan *Request)) *Client {

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

	go func() {
		conn, chans, reqs, err := NewServerConn(serverConn, serverConfig)
		if err != nil {
			return
		}
		go DiscardRequests(reqs)
		for newCh := range chans {
			if newCh.ChannelType() != "session" {
				newCh.Reject(UnknownChannelType, "unknown channel type")
				continue
			}
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go serve(ch, chReqs)
		}
		conn.Close()
	}()

	clientConfig := &ClientConfig{
		User:            testUser,
		Auth:            []AuthMethod{Password(testPassword)},
		HostKeyCallback: FixedHostKey(hostSigner.PublicKey()),
	}
	conn, chans, reqs, err := NewClientConn(clientConn, "", clientConfig)
	if err != nil {
		t.Fatalf("NewClientConn failed: %s", err)
	}
	return NewClient(conn, chans, reqs)
}

func marshalExitStatus(status uint32) []byte {
	return Marshal(&struct{ Status uint32 }{status})
}

// echoSessionServer accepts one exec request, echoes the command back on
// stdout, reports the given exit status, and closes the channel.
func echoSessionServer(exitStatus uint32) func(ch Channel, reqs <-chan *Request) {
	return func(ch Channel, reqs <-chan *Request) {
		defer ch.Close()
		for req := range reqs {
			switch req.Type {
			case "exec":
				var msg execMsg
				if err := Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				io.WriteString(ch, msg.Command)
				ch.SendRequest("exit-status", false, marshalExitStatus(exitStatus))
				return
			default:
				req.Reply(false, nil)
			}
		}
	}
}

func TestSessionOutput(t *testing.T) {

	client := dialSession(t, echoSessionServer(0))
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	out, err := session.Output("echo hello")
	if err != nil {
		t.Fatalf("Output failed: %s", err)
	}
	if string(out) != "echo hello" {
		t.Errorf("got %q", out)
	}
}

func TestSessionExitError(t *testing.T) {

	client := dialSession(t, echoSessionServer(42))
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	err = session.Run("false")
	if err == nil {
		t.Fatal("expected exit error")
	}
	var exitErr *ExitError
	if !std_errors.As(err, &exitErr) {
		t.Fatalf("got %T, want *ExitError", err)
	}
	if exitErr.ExitStatus() != 42 {
		t.Errorf("got exit status %d, want 42", exitErr.ExitStatus())
	}
}

func TestSessionExitStatusMissing(t *testing.T) {

	client := dialSession(t, func(ch Channel, reqs <-chan *Request) {
		defer ch.Close()
		for req := range reqs {
			req.Reply(req.Type == "exec", nil)
			if req.Type == "exec" {
				// Close without reporting an exit status.
				return
			}
		}
	})
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	err = session.Run("true")
	var missingErr *ExitMissingError
	if !std_errors.As(err, &missingErr) {
		t.Fatalf("got %v, want *ExitMissingError", err)
	}
}

func TestSessionStderr(t *testing.T) {

	client := dialSession(t, func(ch Channel, reqs <-chan *Request) {
		defer ch.Close()
		for req := range reqs {
			req.Reply(req.Type == "exec", nil)
			if req.Type == "exec" {
				io.WriteString(ch.Stderr(), "diagnostic")
				ch.SendRequest("exit-status", false, marshalExitStatus(0))
				return
			}
		}
	})
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Run("warn"); err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if stderr.String() != "diagnostic" {
		t.Errorf("got stderr %q", stderr.String())
	}
}

func TestSessionStdinPipe(t *testing.T) {

	received := make(chan []byte, 1)

	client := dialSession(t, func(ch Channel, reqs <-chan *Request) {
		defer ch.Close()
		for req := range reqs {
			req.Reply(req.Type == "shell", nil)
			if req.Type == "shell" {
				data, _ := io.ReadAll(ch)
				received <- data
				ch.SendRequest("exit-status", false, marshalExitStatus(0))
				return
			}
		}
	})
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("StdinPipe failed: %s", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell failed: %s", err)
	}
	io.WriteString(stdin, "from client")
	stdin.Close()

	if err := session.Wait(); err != nil {
		t.Fatalf("Wait failed: %s", err)
	}
	if got := <-received; string(got) != "from client" {
		t.Errorf("server received %q", got)
	}
}

func TestSessionSetenvAndPty(t *testing.T) {

	sawEnv := make(chan string, 1)
	sawPty := make(chan string, 1)

	client := dialSession(t, func(ch Channel, reqs <-chan *Request) {
		defer ch.Close()
		for req := range reqs {
			switch req.Type {
			case "env":
				var msg setenvRequest
				if err := Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				sawEnv <- msg.Name + "=" + msg.Value
				req.Reply(true, nil)
			case "pty-req":
				var msg ptyRequestMsg
				if err := Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				sawPty <- msg.Term
				req.Reply(true, nil)
			case "exec":
				req.Reply(true, nil)
				ch.SendRequest("exit-status", false, marshalExitStatus(0))
				return
			default:
				req.Reply(false, nil)
			}
		}
	})
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	defer session.Close()

	if err := session.Setenv("LANG", "C"); err != nil {
		t.Fatalf("Setenv failed: %s", err)
	}
	if err := session.RequestPty("xterm", 24, 80, TerminalModes{ECHO: 0}); err != nil {
		t.Fatalf("RequestPty failed: %s", err)
	}
	if err := session.Run("true"); err != nil {
		t.Fatalf("Run failed: %s", err)
	}

	if got := <-sawEnv; got != "LANG=C" {
		t.Errorf("env request: got %q", got)
	}
	if got := <-sawPty; got != "xterm" {
		t.Errorf("pty request: got term %q", got)
	}
}
