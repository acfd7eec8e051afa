// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/ambicuity/smsbridge/internal/config"
)

// fakeSMTPServer speaks just enough SMTP for one session. rcptCode lets
// tests inject failure codes at the RCPT stage.
type fakeSMTPServer struct {
	listener net.Listener
	rcptCode int
	received chan string
}

func newFakeSMTPServer(t *testing.T, rcptCode int) *fakeSMTPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTPServer{listener: listener, rcptCode: rcptCode, received: make(chan string, 1)}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *fakeSMTPServer) addr() (host string, port int) {
	tcpAddr := s.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func (s *fakeSMTPServer) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	write := func(line string) { _, _ = fmt.Fprintf(conn, "%s\r\n", line) }

	write("220 test ESMTP")
	var data strings.Builder
	inData := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				write("250 2.0.0 OK")
				s.received <- data.String()
				continue
			}
			data.WriteString(line + "\n")
			continue
		}

		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			write("250-test")
			write("250 AUTH PLAIN")
		case strings.HasPrefix(line, "AUTH"):
			write("235 2.7.0 accepted")
		case strings.HasPrefix(line, "MAIL"):
			write("250 2.1.0 OK")
		case strings.HasPrefix(line, "RCPT"):
			if s.rcptCode != 250 {
				write(fmt.Sprintf("%d rejected", s.rcptCode))
				continue
			}
			write("250 2.1.5 OK")
		case strings.HasPrefix(line, "DATA"):
			inData = true
			write("354 go ahead")
		case strings.HasPrefix(line, "QUIT"):
			write("221 bye")
			return
		default:
			write("250 OK")
		}
	}
}

func newTestEmail(t *testing.T, srv *fakeSMTPServer) *EmailDispatcher {
	t.Helper()
	host, port := srv.addr()
	return NewEmailDispatcher(config.SMTPConfig{
		Host:    host,
		Port:    port,
		User:    "gateway",
		Pass:    "secret",
		From:    "gateway@example.com",
		To:      "operator@example.com",
		Timeout: 2 * time.Second,
	}, nil)
}

func TestEmailSendDelivered(t *testing.T) {
	env := testEnvelope(t)
	srv := newFakeSMTPServer(t, 250)

	d := newTestEmail(t, srv)
	d.env = env
	msg := testMessage(t, env, "Your OTP is 112233")

	outcome := d.Send(context.Background(), msg)
	if outcome.Status != StatusDelivered {
		t.Fatalf("Send() = %v (%s), want Delivered", outcome.Status, outcome.Reason)
	}

	select {
	case mail := <-srv.received:
		if !strings.Contains(mail, "Subject: OTP from +919876543210") {
			t.Error("subject missing sender")
		}
		if !strings.Contains(mail, "Your OTP is 112233") {
			t.Error("decrypted body missing from mail")
		}
		if strings.Contains(mail, msg.Body) {
			t.Error("ciphertext leaked into mail")
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the message")
	}

	if m := d.Metrics(); m.TotalSent != 1 {
		t.Errorf("TotalSent = %d, want 1", m.TotalSent)
	}
}

func TestEmailSendRecipientRejected(t *testing.T) {
	tests := []struct {
		name     string
		rcptCode int
		want     Status
	}{
		{"permanent rejection is terminal", 550, StatusTerminal},
		{"temporary rejection is transient", 450, StatusTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope(t)
			srv := newFakeSMTPServer(t, tt.rcptCode)
			d := newTestEmail(t, srv)
			d.env = env

			outcome := d.Send(context.Background(), testMessage(t, env, "112233"))
			if outcome.Status != tt.want {
				t.Errorf("Send() = %v (%s), want %v", outcome.Status, outcome.Reason, tt.want)
			}
		})
	}
}

func TestEmailSendConnectionRefused(t *testing.T) {
	env := testEnvelope(t)
	d := NewEmailDispatcher(config.SMTPConfig{
		Host:    "127.0.0.1",
		Port:    1, // nothing listens here
		From:    "gateway@example.com",
		To:      "operator@example.com",
		Timeout: 500 * time.Millisecond,
	}, env)

	outcome := d.Send(context.Background(), testMessage(t, env, "112233"))
	if outcome.Status != StatusTransient {
		t.Errorf("Send() = %v, want Transient on connection refused", outcome.Status)
	}
}

func TestEmailNotConfigured(t *testing.T) {
	env := testEnvelope(t)
	d := NewEmailDispatcher(config.SMTPConfig{}, env)
	outcome := d.Send(context.Background(), testMessage(t, env, "112233"))
	if outcome.Status != StatusTerminal {
		t.Errorf("Send() = %v, want Terminal when unconfigured", outcome.Status)
	}
}

func TestIsTerminalSMTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"550 permanent", &textproto.Error{Code: 550, Msg: "no such user"}, true},
		{"554 permanent", &textproto.Error{Code: 554, Msg: "rejected"}, true},
		{"421 temporary", &textproto.Error{Code: 421, Msg: "try later"}, false},
		{"450 temporary", &textproto.Error{Code: 450, Msg: "mailbox busy"}, false},
		{"wrapped permanent", fmt.Errorf("failed to set recipient: %w", &textproto.Error{Code: 553, Msg: "bad mailbox"}), true},
		{"auth failure string", errors.New("SMTP authentication failed: bad credentials"), true},
		{"dial error", errors.New("dial tcp: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTerminalSMTPError(tt.err); got != tt.want {
				t.Errorf("isTerminalSMTPError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
