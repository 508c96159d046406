package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	mockUser     = "tester"
	mockPassword = "secret"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

// startMockSSH runs an SSH server that accepts password auth and serves
// direct-tcpip channels, which is all a local port forward needs.
func startMockSSH(t *testing.T, hostKey ssh.Signer) string {
	t.Helper()
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == mockUser && string(pass) == mockPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized")
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleMockConn(conn, config)
		}
	}()
	return ln.Addr().String()
}

func handleMockConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "direct-tcpip" {
			ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		var target struct {
			DestAddr string
			DestPort uint32
			OrigAddr string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(ch.ExtraData(), &target); err != nil {
			ch.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.DestAddr, strconv.Itoa(int(target.DestPort))))
		if err != nil {
			ch.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(requests)
		go func() {
			defer channel.Close()
			defer upstream.Close()
			go func() {
				io.Copy(upstream, channel)
				upstream.Close()
			}()
			io.Copy(channel, upstream)
		}()
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func roundTrip(t *testing.T, endpoint, msg string) {
	t.Helper()
	addr := strings.TrimPrefix(endpoint, "tcp://")
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestTunnelForwards(t *testing.T) {
	sshAddr := startMockSSH(t, newSigner(t))
	echoAddr := startEcho(t)

	tun, err := OpenTunnel(context.Background(), SSHConfig{
		Target:   mockUser + "@" + sshAddr,
		Password: mockPassword,
		Timeout:  5 * time.Second,
	}, echoAddr, zap.NewNop())
	require.NoError(t, err)
	defer tun.Close()

	assert.True(t, strings.HasPrefix(tun.Endpoint(), "tcp://127.0.0.1:"))
	roundTrip(t, tun.Endpoint(), "report.options")
	roundTrip(t, tun.Endpoint(), "second connection")

	require.NoError(t, tun.Close())
	assert.NoError(t, tun.Close())
}

func TestTunnelWrongPassword(t *testing.T) {
	sshAddr := startMockSSH(t, newSigner(t))

	_, err := OpenTunnel(context.Background(), SSHConfig{
		Target:   mockUser + "@" + sshAddr,
		Password: "wrong",
		Timeout:  5 * time.Second,
	}, "127.0.0.1:5556", zap.NewNop())
	assert.ErrorContains(t, err, "ssh dial error")
}

func TestTunnelKnownHosts(t *testing.T) {
	hostKey := newSigner(t)
	sshAddr := startMockSSH(t, hostKey)
	echoAddr := startEcho(t)

	writeKnownHosts := func(key ssh.PublicKey) string {
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{sshAddr}, key) + "\n"
		require.NoError(t, os.WriteFile(path, []byte(line), 0o600))
		return path
	}

	cfg := SSHConfig{
		Target:     mockUser + "@" + sshAddr,
		Password:   mockPassword,
		KnownHosts: writeKnownHosts(hostKey.PublicKey()),
		Timeout:    5 * time.Second,
	}
	tun, err := OpenTunnel(context.Background(), cfg, echoAddr, zap.NewNop())
	require.NoError(t, err)
	roundTrip(t, tun.Endpoint(), "trusted")
	require.NoError(t, tun.Close())

	cfg.KnownHosts = writeKnownHosts(newSigner(t).PublicKey())
	_, err = OpenTunnel(context.Background(), cfg, echoAddr, zap.NewNop())
	assert.ErrorContains(t, err, "ssh dial error")
}

func TestTunnelledPortCheck(t *testing.T) {
	sshAddr := startMockSSH(t, newSigner(t))
	echoAddr := startEcho(t)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	tun, err := OpenTunnel(context.Background(), SSHConfig{
		Target:   mockUser + "@" + sshAddr,
		Password: mockPassword,
		Timeout:  5 * time.Second,
	}, deadAddr, zap.NewNop())
	require.NoError(t, err)
	defer tun.Close()

	// The local end of the tunnel accepts regardless of the remote.
	assert.NoError(t, NewChecker(testCheckConfig(), zap.NewNop()).Check(context.Background(), tun.Endpoint()))

	// Ping is skipped through the tunnel; only the port check runs.
	cfg := testCheckConfig()
	cfg.Ping = true
	checker := NewChecker(cfg, zap.NewNop()).Through(tun)

	err = checker.Check(context.Background(), "tcp://"+deadAddr)
	assert.ErrorContains(t, err, "port-check-failed")

	assert.NoError(t, checker.Check(context.Background(), "tcp://"+echoAddr))
}

func TestTunnelDialCancelled(t *testing.T) {
	// Accepts TCP but never speaks SSH, so the handshake hangs.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = OpenTunnel(ctx, SSHConfig{
		Target:   mockUser + "@" + ln.Addr().String(),
		Password: mockPassword,
		Timeout:  time.Minute,
	}, "127.0.0.1:5556", zap.NewNop())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTunnelNeedsAuth(t *testing.T) {
	_, err := OpenTunnel(context.Background(), SSHConfig{Target: "ops@bastion"}, "127.0.0.1:5556", zap.NewNop())
	assert.ErrorContains(t, err, "password or a key file")
}

func TestParseSSHTarget(t *testing.T) {
	user, addr, err := parseSSHTarget("ops@bastion")
	require.NoError(t, err)
	assert.Equal(t, "ops", user)
	assert.Equal(t, "bastion:22", addr)

	user, addr, err = parseSSHTarget("ops@10.1.2.3:2222")
	require.NoError(t, err)
	assert.Equal(t, "ops", user)
	assert.Equal(t, "10.1.2.3:2222", addr)

	for _, bad := range []string{"bastion", "@bastion", "ops@"} {
		_, _, err := parseSSHTarget(bad)
		assert.Error(t, err, bad)
	}
}
