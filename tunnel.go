package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Tunnel forwards a local TCP port to a remote address through an SSH
// connection.
type Tunnel struct {
	client   *ssh.Client
	listener net.Listener
	remote   string
	log      *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenTunnel dials the bastion in cfg.Target and starts forwarding
// connections made to Endpoint() on to remoteAddr (host:port, resolved on
// the bastion side). Cancelling ctx aborts the connect and handshake.
func OpenTunnel(ctx context.Context, cfg SSHConfig, remoteAddr string, log *zap.Logger) (*Tunnel, error) {
	user, addr, err := parseSSHTarget(cfg.Target)
	if err != nil {
		return nil, err
	}

	clientCfg, err := sshClientConfig(cfg, user, log)
	if err != nil {
		return nil, err
	}

	client, err := dialSSH(ctx, addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial error: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("tunnel listen: %w", err)
	}

	t := &Tunnel{client: client, listener: ln, remote: remoteAddr, log: log}
	t.wg.Add(1)
	go t.acceptLoop()

	log.Info("ssh tunnel open",
		zap.String("bastion", addr),
		zap.String("local", ln.Addr().String()),
		zap.String("remote", remoteAddr))
	return t, nil
}

// dialSSH is ssh.Dial with ctx covering both the TCP connect and the
// handshake.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		// ctx was cancelled mid-handshake and conn is already closed.
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// DialContext opens a connection to addr from the bastion side.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return t.client.DialContext(ctx, network, addr)
}

// Endpoint is the ZeroMQ endpoint of the local end of the tunnel.
func (t *Tunnel) Endpoint() string {
	return "tcp://" + t.listener.Addr().String()
}

func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		lerr := t.listener.Close()
		cerr := t.client.Close()
		t.wg.Wait()
		t.closeErr = errors.Join(lerr, cerr)
	})
	return t.closeErr
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("tunnel accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.log.Warn("tunnel dial failed", zap.String("remote", t.remote), zap.Error(err))
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go pipe(remote, local)
	go pipe(local, remote)

	// Either side finishing tears down both.
	<-done
}

func parseSSHTarget(target string) (user, addr string, err error) {
	user, host, ok := strings.Cut(target, "@")
	if !ok || user == "" || host == "" {
		return "", "", fmt.Errorf("ssh target %q: want user@host[:port]", target)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	return user, host, nil
}

func sshClientConfig(cfg SSHConfig, user string, log *zap.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh tunnel needs a password or a key file")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn("ssh host key is not verified; set ssh.known_hosts")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}, nil
}
