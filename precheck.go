package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ping/ping"
	"go.uber.org/zap"
)

var errNotTCP = errors.New("not a tcp:// endpoint")

// tcpAddress returns the host:port part of a tcp:// ZeroMQ endpoint.
func tcpAddress(endpoint string) (string, error) {
	addr, ok := strings.CutPrefix(endpoint, "tcp://")
	if !ok {
		return "", fmt.Errorf("%s: %w", endpoint, errNotTCP)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	return addr, nil
}

// DialFunc opens the TCP connection a port check is made with.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Checker checks that an endpoint answers before the SUB socket connects.
// libzmq connects lazily, so without it a dead endpoint is just silence.
type Checker struct {
	cfg       CheckConfig
	log       *zap.Logger
	dial      DialFunc
	tunnelled bool
}

func NewChecker(cfg CheckConfig, log *zap.Logger) *Checker {
	var d net.Dialer
	return &Checker{cfg: cfg, log: log, dial: d.DialContext}
}

// Through returns a Checker whose port checks are dialled from the far side
// of t, so the remote endpoint is checked rather than the local forward.
func (p *Checker) Through(t *Tunnel) *Checker {
	return &Checker{cfg: p.cfg, log: p.log, dial: t.DialContext, tunnelled: true}
}

func (p *Checker) Check(ctx context.Context, endpoint string) error {
	addr, err := tcpAddress(endpoint)
	if errors.Is(err, errNotTCP) {
		p.log.Warn("skipping endpoint check", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	host, port, _ := net.SplitHostPort(addr)

	if p.cfg.Ping && p.tunnelled {
		p.log.Warn("skipping ping, host is only reachable through the ssh tunnel", zap.String("host", host))
	} else if p.cfg.Ping {
		if err := p.Ping(ctx, host); err != nil {
			return fmt.Errorf("ping-check-failed: %w", err)
		}
	}
	if err := p.PortOpen(ctx, host, port); err != nil {
		return fmt.Errorf("port-check-failed: %w", err)
	}
	p.log.Info("endpoint reachable", zap.String("address", addr))
	return nil
}

func (p *Checker) Ping(ctx context.Context, host string) error {
	var lastErr error
	for i := 0; i < p.cfg.PingRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, p.cfg.RetryBackoff); err != nil {
				return err
			}
		}

		pinger, err := ping.NewPinger(host)
		if err != nil {
			lastErr = fmt.Errorf("create pinger: %w", err)
			continue
		}
		pinger.Count = 3
		pinger.Timeout = p.cfg.PingTimeout
		pinger.SetPrivileged(p.cfg.Privileged)

		stop := context.AfterFunc(ctx, pinger.Stop)
		err = pinger.Run()
		stop()
		if err != nil {
			lastErr = fmt.Errorf("ping run failed: %w", err)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if pinger.Statistics().PacketsRecv == 0 {
			lastErr = errors.New("no packets received")
			p.log.Debug("ping attempt failed", zap.String("host", host), zap.Int("attempt", i+1))
			continue
		}
		return nil
	}
	return lastErr
}

func (p *Checker) PortOpen(ctx context.Context, host, port string) error {
	addr := net.JoinHostPort(host, port)

	var lastErr error
	for i := 0; i < p.cfg.PortRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, p.cfg.RetryBackoff); err != nil {
				return err
			}
		}

		dctx, cancel := context.WithTimeout(ctx, p.cfg.PortTimeout)
		conn, err := p.dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = fmt.Errorf("dial %s: %w", addr, err)
		p.log.Debug("port check attempt failed", zap.String("address", addr), zap.Int("attempt", i+1), zap.Error(err))
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
