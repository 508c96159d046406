package main

import (
	"context"
	"fmt"
	"syscall"
	"time"

	gozmq "github.com/go-zeromq/zmq4"
	"github.com/pebbe/zmq4"
)

const (
	TransportZMQ  = "zmq"
	TransportPure = "pure"
)

// Subscriber is the part of a SUB socket the listener needs.
type Subscriber interface {
	Connect(endpoint string) error
	Subscribe(prefix string) error
	// RecvMultipart blocks until a full message arrives or ctx is done.
	RecvMultipart(ctx context.Context) ([][]byte, error)
	Close() error
}

// NewSubscriber opens a SUB socket on the named transport. ctx bounds the
// lifetime of the pure Go socket.
func NewSubscriber(ctx context.Context, transport string, pollInterval time.Duration) (Subscriber, error) {
	switch transport {
	case TransportZMQ:
		return newZMQSubscriber(pollInterval)
	case TransportPure:
		return newPureSubscriber(ctx), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// zmqSubscriber wraps a libzmq SUB socket.
type zmqSubscriber struct {
	sock         *zmq4.Socket
	poller       *zmq4.Poller
	pollInterval time.Duration
}

func newZMQSubscriber(pollInterval time.Duration) (*zmqSubscriber, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, fmt.Errorf("create ZMQ socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set linger: %w", err)
	}

	poller := zmq4.NewPoller()
	poller.Add(sock, zmq4.POLLIN)

	return &zmqSubscriber{sock: sock, poller: poller, pollInterval: pollInterval}, nil
}

func (s *zmqSubscriber) Connect(endpoint string) error {
	return s.sock.Connect(endpoint)
}

func (s *zmqSubscriber) Subscribe(prefix string) error {
	return s.sock.SetSubscribe(prefix)
}

// RecvMultipart polls in pollInterval slices so a cancelled ctx is noticed
// while no traffic arrives.
func (s *zmqSubscriber) RecvMultipart(ctx context.Context) ([][]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		polled, err := s.poller.Poll(s.pollInterval)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR) {
				continue
			}
			return nil, fmt.Errorf("poll: %w", err)
		}
		if len(polled) == 0 {
			continue
		}
		return s.sock.RecvMessageBytes(0)
	}
}

func (s *zmqSubscriber) Close() error {
	return s.sock.Close()
}

// pureSubscriber wraps a go-zeromq SUB socket.
type pureSubscriber struct {
	sock gozmq.Socket
}

func newPureSubscriber(ctx context.Context) *pureSubscriber {
	return &pureSubscriber{sock: gozmq.NewSub(ctx, gozmq.WithDialerMaxRetries(-1))}
}

// Connect keeps retrying until the publisher is up or the socket context is
// cancelled, so a publisher that starts late is not a startup error.
func (s *pureSubscriber) Connect(endpoint string) error {
	return s.sock.Dial(endpoint)
}

func (s *pureSubscriber) Subscribe(prefix string) error {
	return s.sock.SetOption(gozmq.OptionSubscribe, prefix)
}

// RecvMultipart relies on the socket context: once it is cancelled the
// pending Recv returns.
func (s *pureSubscriber) RecvMultipart(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.sock.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return msg.Frames, nil
}

func (s *pureSubscriber) Close() error {
	return s.sock.Close()
}
