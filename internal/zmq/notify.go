package zmq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

type NotifyConfig struct {
	Endpoint       string
	Topic          string
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Notify subscribes to the node's notification feed and pokes out for
// each message on the topic. The payload is discarded; the scheduler
// re-reads the tip over RPC, so a dropped or coalesced poke costs
// nothing. Reconnects forever until ctx is cancelled.
func Notify(ctx context.Context, cfg NotifyConfig, out chan<- struct{}, logf func(string, ...any)) error {
	if out == nil {
		return errors.New("zmq: out channel is nil")
	}
	addr, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return err
	}
	if cfg.Topic == "" {
		return errors.New("zmq: topic is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	for ctx.Err() == nil {
		if err := subscribeLoop(ctx, addr, cfg, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if logf != nil {
				logf("zmq notify error: %v", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.ReconnectDelay):
			}
		}
	}

	return nil
}

func subscribeLoop(ctx context.Context, addr string, cfg NotifyConfig, out chan<- struct{}) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock any in-flight read as soon as the caller is done instead
	// of waiting out the read deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	if err := handshakeNullV3(conn, cfg.WriteTimeout, cfg.ReadTimeout); err != nil {
		return err
	}
	if err := subscribe(conn, cfg.Topic, cfg.WriteTimeout); err != nil {
		return err
	}

	topic := []byte(cfg.Topic)
	r := bufio.NewReader(conn)
	for ctx.Err() == nil {
		readDeadline(conn, cfg.ReadTimeout)
		frames, err := readMessage(r)
		if err != nil {
			return err
		}
		if len(frames) == 0 || !bytes.Equal(frames[0], topic) {
			continue
		}
		// Non-blocking: the consumer only needs the edge, not a count.
		select {
		case out <- struct{}{}:
		default:
		}
	}
	return nil
}

func handshakeNullV3(conn net.Conn, writeTimeout, readTimeout time.Duration) error {
	g := greetingV3Null()

	// Partial greeting exchange first (signature and major version),
	// then the rest, per the ZMTP version negotiation dance.
	writeDeadline(conn, writeTimeout)
	if _, err := conn.Write(g[:11]); err != nil {
		return fmt.Errorf("handshake: write greeting: %w", err)
	}

	var peer [64]byte
	readDeadline(conn, readTimeout)
	if _, err := io.ReadFull(conn, peer[:11]); err != nil {
		return fmt.Errorf("handshake: read greeting: %w", err)
	}

	writeDeadline(conn, writeTimeout)
	if _, err := conn.Write(g[11:]); err != nil {
		return fmt.Errorf("handshake: write greeting rest: %w", err)
	}
	readDeadline(conn, readTimeout)
	if _, err := io.ReadFull(conn, peer[11:]); err != nil {
		return fmt.Errorf("handshake: read greeting rest: %w", err)
	}

	meta, err := encodeREADYMetadata("SUB")
	if err != nil {
		return err
	}

	var ready bytes.Buffer
	ready.WriteByte(byte(len("READY")))
	ready.WriteString("READY")
	ready.Write(meta)

	writeDeadline(conn, writeTimeout)
	if err := writeFrame(conn, true, false, ready.Bytes()); err != nil {
		return fmt.Errorf("handshake: send READY: %w", err)
	}

	// Peer READY contents are irrelevant for a NULL SUB socket.
	readDeadline(conn, readTimeout)
	if _, _, _, err := readFrame(conn); err != nil {
		return fmt.Errorf("handshake: read READY: %w", err)
	}

	return nil
}

func subscribe(conn net.Conn, topic string, writeTimeout time.Duration) error {
	body := append([]byte{0x01}, []byte(topic)...)
	writeDeadline(conn, writeTimeout)
	if err := writeFrame(conn, false, false, body); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// readMessage collects the frames of one multipart message, skipping
// any interleaved command frames.
func readMessage(r *bufio.Reader) ([][]byte, error) {
	var frames [][]byte
	for {
		cmd, more, body, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		if cmd {
			continue
		}
		frames = append(frames, body)
		if !more {
			return frames, nil
		}
	}
}
