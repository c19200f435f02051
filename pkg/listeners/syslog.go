package listeners

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/loghive/loghive/pkg/models"
)

// maxDatagram is the syslog datagram and line cap. Oversized payloads are
// truncated by the normalizer rather than dropped here.
const maxDatagram = 64 * 1024

// SyslogUDP receives one syslog message per datagram.
type SyslogUDP struct {
	addr string
	mgr  *Manager
}

// NewSyslogUDP creates the UDP listener.
func NewSyslogUDP(addr string, mgr *Manager) *SyslogUDP {
	return &SyslogUDP{addr: addr, mgr: mgr}
}

func (l *SyslogUDP) Name() string { return "syslog-udp" }

// Run reads datagrams until ctx is cancelled.
func (l *SyslogUDP) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", l.addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.mgr.deliver(frame("syslog", payload, peer.String()))
	}
}

// SyslogTCP accepts stream connections using RFC 6587 octet-count framing
// with fallback to LF-terminated lines.
type SyslogTCP struct {
	addr string
	mgr  *Manager
}

// NewSyslogTCP creates the TCP listener.
func NewSyslogTCP(addr string, mgr *Manager) *SyslogTCP {
	return &SyslogTCP{addr: addr, mgr: mgr}
}

func (l *SyslogTCP) Name() string { return "syslog-tcp" }

// Run accepts connections until ctx is cancelled.
func (l *SyslogTCP) Run(ctx context.Context) error {
	return runTCP(ctx, l.addr, l.serve)
}

func (l *SyslogTCP) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	r := bufio.NewReaderSize(conn, maxDatagram)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		msg, err := readSyslogFrame(r)
		if err != nil {
			if len(msg) > 0 {
				l.mgr.deliver(frame("syslog", msg, peer))
			}
			return
		}
		if len(msg) == 0 {
			continue
		}
		l.mgr.deliver(frame("syslog", msg, peer))
	}
}

// readSyslogFrame reads one message: octet-count framing when the stream
// leads with digits ("123 <34>..."), otherwise up to the next LF.
func readSyslogFrame(r *bufio.Reader) ([]byte, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}

	if first[0] >= '1' && first[0] <= '9' {
		lenStr, err := r.ReadString(' ')
		if err != nil {
			return nil, err
		}
		n, convErr := strconv.Atoi(lenStr[:len(lenStr)-1])
		if convErr != nil || n <= 0 || n > maxDatagram {
			// Not a valid count; treat the consumed bytes plus the rest of
			// the line as a non-transparent frame.
			rest, err := r.ReadBytes('\n')
			return append([]byte(lenStr), bytes.TrimRight(rest, "\n")...), err
		}
		msg := make([]byte, n)
		if _, err := ioReadFull(r, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}

	line, err := r.ReadBytes('\n')
	return bytes.TrimRight(line, "\r\n"), err
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// runTCP is the shared accept loop: one goroutine per connection, listener
// closed by ctx.
func runTCP(ctx context.Context, addr string, serve func(context.Context, net.Conn)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go serve(ctx, conn)
	}
}

func frame(proto string, payload []byte, peer string) models.RawFrame {
	return models.RawFrame{Proto: proto, Payload: payload, PeerAddr: peer, ReceivedAt: time.Now().UTC()}
}
