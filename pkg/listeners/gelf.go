package listeners

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	gelfChunkMagic0 = 0x1e
	gelfChunkMagic1 = 0x0f

	// gelfMaxChunks bounds a chunked message; beyond it the message is
	// unreassemblable per the GELF spec.
	gelfMaxChunks = 128

	// gelfReassemblyTimeout discards partial messages.
	gelfReassemblyTimeout = 5 * time.Second

	gelfMaxMessage = 2 * 1024 * 1024
)

// gelfAssembly is one in-flight chunked message.
type gelfAssembly struct {
	chunks   [][]byte
	received int
	total    int
	peer     string
	started  time.Time
}

// GELFUDP receives plain, compressed and chunked GELF datagrams.
type GELFUDP struct {
	addr string
	mgr  *Manager
	ops  OpRecorder

	mu         sync.Mutex
	assemblies map[[8]byte]*gelfAssembly
}

// NewGELFUDP creates the UDP listener.
func NewGELFUDP(addr string, mgr *Manager, ops OpRecorder) *GELFUDP {
	return &GELFUDP{
		addr:       addr,
		mgr:        mgr,
		ops:        ops,
		assemblies: make(map[[8]byte]*gelfAssembly),
	}
}

func (l *GELFUDP) Name() string { return "gelf-udp" }

// Run reads datagrams and sweeps stale assemblies until ctx is cancelled.
func (l *GELFUDP) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", l.addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go l.sweep(ctx)

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		if n < 2 {
			l.mgr.fail("gelf", "short_datagram")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.handle(payload, peer.String())
	}
}

func (l *GELFUDP) handle(payload []byte, peer string) {
	if payload[0] == gelfChunkMagic0 && payload[1] == gelfChunkMagic1 {
		l.handleChunk(payload, peer)
		return
	}
	body, err := gelfDecompress(payload)
	if err != nil {
		l.mgr.fail("gelf", "bad_compression")
		return
	}
	l.mgr.deliver(frame("gelf", body, peer))
}

// handleChunk processes one chunk: magic(2) id(8) seq(1) total(1) body.
func (l *GELFUDP) handleChunk(payload []byte, peer string) {
	if len(payload) < 12 {
		l.mgr.fail("gelf", "short_chunk")
		return
	}
	var id [8]byte
	copy(id[:], payload[2:10])
	seq, total := int(payload[10]), int(payload[11])
	if total < 1 || total > gelfMaxChunks || seq >= total {
		l.mgr.fail("gelf", "bad_chunk_header")
		return
	}

	var complete []byte
	l.mu.Lock()
	asm, ok := l.assemblies[id]
	if !ok {
		asm = &gelfAssembly{chunks: make([][]byte, total), total: total, peer: peer, started: time.Now()}
		l.assemblies[id] = asm
	}
	if asm.total != total {
		l.mu.Unlock()
		l.mgr.fail("gelf", "chunk_total_mismatch")
		return
	}
	if asm.chunks[seq] == nil {
		asm.chunks[seq] = payload[12:]
		asm.received++
	}
	if asm.received == asm.total {
		delete(l.assemblies, id)
		complete = bytes.Join(asm.chunks, nil)
	}
	l.mu.Unlock()

	if complete == nil {
		return
	}
	body, err := gelfDecompress(complete)
	if err != nil {
		l.mgr.fail("gelf", "bad_compression")
		return
	}
	l.mgr.deliver(frame("gelf", body, peer))
}

// sweep expires assemblies past the reassembly timeout and reports them.
func (l *GELFUDP) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var expired int
			l.mu.Lock()
			for id, asm := range l.assemblies {
				if now.Sub(asm.started) > gelfReassemblyTimeout {
					delete(l.assemblies, id)
					expired++
				}
			}
			l.mu.Unlock()
			if expired > 0 {
				l.mgr.fail("gelf", "reassembly_timeout")
				if l.ops != nil {
					l.ops.RecordOp(ctx, "metrics", "gelf_reassembly_timeout",
						map[string]any{"expired": expired})
				}
			}
		}
	}
}

// gelfDecompress auto-detects gzip (1f 8b) and zlib (78 xx) payloads;
// anything else is taken as uncompressed JSON.
func gelfDecompress(payload []byte) ([]byte, error) {
	var r io.Reader
	switch {
	case len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b:
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case len(payload) >= 2 && payload[0] == 0x78:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return payload, nil
	}
	return io.ReadAll(io.LimitReader(r, gelfMaxMessage))
}

// GELFTCP receives NUL-terminated GELF frames.
type GELFTCP struct {
	addr string
	mgr  *Manager
}

// NewGELFTCP creates the TCP listener.
func NewGELFTCP(addr string, mgr *Manager) *GELFTCP {
	return &GELFTCP{addr: addr, mgr: mgr}
}

func (l *GELFTCP) Name() string { return "gelf-tcp" }

// Run accepts connections until ctx is cancelled.
func (l *GELFTCP) Run(ctx context.Context) error {
	return runTCP(ctx, l.addr, l.serve)
}

func (l *GELFTCP) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	r := bufio.NewReaderSize(conn, maxDatagram)

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		msg, err := r.ReadBytes(0x00)
		if len(msg) > 1 {
			l.mgr.deliver(frame("gelf", bytes.TrimRight(msg, "\x00"), peer))
		}
		if err != nil {
			return
		}
	}
}
