package listeners

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// Lumberjack v2 frame types.
const (
	ljVersion    = '2'
	ljWindowSize = 'W'
	ljJSONData   = 'J'
	ljCompressed = 'C'
	ljDataFrame  = 'D'
	ljAck        = 'A'
)

const ljMaxPayload = 16 * 1024 * 1024

// Beats accepts Beats/Lumberjack v2 connections: window frames announce a
// batch size, data frames carry JSON records (possibly inside a compressed
// envelope), and the highest sequence is ACKed once the window completes.
type Beats struct {
	addr string
	mgr  *Manager
}

// NewBeats creates the listener.
func NewBeats(addr string, mgr *Manager) *Beats {
	return &Beats{addr: addr, mgr: mgr}
}

func (l *Beats) Name() string { return "beats" }

// Run accepts connections until ctx is cancelled.
func (l *Beats) Run(ctx context.Context) error {
	return runTCP(ctx, l.addr, l.serve)
}

type ljState struct {
	windowSize uint32
	inWindow   uint32
	maxSeq     uint32
}

func (l *Beats) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	r := bufio.NewReaderSize(conn, 64*1024)
	var st ljState

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		if err := l.readFrame(r, conn, peer, &st); err != nil {
			if err != io.EOF {
				l.mgr.fail("beats", "bad_frame")
			}
			return
		}
	}
}

// readFrame consumes one protocol frame from r.
func (l *Beats) readFrame(r *bufio.Reader, conn net.Conn, peer string, st *ljState) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != ljVersion {
		return fmt.Errorf("unsupported lumberjack version %q", hdr[0])
	}

	switch hdr[1] {
	case ljWindowSize:
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return err
		}
		st.windowSize = size
		st.inWindow = 0
		return nil

	case ljJSONData:
		return l.readJSONData(r, conn, peer, st)

	case ljDataFrame:
		return l.readKVData(r, conn, peer, st)

	case ljCompressed:
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return err
		}
		if size > ljMaxPayload {
			return fmt.Errorf("compressed payload too large: %d", size)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer zr.Close()
		inner := bufio.NewReader(zr)
		for {
			if err := l.readFrame(inner, conn, peer, st); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}

	default:
		return fmt.Errorf("unknown lumberjack frame type %q", hdr[1])
	}
}

func (l *Beats) readJSONData(r *bufio.Reader, conn net.Conn, peer string, st *ljState) error {
	var seq, size uint32
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return err
	}
	if size > ljMaxPayload {
		return fmt.Errorf("json payload too large: %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	if json.Valid(payload) {
		l.mgr.deliver(frame("beats", payload, peer))
	} else {
		l.mgr.fail("beats", "bad_json")
	}
	l.account(conn, seq, st)
	return nil
}

// readKVData handles the v2 key/value data frame by converting it to a JSON
// record, so a single normalization path serves both frame kinds.
func (l *Beats) readKVData(r *bufio.Reader, conn net.Conn, peer string, st *ljState) error {
	var seq, pairs uint32
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &pairs); err != nil {
		return err
	}
	if pairs > 4096 {
		return fmt.Errorf("data frame pair count too large: %d", pairs)
	}

	record := make(map[string]string, pairs)
	readStr := func() (string, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		if n > ljMaxPayload {
			return "", fmt.Errorf("data frame string too large: %d", n)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}
	for i := uint32(0); i < pairs; i++ {
		k, err := readStr()
		if err != nil {
			return err
		}
		v, err := readStr()
		if err != nil {
			return err
		}
		record[k] = v
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	l.mgr.deliver(frame("beats", payload, peer))
	l.account(conn, seq, st)
	return nil
}

// account tracks window progress and ACKs the highest sequence when the
// window completes.
func (l *Beats) account(conn net.Conn, seq uint32, st *ljState) {
	if seq > st.maxSeq {
		st.maxSeq = seq
	}
	st.inWindow++
	if st.windowSize > 0 && st.inWindow >= st.windowSize {
		st.inWindow = 0
		ack := [6]byte{ljVersion, ljAck}
		binary.BigEndian.PutUint32(ack[2:], st.maxSeq)
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_, _ = conn.Write(ack[:])
	}
}
