package listeners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loghive/loghive/pkg/models"
)

const fluentMaxBody = 32 * 1024 * 1024

// Fluent serves the Fluent forward-over-HTTP input: POST bodies carrying
// JSON or msgpack entries. The URL path supplies the tag
// (POST /myapp.access), matching the fluentd in_http contract.
type Fluent struct {
	addr string
	mgr  *Manager
	srv  *http.Server
}

// NewFluent creates the listener.
func NewFluent(addr string, mgr *Manager) *Fluent {
	return &Fluent{addr: addr, mgr: mgr}
}

func (l *Fluent) Name() string { return "fluent" }

// Run serves HTTP until ctx is cancelled.
func (l *Fluent) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handlePost)
	l.srv = &http.Server{
		Addr:              l.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("fluent http: %w", err)
	}
}

func (l *Fluent) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tag := strings.Trim(r.URL.Path, "/")
	if tag == "" {
		tag = "fluent"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, fluentMaxBody+1))
	if err != nil || len(body) == 0 || len(body) > fluentMaxBody {
		l.mgr.fail("fluent", "bad_body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	peer := r.RemoteAddr
	received := time.Now().UTC()

	var entries []fluentWireEntry
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "msgpack") {
		entries, err = decodeFluentMsgpack(body, tag)
	} else {
		entries, err = decodeFluentJSON(body, tag)
	}
	if err != nil {
		l.mgr.fail("fluent", "undecodable")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			l.mgr.fail("fluent", "marshal")
			continue
		}
		l.mgr.deliver(frameAt("fluent", payload, peer, received, tag))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// fluentWireEntry is the canonical per-entry form handed to the normalizer.
type fluentWireEntry struct {
	Tag    string         `json:"tag"`
	Time   float64        `json:"time"`
	Record map[string]any `json:"record"`
}

// decodeFluentJSON accepts the forward array forms and bare records:
//
//	{...record...}
//	[{...record...}, ...]
//	["tag", time, {...record...}]
//	["tag", [[time, {...record...}], ...]]
func decodeFluentJSON(body []byte, defaultTag string) ([]fluentWireEntry, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return fluentEntriesFromAny(raw, defaultTag)
}

func decodeFluentMsgpack(body []byte, defaultTag string) ([]fluentWireEntry, error) {
	var raw any
	if err := msgpack.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return fluentEntriesFromAny(normalizeMsgpack(raw), defaultTag)
}

// normalizeMsgpack converts msgpack's map[any]any containers to
// map[string]any so both decoders feed one extraction path.
func normalizeMsgpack(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalizeMsgpack(val)
			}
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeMsgpack(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeMsgpack(val)
		}
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}

func fluentEntriesFromAny(raw any, defaultTag string) ([]fluentWireEntry, error) {
	switch t := raw.(type) {
	case map[string]any:
		return []fluentWireEntry{{Tag: defaultTag, Record: t}}, nil

	case []any:
		if len(t) == 0 {
			return nil, errors.New("empty entry array")
		}
		// ["tag", ...] forward forms.
		if tag, ok := t[0].(string); ok {
			return forwardEntries(tag, t[1:])
		}
		// Plain array of records.
		out := make([]fluentWireEntry, 0, len(t))
		for _, item := range t {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, errors.New("entry is not a record")
			}
			out = append(out, fluentWireEntry{Tag: defaultTag, Record: rec})
		}
		return out, nil

	default:
		return nil, errors.New("unsupported body shape")
	}
}

func forwardEntries(tag string, rest []any) ([]fluentWireEntry, error) {
	if len(rest) == 2 {
		// ["tag", time, record]
		if ts, ok := toFloat(rest[0]); ok {
			if rec, ok := rest[1].(map[string]any); ok {
				return []fluentWireEntry{{Tag: tag, Time: ts, Record: rec}}, nil
			}
		}
	}
	if len(rest) == 1 {
		// ["tag", [[time, record], ...]]
		batch, ok := rest[0].([]any)
		if !ok {
			return nil, errors.New("malformed forward batch")
		}
		out := make([]fluentWireEntry, 0, len(batch))
		for _, item := range batch {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				return nil, errors.New("malformed forward pair")
			}
			ts, _ := toFloat(pair[0])
			rec, ok := pair[1].(map[string]any)
			if !ok {
				return nil, errors.New("malformed forward record")
			}
			out = append(out, fluentWireEntry{Tag: tag, Time: ts, Record: rec})
		}
		return out, nil
	}
	return nil, errors.New("malformed forward entry")
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

// frameAt builds a frame with an explicit arrival time and source hint.
func frameAt(proto string, payload []byte, peer string, at time.Time, hint string) models.RawFrame {
	f := frame(proto, payload, stripPort(peer))
	f.ReceivedAt = at
	f.SourceHint = hint
	return f
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
