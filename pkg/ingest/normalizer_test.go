package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func testFrame(proto string, payload string) models.RawFrame {
	return models.RawFrame{
		Proto:      proto,
		Payload:    []byte(payload),
		PeerAddr:   "192.0.2.10:51412",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestNormalize_SyslogRFC3164(t *testing.T) {
	n := NewNormalizer()
	ev, err := n.Normalize(testFrame("syslog",
		"<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8"))
	require.NoError(t, err)

	// PRI 34 = facility 4 (auth), severity 2 (critical).
	assert.Equal(t, models.LevelCritical, ev.Level)
	assert.Equal(t, "mymachine", ev.Source)
	assert.Equal(t, "mymachine", ev.Host)
	assert.Equal(t, "auth", ev.Category)
	assert.Contains(t, ev.Message, "'su root' failed")
	assert.Equal(t, "192.0.2.10", ev.PeerIP)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(ev.Metadata, &meta))
	assert.Equal(t, float64(4), meta["facility"])
	assert.Equal(t, float64(2), meta["severity"])
	assert.Equal(t, "su", meta["program"])
}

func TestNormalize_SyslogRFC5424(t *testing.T) {
	n := NewNormalizer()
	ev, err := n.Normalize(testFrame("syslog",
		`<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog 1234 ID47 - An application event`))
	require.NoError(t, err)

	// PRI 165 = facility 20 (local4), severity 5 (notice → info).
	assert.Equal(t, models.LevelInfo, ev.Level)
	assert.Equal(t, "local4", ev.Category)
	assert.Equal(t, "mymachine.example.com", ev.Host)
	assert.Equal(t, "evntslog", ev.Source)
	assert.Equal(t, "An application event", ev.Message)
}

func TestNormalize_SyslogBadPRI(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Normalize(testFrame("syslog", "no pri here"))
	require.Error(t, err)
	var ne *NormalizeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "missing_pri", ne.Reason)
}

func TestNormalize_GELF(t *testing.T) {
	n := NewNormalizer()
	ev, err := n.Normalize(testFrame("gelf",
		`{"version":"1.1","host":"h","short_message":"hi","level":6,"_k":"v","timestamp":1700000000.25}`))
	require.NoError(t, err)

	assert.Equal(t, models.LevelInfo, ev.Level)
	assert.Equal(t, "h", ev.Source)
	assert.Equal(t, "hi", ev.Message)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(ev.Metadata, &meta))
	assert.Equal(t, "v", meta["_k"])
}

func TestNormalize_HTTPSourcePriority(t *testing.T) {
	n := NewNormalizer()

	cases := []struct {
		name   string
		record string
		want   string
	}{
		{"automation wins", `{"message":"m","automation_name":"auto","entity_id":"e","source":"s"}`, "auto"},
		{"entity next", `{"message":"m","entity_id":"light.kitchen","source":"s"}`, "light.kitchen"},
		{"domain dot service", `{"message":"m","domain":"media","service":"play"}`, "media.play"},
		{"explicit source", `{"message":"m","source":"worker-3"}`, "worker-3"},
		{"category fallback", `{"message":"m","category":"billing"}`, "billing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := n.Normalize(testFrame("http", tc.record))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Source)
		})
	}
}

func TestNormalize_LevelFolding(t *testing.T) {
	n := NewNormalizer()
	ev, err := n.Normalize(testFrame("http", `{"message":"m","level":"FATAL"}`))
	require.NoError(t, err)
	assert.Equal(t, models.LevelCritical, ev.Level)
	assert.True(t, ev.HasTag("normalized_level=fatal"))

	ev, err = n.Normalize(testFrame("http", `{"message":"m","level":"weird"}`))
	require.NoError(t, err)
	assert.Equal(t, models.LevelInfo, ev.Level)
	assert.True(t, ev.HasTag("normalized_level=weird"))
}

func TestNormalize_MessageBoundary(t *testing.T) {
	n := NewNormalizer()

	exact := strings.Repeat("a", models.MaxMessageBytes)
	ev, err := n.Normalize(testFrame("http", `{"message":"`+exact+`"}`))
	require.NoError(t, err)
	assert.Len(t, ev.Message, models.MaxMessageBytes)
	assert.False(t, ev.HasTag("truncated=true"))

	over := strings.Repeat("a", models.MaxMessageBytes+1)
	ev, err = n.Normalize(testFrame("http", `{"message":"`+over+`"}`))
	require.NoError(t, err)
	assert.True(t, ev.HasTag("truncated=true"))
	assert.True(t, strings.HasSuffix(ev.Message, "…"))
	assert.LessOrEqual(t, len(ev.Message), models.MaxMessageBytes+len("…"))
}

func TestNormalize_ClockSkewClamped(t *testing.T) {
	n := NewNormalizer()
	frame := testFrame("http", `{"message":"m","timestamp":"2001-01-01T00:00:00Z"}`)
	ev, err := n.Normalize(frame)
	require.NoError(t, err)

	assert.True(t, ev.HasTag("clock_skew=true"))
	assert.Equal(t, frame.ReceivedAt.Add(-24*time.Hour).Truncate(time.Millisecond), ev.Timestamp)

	future := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	ev, err = n.Normalize(testFrame("http", `{"message":"m","timestamp":"`+future+`"}`))
	require.NoError(t, err)
	assert.True(t, ev.HasTag("clock_skew=true"))
	assert.True(t, ev.Timestamp.Before(time.Now().Add(61*time.Minute)))
}

func TestNormalize_FluentEntry(t *testing.T) {
	n := NewNormalizer()
	// The entry time lies inside the skew window so the clamp leaves it alone.
	ts := time.Now().Add(-10 * time.Minute).Unix()
	ev, err := n.Normalize(testFrame("fluent",
		`{"tag":"app.access","time":`+strconv.FormatInt(ts, 10)+`,"record":{"message":"GET /","level":"info"}}`))
	require.NoError(t, err)

	assert.Equal(t, "app.access", ev.Source)
	assert.Equal(t, "app", ev.Category)
	assert.Equal(t, "GET /", ev.Message)
	assert.Equal(t, ts, ev.Timestamp.Unix())
}

func TestNormalize_FileLineHeuristics(t *testing.T) {
	n := NewNormalizer()

	frame := testFrame("file", "2024-01-01 ERROR something broke")
	frame.PeerAddr = ""
	frame.SourceHint = "app.log"
	ev, err := n.Normalize(frame)
	require.NoError(t, err)
	assert.Equal(t, models.LevelError, ev.Level)
	assert.Equal(t, "app.log", ev.Source)
	assert.Empty(t, ev.PeerIP)

	jsonFrame := testFrame("file", `{"message":"structured","level":"warn"}`)
	jsonFrame.SourceHint = "app.jsonl"
	ev, err = n.Normalize(jsonFrame)
	require.NoError(t, err)
	assert.Equal(t, models.LevelWarn, ev.Level)
	assert.Equal(t, "app.jsonl", ev.Source)
}

func TestNormalize_DedupKeyAndMinuteBucket(t *testing.T) {
	n := NewNormalizer()
	ev, err := n.Normalize(testFrame("http", `{"message":"m","dedup_key":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", ev.DedupKey)
	assert.Equal(t, ev.Timestamp.UTC().Unix()/60, ev.MinuteBucket())
}
