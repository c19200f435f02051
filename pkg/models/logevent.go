// Package models defines the data types shared across the ingestion pipeline,
// store, search engine and API layers.
package models

import (
	"encoding/json"
	"time"
)

// Level is the severity of a log event. Only the five canonical values ever
// reach storage; anything else is folded to LevelInfo by the normalizer.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists the canonical levels in ascending severity order.
var Levels = [...]Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical}

var levelRank = map[Level]int{
	LevelDebug:    0,
	LevelInfo:     1,
	LevelWarn:     2,
	LevelError:    3,
	LevelCritical: 4,
}

// Rank returns the severity rank of l (debug=0 .. critical=4), or -1 for
// values outside the enum.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether l is one of the five canonical levels.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// MaxMessageBytes is the cap on LogEvent.Message. Longer messages are
// truncated with a trailing ellipsis and tagged truncated=true.
const MaxMessageBytes = 64 * 1024

// MaxMetadataBytes is the cap on the serialized metadata blob.
const MaxMetadataBytes = 8 * 1024

// MaxCategoryLen bounds the free-form category field.
const MaxCategoryLen = 64

// GeoInfo is the geographic enrichment derived from the peer address.
type GeoInfo struct {
	Country string  `json:"country,omitempty"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	TZ      string  `json:"tz,omitempty"`
}

// UserAgentInfo is the parsed client user-agent, when one was presented.
type UserAgentInfo struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
}

// LogEvent is the canonical normalized record. Created by the normalizer,
// enriched in place, then immutable once persisted.
type LogEvent struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`   // event time (protocol-supplied, else arrival)
	IngestTime time.Time       `json:"ingest_time"` // arrival time, always set by the normalizer
	Level      Level           `json:"level"`
	Source     string          `json:"source"`
	Category   string          `json:"category"`
	Message    string          `json:"message"`
	Host       string          `json:"host,omitempty"`
	PeerIP     string          `json:"peer_ip,omitempty"`
	Geo        *GeoInfo        `json:"geo,omitempty"`
	UserAgent  *UserAgentInfo  `json:"user_agent,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	DedupKey   string          `json:"dedup_key,omitempty"`

	// RawUserAgent carries the unparsed User-Agent header from HTTP ingest
	// paths to the enricher. Never serialized or stored.
	RawUserAgent string `json:"-"`
}

// AddTag appends tag unless already present.
func (e *LogEvent) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// HasTag reports whether the event carries tag.
func (e *LogEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MinuteBucket returns the event-time minute bucket used by the
// (dedup_key, minute) uniqueness constraint.
func (e *LogEvent) MinuteBucket() int64 {
	return e.Timestamp.UTC().Unix() / 60
}

// RawFrame is the unit handed from a protocol listener to the normalizer:
// one framed, decompressed (but unparsed) payload plus transport context.
type RawFrame struct {
	Proto      string    // "syslog", "gelf", "beats", "fluent", "http", "file"
	Payload    []byte
	PeerAddr   string    // transport remote address; empty for file frames
	ReceivedAt time.Time // arrival instant, becomes ingest_time
	UserAgent  string    // HTTP User-Agent header, when the transport has one
	SourceHint string    // listener-supplied fallback source (file name, fluent tag)
}
