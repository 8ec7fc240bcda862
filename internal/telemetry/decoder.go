// Package telemetry turns raw notification payloads from the bottle into
// typed sensor readings. Several firmware generations are in the field, each
// with its own payload shape, so decoding is a tolerant parse cascade rather
// than a single schema.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Reading is one decoded distance sample. Immutable after construction.
type Reading struct {
	DistanceMM  float64
	RawLevelPct *float64 // firmware's own percentage, if it sent one
	Timestamp   time.Time
	SourceID    string // peripheral ID the sample came from
}

// Decoder parses notification payloads. Safe for concurrent use.
type Decoder struct {
	dropped atomic.Uint64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

type payloadV2 struct {
	P *float64 `json:"p"`
	D *float64 `json:"d"`
}

type payloadV1 struct {
	Distance *float64 `json:"distance"`
	Level    *float64 `json:"level"`
}

// Decode produces a Reading from a raw payload, or nil if no known shape
// matches. Shapes are tried newest-first and the first success wins:
//
//  1. {"p": <percent>, "d": <distance_mm>}
//  2. {"distance": <distance_mm>, ...}
//  3. bare ASCII number (oldest firmware sent just the millimeter count)
//
// A payload that defeats all three is logged, counted, and dropped; it never
// propagates an error into the notification pipeline.
func (d *Decoder) Decode(payload []byte, sourceID string) *Reading {
	now := time.Now()

	if r := parseCompact(payload, sourceID, now); r != nil {
		return r
	}
	if r := parseVerbose(payload, sourceID, now); r != nil {
		return r
	}
	if r := parseBare(payload, sourceID, now); r != nil {
		return r
	}

	d.dropped.Add(1)
	logrus.Debugf("telemetry: dropping unparseable payload from %s: %q", sourceID, payload)
	return nil
}

// Dropped returns the count of payloads discarded as unparseable.
func (d *Decoder) Dropped() uint64 {
	return d.dropped.Load()
}

func parseCompact(payload []byte, sourceID string, ts time.Time) *Reading {
	var v payloadV2
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	if v.D == nil || math.IsNaN(*v.D) {
		return nil
	}
	r := &Reading{DistanceMM: *v.D, Timestamp: ts, SourceID: sourceID}
	if v.P != nil && !math.IsNaN(*v.P) {
		pct := *v.P
		r.RawLevelPct = &pct
	}
	return r
}

func parseVerbose(payload []byte, sourceID string, ts time.Time) *Reading {
	var v payloadV1
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	if v.Distance == nil || math.IsNaN(*v.Distance) {
		return nil
	}
	r := &Reading{DistanceMM: *v.Distance, Timestamp: ts, SourceID: sourceID}
	if v.Level != nil && !math.IsNaN(*v.Level) {
		pct := *v.Level
		r.RawLevelPct = &pct
	}
	return r
}

func parseBare(payload []byte, sourceID string, ts time.Time) *Reading {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return nil
	}
	mm, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(mm) {
		return nil
	}
	return &Reading{DistanceMM: mm, Timestamp: ts, SourceID: sourceID}
}
