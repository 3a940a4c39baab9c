// Package wire implements the line-delimited JSON protocol spoken between
// agents and the Ingress Server (spec.md §6).
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/interceptorhub/internal/flow"
)

// Ping is the literal line an agent sends for a liveness probe.
const Ping = "PING"

// Pong is the literal reply to Ping.
const Pong = "PONG"

// wireFlow mirrors the exact on-wire Flow JSON schema (§6): lower-snake
// field names, string bodies, millisecond timestamps, and nullable
// project/package identifiers. It is converted to/from flow.Flow, whose
// in-memory units differ (body as bytes, timestamps in seconds).
type wireFlow struct {
	FlowID  string `json:"flow_id"`
	Request struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	} `json:"request"`
	Response *struct {
		StatusCode int               `json:"status_code"`
		Headers    map[string]string `json:"headers"`
		Body       string            `json:"body"`
	} `json:"response"`
	Timestamp   float64 `json:"timestamp"`
	Duration    float64 `json:"duration"`
	ProjectID   *string `json:"project_id"`
	PackageName *string `json:"package_name"`
}

// requiredPaths are probed with gjson before the full decode, so a grossly
// malformed or truncated line fails fast without allocating the full
// wireFlow (SPEC_FULL.md §3, "Fast flow-JSON pre-validation").
var requiredPaths = []string{"flow_id", "request.method", "request.url"}

// DecodeFlow parses one wire-protocol line into a flow.Flow. Any failure
// is a Protocol-class error (spec.md §7): the caller replies with the
// original-sentinel and records nothing.
func DecodeFlow(line []byte) (*flow.Flow, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("wire: invalid json")
	}
	for _, path := range requiredPaths {
		if !gjson.GetBytes(line, path).Exists() {
			return nil, fmt.Errorf("wire: missing required field %q", path)
		}
	}

	var w wireFlow
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("wire: decode flow: %w", err)
	}
	if w.FlowID == "" || w.Request.Method == "" || w.Request.URL == "" {
		return nil, fmt.Errorf("wire: empty required field")
	}

	f := &flow.Flow{
		ID: w.FlowID,
		Request: flow.Request{
			Method:  w.Request.Method,
			URL:     w.Request.URL,
			Headers: flow.Headers(w.Request.Headers),
			Body:    []byte(w.Request.Body),
		},
		Timestamp: w.Timestamp / 1000,
		Duration:  w.Duration / 1000,
	}
	if w.Response != nil {
		f.Response = &flow.Response{
			StatusCode: w.Response.StatusCode,
			Headers:    flow.Headers(w.Response.Headers),
			Body:       []byte(w.Response.Body),
		}
	}
	if w.ProjectID != nil {
		f.ProjectID = *w.ProjectID
	}
	if w.PackageName != nil {
		f.PackageName = *w.PackageName
	}
	return f, nil
}

// EncodeModifiedResponse serialises a Modified Response as a single JSON
// line (without the trailing newline, which the caller appends).
func EncodeModifiedResponse(m flow.ModifiedResponse) ([]byte, error) {
	return json.Marshal(m)
}
