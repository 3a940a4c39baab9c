// Package flow defines the Flow, Request/Response, and Modified Response
// data model shared across the hub (spec.md §3).
package flow

// Headers maps a case-preserving header name to a single value, matching
// the agent-facing protocol's single-valued header maps (§6). Header order
// is not preserved.
type Headers map[string]string

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request is the captured outbound request half of a Flow.
type Request struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body"`
}

// Response is the captured (or absent) inbound response half of a Flow.
type Response struct {
	StatusCode int     `json:"status_code"`
	Reason     string  `json:"reason,omitempty"`
	Headers    Headers `json:"headers"`
	Body       []byte  `json:"body"`
}

// Flow is a single observed request/response pair (spec.md §3).
type Flow struct {
	ID        string   `json:"flow_id"`
	Request   Request  `json:"request"`
	Response  *Response `json:"response,omitempty"`
	Timestamp float64  `json:"timestamp"` // agent wall-clock, seconds
	Duration  float64  `json:"duration"`  // seconds

	ProjectID   string `json:"project_id,omitempty"`
	PackageName string `json:"package_name,omitempty"`

	Paused        bool   `json:"paused"`
	Modified      bool   `json:"modified"`
	MockApplied   bool   `json:"mock_applied"`
	MockRuleName  string `json:"mock_rule_name,omitempty"`
	MockRuleID    string `json:"mock_rule_id,omitempty"`
}

// Clone returns a deep copy of f so that Flow Store mutations never alias
// a caller's struct (spec.md §5: writes are serialised, snapshots must be
// stable).
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	out := *f
	out.Request.Headers = f.Request.Headers.Clone()
	if len(f.Request.Body) > 0 {
		out.Request.Body = append([]byte(nil), f.Request.Body...)
	}
	if f.Response != nil {
		resp := *f.Response
		resp.Headers = f.Response.Headers.Clone()
		if len(f.Response.Body) > 0 {
			resp.Body = append([]byte(nil), f.Response.Body...)
		}
		out.Response = &resp
	}
	return &out
}

// EstimatedBytes returns the Flow Store's per-flow memory estimate: a fixed
// overhead plus the byte lengths of url, request/response body, and
// stringified headers (spec.md §4.3).
func (f *Flow) EstimatedBytes() int64 {
	const perFlowOverhead = 512

	size := int64(perFlowOverhead)
	size += int64(len(f.Request.URL))
	size += int64(len(f.Request.Body))
	size += headersSize(f.Request.Headers)
	if f.Response != nil {
		size += int64(len(f.Response.Body))
		size += headersSize(f.Response.Headers)
	}
	return size
}

func headersSize(h Headers) int64 {
	var n int64
	for k, v := range h {
		n += int64(len(k) + len(v))
	}
	return n
}

// ModifiedResponse is the wire reply the agent applies in place of the
// remote response. All-null fields are the original-sentinel (spec.md §3,
// §6).
type ModifiedResponse struct {
	StatusCode *int     `json:"status_code"`
	Headers    *Headers `json:"headers"`
	Body       *string  `json:"body"`
}

// OriginalSentinel is the all-null Modified Response instructing the agent
// to use the remote response unchanged.
func OriginalSentinel() ModifiedResponse {
	return ModifiedResponse{}
}

// IsOriginal reports whether m is the original-sentinel.
func (m ModifiedResponse) IsOriginal() bool {
	return m.StatusCode == nil && m.Headers == nil && m.Body == nil
}

// FromRuleResponse builds a fully-populated Modified Response from a mock
// rule's canned (status, headers, body) — spec.md §4.4 "Response synthesis".
func FromRuleResponse(status int, headers Headers, body []byte) ModifiedResponse {
	s := status
	h := headers.Clone()
	b := string(body)
	return ModifiedResponse{StatusCode: &s, Headers: &h, Body: &b}
}

// Equal reports whether two Modified Responses encode the same reply,
// used by the Project Interceptor to decide whether a Debug resolution
// differs from the value present at enqueue time (spec.md §4.5).
func (m ModifiedResponse) Equal(other ModifiedResponse) bool {
	if (m.StatusCode == nil) != (other.StatusCode == nil) {
		return false
	}
	if m.StatusCode != nil && *m.StatusCode != *other.StatusCode {
		return false
	}
	if (m.Body == nil) != (other.Body == nil) {
		return false
	}
	if m.Body != nil && *m.Body != *other.Body {
		return false
	}
	if (m.Headers == nil) != (other.Headers == nil) {
		return false
	}
	if m.Headers != nil {
		a, b := *m.Headers, *other.Headers
		if len(a) != len(b) {
			return false
		}
		for k, v := range a {
			if b[k] != v {
				return false
			}
		}
	}
	return true
}
