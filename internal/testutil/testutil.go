// Package testutil provides common test utilities and helpers for CrisisRelay tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Epoch is the default start time for a Clock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source. Pass Clock.Now wherever a component takes a
// clock option.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start, or at Epoch when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Response is an APIResponse whose result is left undecoded.
type Response struct {
	Status  string          `json:"status"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// NewJSONRequest creates a request with body encoded as JSON and the given headers set.
func NewJSONRequest(t *testing.T, method, url string, body interface{}, headers map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		buf.Write(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, url, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

// DecodeResponse decodes a JSON API envelope. Non-JSON bodies yield a zero Response.
func DecodeResponse(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var res Response
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		return res
	}
	MustUnmarshalJSON(t, rr.Body.Bytes(), &res)
	return res
}

// AssertAPIStatus fails the test unless the envelope carries the expected status.
func AssertAPIStatus(t *testing.T, res Response, expected models.APIStatus) {
	t.Helper()
	if res.Status != string(expected) {
		t.Errorf("expected API status %q, got %q (message %q)", expected, res.Status, res.Message)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
