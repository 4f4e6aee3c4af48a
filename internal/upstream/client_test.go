package upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(endpoints []string, rt roundTripperFunc) *Client {
	c := NewClient(endpoints, time.Second, time.Second)
	httpClient := &http.Client{Transport: rt}
	c.SetHTTPClients(httpClient, httpClient)
	return c
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRequestWireContract(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	client := newTestClient([]string{"https://upstream.test/v1internal"}, func(r *http.Request) (*http.Response, error) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		return textResponse(200, `{"response":{}}`), nil
	})

	payload := map[string]string{"model": "gemini-3-flash"}
	if _, err := client.GenerateContent(context.Background(), "tok-123", payload); err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}

	if got.URL.String() != "https://upstream.test/v1internal:generateContent" {
		t.Errorf("URL = %s", got.URL)
	}
	// The upstream rejects requests whose headers deviate from the CLI's.
	wantHeaders := map[string]string{
		"Authorization":     "Bearer tok-123",
		"Content-Type":      "application/json",
		"X-Goog-Api-Client": "gl-node/openclaw",
		"User-Agent":        "GeminiCLI/0.26.0 (darwin; arm64)",
	}
	for k, v := range wantHeaders {
		if got.Header.Get(k) != v {
			t.Errorf("header %s = %q, want %q", k, got.Header.Get(k), v)
		}
	}
	if len(got.Header) != len(wantHeaders) {
		t.Errorf("exactly four headers expected, got %v", got.Header)
	}
	// Explicit Content-Length, never chunked.
	if got.ContentLength != int64(len(gotBody)) {
		t.Errorf("ContentLength = %d, body is %d bytes", got.ContentLength, len(gotBody))
	}
	if len(got.TransferEncoding) != 0 {
		t.Errorf("TransferEncoding = %v, want none", got.TransferEncoding)
	}
}

func TestStreamURLCarriesAltSSE(t *testing.T) {
	var gotURL string
	client := newTestClient([]string{"https://upstream.test/v1internal"}, func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		return textResponse(200, "data: [DONE]\n\n"), nil
	})

	stream, err := client.StreamGenerateContent(context.Background(), "tok", map[string]string{})
	if err != nil {
		t.Fatalf("StreamGenerateContent: %v", err)
	}
	defer stream.Body.Close()

	if gotURL != "https://upstream.test/v1internal:streamGenerateContent?alt=sse" {
		t.Errorf("URL = %s", gotURL)
	}
}

func TestFailoverOn5xx(t *testing.T) {
	var calls []string
	client := newTestClient([]string{"https://a.test/v1", "https://b.test/v1"}, func(r *http.Request) (*http.Response, error) {
		calls = append(calls, r.URL.Host)
		if r.URL.Host == "a.test" {
			return textResponse(503, "unavailable"), nil
		}
		return textResponse(200, `{"ok":true}`), nil
	})

	resp, err := client.GenerateContent(context.Background(), "tok", map[string]string{})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d, want 200 from the second endpoint", resp.Status)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want both endpoints", calls)
	}
}

func Test429SurfacesWithoutFailover(t *testing.T) {
	var calls int
	client := newTestClient([]string{"https://a.test/v1", "https://b.test/v1"}, func(r *http.Request) (*http.Response, error) {
		calls++
		return textResponse(429, `{"error":{"message":"too many requests"}}`), nil
	})

	resp, err := client.GenerateContent(context.Background(), "tok", map[string]string{})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if resp.Status != 429 {
		t.Errorf("status = %d, want the 429 surfaced", resp.Status)
	}
	// Quota decisions are endpoint-independent; the second endpoint is not tried.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLastResponseWinsWhenAll5xx(t *testing.T) {
	client := newTestClient([]string{"https://a.test/v1", "https://b.test/v1"}, func(r *http.Request) (*http.Response, error) {
		return textResponse(502, "bad gateway"), nil
	})

	resp, err := client.GenerateContent(context.Background(), "tok", map[string]string{})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if resp.Status != 502 {
		t.Errorf("status = %d, want the last 5xx delivered", resp.Status)
	}
}

func TestLoadCodeAssist(t *testing.T) {
	client := newTestClient([]string{"https://upstream.test/v1"}, func(r *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(r.URL.Path, ":loadCodeAssist") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		return textResponse(200, `{"cloudaicompanionProject":"proj-42","paidTier":{"id":"g1-standard"}}`), nil
	})

	projectID, paid, err := client.LoadCodeAssist(context.Background(), "tok")
	if err != nil {
		t.Fatalf("LoadCodeAssist: %v", err)
	}
	if projectID != "proj-42" || !paid {
		t.Errorf("projectID=%q paid=%v", projectID, paid)
	}
}

func TestResponseHelpers(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte(`{"a":1}`)}
	if !resp.OK() {
		t.Error("200 should be OK")
	}
	var v map[string]int
	if err := resp.JSON(&v); err != nil || v["a"] != 1 {
		t.Errorf("JSON = %v, %v", v, err)
	}
	if (&Response{Status: 429}).OK() {
		t.Error("429 is not OK")
	}
}
