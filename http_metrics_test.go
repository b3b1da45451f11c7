package presale

import (
	"context"
	"expvar"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestCountingTransportTalliesResponseCodes(t *testing.T) {
	t.Parallel()

	counter := new(expvar.Map).Init()
	transport := &countingTransport{
		Counter: counter,
		Base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader("upstream sad")),
				Request:    req,
			}, nil
		}),
	}

	client := &http.Client{Transport: transport}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://example.com", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	for i := 0; i < 3; i++ {
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	count, ok := counter.Get("502").(*expvar.Int)
	if !ok || count.Value() != 3 {
		t.Fatalf("counter for 502 = %v, want 3", counter.Get("502"))
	}
}

func TestCountingTransportIgnoresTransportErrors(t *testing.T) {
	t.Parallel()

	counter := new(expvar.Map).Init()
	transport := &countingTransport{
		Counter: counter,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, io.ErrUnexpectedEOF
		}),
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://example.com", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if _, err := transport.RoundTrip(req); err == nil {
		t.Fatal("expected the transport error to surface")
	}
	counter.Do(func(kv expvar.KeyValue) {
		t.Fatalf("transport error was counted as %s=%s", kv.Key, kv.Value)
	})
}
