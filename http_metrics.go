package presale

import (
	"expvar"
	"net/http"
	"strconv"
)

// countingTransport tallies upstream response codes into an expvar map. The
// ledger RPC clients run it over their rate-limited transports so endpoint
// behaviour shows up under external_http_responses_total.
type countingTransport struct {
	Base    http.RoundTripper
	Counter *expvar.Map
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err == nil && resp != nil {
		incrementResponseCount(t.Counter, resp.StatusCode)
	}
	return resp, err
}

func incrementResponseCount(counter *expvar.Map, code int) {
	if counter == nil {
		return
	}
	counter.Add(strconv.Itoa(code), 1)
}

// statusRecorder captures the status a handler wrote so the response-metrics
// middleware can count it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
