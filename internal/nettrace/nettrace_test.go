package nettrace

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetricsLogNil(t *testing.T) {
	var m *Metrics
	if got := m.Log(); got.TotalMs != 0 {
		t.Errorf("nil metrics TotalMs = %v", got.TotalMs)
	}
}

func TestDoReadsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	req, err := http.NewRequest("GET", srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Wrap(srv.Client()).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests || resp.OK() {
		t.Errorf("status = %d ok=%v", resp.StatusCode, resp.OK())
	}
	if string(resp.Body) != "slow down" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Header.Get("X-Test") != "1" {
		t.Error("header not propagated")
	}
	if resp.Metrics == nil || resp.Metrics.Total <= 0 {
		t.Error("expected total duration")
	}
}
