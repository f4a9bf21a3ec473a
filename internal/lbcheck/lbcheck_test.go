package lbcheck

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mlgateway/internal/gateway"
	"mlgateway/internal/server"
	"mlgateway/internal/services/ner"
)

type stubAnnotator struct{}

func (stubAnnotator) Annotate(context.Context, string) ([]ner.Entity, error) { return []ner.Entity{}, nil }

// roundRobin starts n gateway replicas behind a proxy that rotates between them.
func roundRobin(t *testing.T, n int) *httptest.Server {
	t.Helper()
	var proxies []*httputil.ReverseProxy
	for i := 0; i < n; i++ {
		g := gateway.New(gateway.Deps{NER: ner.Loaded(stubAnnotator{}), InstanceID: fmt.Sprintf("replica-%d", i)})
		backend := httptest.NewServer(server.New(g, server.Options{}))
		t.Cleanup(backend.Close)
		u, _ := url.Parse(backend.URL)
		proxies = append(proxies, httputil.NewSingleHostReverseProxy(u))
	}
	var next uint64
	lb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddUint64(&next, 1) % uint64(len(proxies))
		proxies[i].ServeHTTP(w, r)
	}))
	t.Cleanup(lb.Close)
	return lb
}

func TestRunSeesEveryReplica(t *testing.T) {
	lb := roundRobin(t, 4)
	tally, err := Run(context.Background(), Options{URL: lb.URL + "/ner", Requests: 40, Workers: 8, Timeout: 5 * time.Second})
	if err != nil { t.Fatal(err) }
	if got := len(tally.Containers()); got != 4 {
		t.Fatalf("expected 4 containers, got %d: %v", got, tally.Counts)
	}
	if !tally.Distributed() || tally.Successful() != 40 || tally.Failed() != 0 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	for _, c := range tally.Containers() {
		if tally.Counts[c] != 10 {
			t.Fatalf("round robin should split evenly, got %v", tally.Counts)
		}
	}
}

func TestRunSingleReplicaFails(t *testing.T) {
	lb := roundRobin(t, 1)
	tally, err := Run(context.Background(), Options{URL: lb.URL + "/ner", Requests: 5, Workers: 2, Timeout: 5 * time.Second})
	if err != nil { t.Fatal(err) }
	if tally.Distributed() {
		t.Fatalf("one replica must not count as distributed: %v", tally.Counts)
	}
	var buf bytes.Buffer
	tally.Report(&buf)
	if !strings.Contains(buf.String(), "FAIL") || !strings.Contains(buf.String(), "replica-0") {
		t.Fatalf("report:\n%s", buf.String())
	}
}

func TestRunBuckets(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) % 3 {
		case 0:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 1:
			_, _ = w.Write([]byte(`{"entities":[]}`))
		default:
			_, _ = w.Write([]byte(`{"container_id":"abc"}`))
		}
	}))
	defer ts.Close()

	tally, err := Run(context.Background(), Options{URL: ts.URL, Requests: 6, Workers: 1, Timeout: 5 * time.Second})
	if err != nil { t.Fatal(err) }
	if tally.Counts["HTTP_503"] != 2 || tally.Counts[BucketUnknown] != 2 || tally.Counts["abc"] != 2 {
		t.Fatalf("unexpected buckets %v", tally.Counts)
	}
	if tally.Failed() != 2 || tally.Successful() != 4 || len(tally.Containers()) != 1 {
		t.Fatalf("unknown replies count as successful but not as containers: %+v", tally)
	}
}

func TestRunConnectionFailed(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	u := ts.URL
	ts.Close()
	tally, err := Run(context.Background(), Options{URL: u, Requests: 3, Workers: 3, Timeout: 2 * time.Second})
	if err != nil { t.Fatal(err) }
	if tally.Counts[BucketConnectionFailed] != 3 {
		t.Fatalf("expected connection failures, got %v", tally.Counts)
	}
}

func TestRunTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	tally, err := Run(context.Background(), Options{URL: ts.URL, Requests: 2, Workers: 2, Timeout: 50 * time.Millisecond})
	if err != nil { t.Fatal(err) }
	if tally.Counts[BucketTimeout] != 2 {
		t.Fatalf("expected timeouts, got %v", tally.Counts)
	}
}

func TestReportTruncatesLongIDs(t *testing.T) {
	tally := &Tally{Counts: map[string]int{"0123456789abcdefghijklmnop": 3, "HTTP_500": 1}, Total: 4}
	var buf bytes.Buffer
	tally.Report(&buf)
	out := buf.String()
	if strings.Contains(out, "0123456789abcdefghijklmnop") || !strings.Contains(out, "0123456789abcdefghijkl") {
		t.Fatalf("id not truncated:\n%s", out)
	}
	if !strings.Contains(out, "███") || !strings.Contains(out, "WARNING") {
		t.Fatalf("report:\n%s", out)
	}
}
