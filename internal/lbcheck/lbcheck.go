// Package lbcheck fires a burst of requests at one gateway endpoint and
// reports which instances answered, to confirm traffic is spread across
// replicas.
package lbcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	SamplePayload = `{"text":"Sundar Pichai is hiring for Google in Bangalore."}`

	BucketConnectionFailed = "connection_failed"
	BucketTimeout          = "timeout"
	BucketUnknown          = "unknown"
)

type Options struct {
	URL      string
	Requests int
	Workers  int
	Timeout  time.Duration
	Payload  string
	// Client overrides the HTTP client; its Timeout is replaced by Timeout.
	Client *http.Client
}

// Run sends opts.Requests POSTs with at most opts.Workers in flight. Per-request
// failures become buckets; only a cancelled ctx aborts the run.
func Run(ctx context.Context, opts Options) (*Tally, error) {
	if opts.Requests <= 0 { return nil, errors.New("requests must be positive") }
	if opts.Workers <= 0 { opts.Workers = 1 }
	if opts.Payload == "" { opts.Payload = SamplePayload }
	client := &http.Client{Timeout: opts.Timeout}
	if opts.Client != nil {
		c := *opts.Client
		c.Timeout = opts.Timeout
		client = &c
	}

	results := make([]string, opts.Requests)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := 0; i < opts.Requests; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil { return err }
			results[i] = probe(gctx, client, opts.URL, opts.Payload)
			return nil
		})
	}
	if err := g.Wait(); err != nil { return nil, err }

	t := &Tally{Counts: map[string]int{}}
	for _, r := range results { t.add(r) }
	return t, nil
}

// probe returns the bucket for one request: the replying container id, or a
// failure label.
func probe(ctx context.Context, client *http.Client, url, payload string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil { return "error: " + err.Error() }
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil { return classifyErr(err) }
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	var body struct {
		ContainerID string `json:"container_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ContainerID == "" {
		return BucketUnknown
	}
	return body.ContainerID
}

func classifyErr(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return BucketTimeout
	}
	var op *net.OpError
	if errors.As(err, &op) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		return BucketConnectionFailed
	}
	return "error: " + err.Error()
}

// Tally counts results per bucket.
type Tally struct {
	Counts map[string]int
	Total  int
}

func (t *Tally) add(bucket string) {
	t.Counts[bucket]++
	t.Total++
}

// IsFailure reports whether a bucket is a failed request rather than a reply.
func IsFailure(bucket string) bool {
	return strings.HasPrefix(bucket, "HTTP_") || strings.HasPrefix(bucket, "error") ||
		bucket == BucketConnectionFailed || bucket == BucketTimeout
}

func isContainer(bucket string) bool { return !IsFailure(bucket) && bucket != BucketUnknown }

func (t *Tally) Failed() int {
	n := 0
	for k, v := range t.Counts {
		if IsFailure(k) { n += v }
	}
	return n
}

// Successful counts every reply with status 200, including ones without a
// container id.
func (t *Tally) Successful() int { return t.Total - t.Failed() }

// Containers lists the distinct container ids, busiest first.
func (t *Tally) Containers() []string {
	var out []string
	for _, k := range t.sorted() {
		if isContainer(k) { out = append(out, k) }
	}
	return out
}

// Distributed reports whether at least two instances replied.
func (t *Tally) Distributed() bool { return len(t.Containers()) >= 2 }

func (t *Tally) sorted() []string {
	keys := make([]string, 0, len(t.Counts))
	for k := range t.Counts { keys = append(keys, k) }
	sort.Slice(keys, func(i, j int) bool {
		if t.Counts[keys[i]] != t.Counts[keys[j]] { return t.Counts[keys[i]] > t.Counts[keys[j]] }
		return keys[i] < keys[j]
	})
	return keys
}

// Report writes the distribution table and summary.
func (t *Tally) Report(w io.Writer) {
	fmt.Fprintln(w, "\nContainer distribution:")
	for _, k := range t.sorted() {
		display := k
		if r := []rune(display); len(r) > 22 { display = string(r[:22]) }
		n := t.Counts[k]
		if isContainer(k) {
			fmt.Fprintf(w, "  %-24s: %3d requests  %s\n", display, n, strings.Repeat("█", n))
		} else {
			fmt.Fprintf(w, "  %-24s: %3d requests\n", display, n)
		}
	}
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Total requests    : %d\n", t.Total)
	fmt.Fprintf(w, "  Successful (200)  : %d\n", t.Successful())
	fmt.Fprintf(w, "  Failed            : %d\n", t.Failed())
	fmt.Fprintf(w, "  Unique containers : %d\n", len(t.Containers()))

	if t.Failed() > 0 { fmt.Fprintln(w, "\n WARNING: Some requests failed.") }
	if t.Distributed() {
		fmt.Fprintln(w, "\n PASS: load is distributed across multiple containers.")
		fmt.Fprintf(w, "   Traffic hit %d different container(s).\n", len(t.Containers()))
	} else {
		fmt.Fprintln(w, "\n FAIL: all requests hit the same container.")
		fmt.Fprintf(w, "   Unique containers seen: %d\n", len(t.Containers()))
	}
}
