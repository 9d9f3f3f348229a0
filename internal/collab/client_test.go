package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
)

func collabCfg(url string) config.CollabConfig {
	return config.CollabConfig{
		JobParserURL: url,
		RiskScanURL:  url,
		Timeout:      2 * time.Second,
		Backoff:      time.Millisecond,
	}
}

func TestParseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/parse" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"Build an API","skills":["go","postgres"],"budget":"$5k","entities":["Stripe"]}`))
	}))
	defer srv.Close()

	c := NewJobParser(collabCfg(srv.URL))
	facts, err := c.Parse(context.Background(), "raw job text")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if facts.Title != "Build an API" || len(facts.Skills) != 2 || facts.Budget != "$5k" {
		t.Fatalf("unexpected facts %+v", facts)
	}
	if facts.RawText != "raw job text" {
		t.Fatalf("raw text should be carried through, got %q", facts.RawText)
	}
	if facts.Unannotated {
		t.Fatalf("a successful parse is annotated")
	}
}

func TestParseServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewJobParser(collabCfg(srv.URL))
	_, err := c.Parse(context.Background(), "raw")
	var transient pipeline.ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("503 should classify as transient, got %v", err)
	}
	if transient.Stage != pipeline.StageAnalyzeJob {
		t.Fatalf("transient error should name the stage, got %s", transient.Stage)
	}
}

func TestParseClientErrorIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewJobParser(collabCfg(srv.URL))
	_, err := c.Parse(context.Background(), "raw")
	var invalid pipeline.ErrValidation
	if !errors.As(err, &invalid) {
		t.Fatalf("400 should classify as validation, got %v", err)
	}
}

func TestParseNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	c := NewJobParser(collabCfg(srv.URL))
	_, err := c.Parse(context.Background(), "raw")
	var transient pipeline.ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("connection failure should classify as transient, got %v", err)
	}
}

func TestParseContextCancellationPassesThrough(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewJobParser(collabCfg(srv.URL))
	_, err := c.Parse(ctx, "raw")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must pass through unclassified, got %v", err)
	}
}

func TestClientRetriesOnlyWhenConfigured(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	// Default config: a single attempt, retries belong to the orchestrator.
	c := NewJobParser(collabCfg(srv.URL))
	c.Parse(context.Background(), "raw")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("default client must not retry, got %d calls", got)
	}

	atomic.StoreInt32(&calls, 0)
	cfg := collabCfg(srv.URL)
	cfg.Retries = 2
	c = NewJobParser(cfg)
	c.Parse(context.Background(), "raw")
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("configured retries should add attempts, got %d calls", got)
	}
}

func TestScanMapsSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scan" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"risky":true,"spans":[{"start":10,"end":42,"reason":"guaranteed delivery date"}]}`))
	}))
	defer srv.Close()

	c := NewRiskScanner(collabCfg(srv.URL))
	report, err := c.Scan(context.Background(), "draft text")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !report.Risky || len(report.Spans) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	span := report.Spans[0]
	if span.Start != 10 || span.End != 42 || span.Reason != "guaranteed delivery date" {
		t.Fatalf("unexpected span %+v", span)
	}
	if report.Unscanned {
		t.Fatalf("a delivered report is scanned")
	}
}

func TestScanServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRiskScanner(collabCfg(srv.URL))
	_, err := c.Scan(context.Background(), "draft")
	var transient pipeline.ErrTransient
	if !errors.As(err, &transient) {
		t.Fatalf("429 should classify as transient, got %v", err)
	}
	if transient.Stage != pipeline.StageRiskScan {
		t.Fatalf("transient error should name the stage, got %s", transient.Stage)
	}
}
