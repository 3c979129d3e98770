// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package logsapi

import (
	"context"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"
)

// scriptedExporter answers each Export call with the next scripted step.
type scriptedExporter struct {
	steps    []func(req ExportRequest) (*Response, error)
	requests []ExportRequest
}

func (e *scriptedExporter) Export(_ context.Context, req ExportRequest) (*Response, error) {
	e.requests = append(e.requests, req)
	if len(e.steps) == 0 {
		return nil, errors.New("no more scripted responses")
	}
	step := e.steps[0]
	e.steps = e.steps[1:]
	return step(req)
}

func ready(body string) func(ExportRequest) (*Response, error) {
	return func(ExportRequest) (*Response, error) {
		return &Response{Status: Ready, Progress: 100, Body: &trackedBody{Reader: strings.NewReader(body)}}, nil
	}
}

func status(s Status, progress int) func(ExportRequest) (*Response, error) {
	return func(ExportRequest) (*Response, error) {
		return &Response{Status: s, Progress: progress}, nil
	}
}

func failing(err error) func(ExportRequest) (*Response, error) {
	return func(ExportRequest) (*Response, error) { return nil, err }
}

// trackedBody records Close calls.
type trackedBody struct {
	io.Reader
	closed int
}

func (b *trackedBody) Close() error {
	b.closed++
	return nil
}

// resetBody yields prefix and then a connection reset.
type resetBody struct {
	prefix io.Reader
}

func (b *resetBody) Read(p []byte) (int, error) {
	n, err := b.prefix.Read(p)
	if errors.Is(err, io.EOF) {
		return n, syscall.ECONNRESET
	}
	return n, err
}

func (b *resetBody) Close() error { return nil }

type sleepRecorder struct {
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return nil
}

func newTestLoader(exp Exporter) (*Loader, *sleepRecorder) {
	l := NewLoader(exp, testConfig("http://unused"))
	rec := &sleepRecorder{}
	l.SetSleep(rec.sleep)
	return l, rec
}

func drain(t *testing.T, s *Stream) (batches []*Batch) {
	t.Helper()
	defer s.Close()
	for s.Next() {
		batches = append(batches, s.Batch())
	}
	return batches
}

func countRows(batches []*Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Rows)
	}
	return n
}

var testQuery = Query{AppID: "1", Table: "events", Fields: []string{"a", "b"}}

func TestStreamBatchesRows(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		ready("a,b\n1,2\n3,4\n5,6\n"),
	}}
	loader, _ := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 1)
	batches := drain(t, s)

	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}
	if len(batches) != 2 || len(batches[0].Rows) != 2 || len(batches[1].Rows) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	if strings.Join(batches[0].Header, ",") != "a,b" {
		t.Errorf("header = %v", batches[0].Header)
	}
	if exp.requests[0].PartsCount != 1 || exp.requests[0].PartNumber != 0 {
		t.Errorf("request = %+v", exp.requests[0])
	}
}

func TestStreamWaitsForPreparation(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		status(NotReady, 10),
		status(RateLimited, -1),
		status(NotReady, 10),
		ready("a,b\n1,2\n"),
	}}
	loader, rec := newTestLoader(exp)
	batches := drain(t, loader.Open(context.Background(), testQuery, 1))

	if countRows(batches) != 1 {
		t.Fatalf("rows = %d", countRows(batches))
	}
	want := []time.Duration{10 * time.Second, 60 * time.Second, 10 * time.Second}
	if len(rec.sleeps) != len(want) {
		t.Fatalf("sleeps = %v", rec.sleeps)
	}
	for i := range want {
		if rec.sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, rec.sleeps[i], want[i])
		}
	}
	for _, r := range exp.requests {
		if r.PartNumber != 0 {
			t.Errorf("waiting must not advance the part: %+v", r)
		}
	}
}

func TestStreamWalksParts(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		ready("a,b\n1,2\n"),
		ready("a,b\n"),
		ready("a,b\n3,4\n5,6\n7,8\n"),
	}}
	loader, _ := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 3)
	batches := drain(t, s)

	if s.Err() != nil {
		t.Fatal(s.Err())
	}
	if countRows(batches) != 4 {
		t.Errorf("rows = %d, want 4", countRows(batches))
	}
	for i, r := range exp.requests {
		if r.PartsCount != 3 || r.PartNumber != i {
			t.Errorf("request %d = %+v", i, r)
		}
	}
	if batches[0].Part != 0 || batches[len(batches)-1].Part != 2 {
		t.Errorf("parts = %d..%d", batches[0].Part, batches[len(batches)-1].Part)
	}
}

func TestStreamTooLarge(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		status(TooLarge, -1),
	}}
	loader, _ := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 4)
	if s.Next() {
		t.Fatal("Next should fail")
	}
	var pce *PartsCountError
	if !errors.As(s.Err(), &pce) || pce.PartsCount != 4 {
		t.Errorf("Err = %v, want PartsCountError{4}", s.Err())
	}
}

func TestStreamHardError(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		failing(&APIError{StatusCode: 403, Body: "denied"}),
	}}
	loader, _ := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 1)
	if s.Next() {
		t.Fatal("Next should fail")
	}
	var apiErr *APIError
	if !errors.As(s.Err(), &apiErr) {
		t.Errorf("Err = %v", s.Err())
	}
}

func TestStreamRetriesSamePartAfterReset(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		failing(syscall.ECONNRESET),
		func(ExportRequest) (*Response, error) {
			return &Response{Status: Ready, Body: &resetBody{prefix: strings.NewReader("a,b\n1,2\n3,4\n5,")}}, nil
		},
		ready("a,b\n1,2\n3,4\n5,6\n"),
	}}
	loader, rec := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 1)
	batches := drain(t, s)

	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}
	if len(rec.sleeps) != 2 || rec.sleeps[0] != 10*time.Second || rec.sleeps[1] != 10*time.Second {
		t.Errorf("sleeps = %v, want the short backoff after each reset", rec.sleeps)
	}
	// The first two rows were yielded before the reset and repeat afterwards.
	if countRows(batches) != 5 {
		t.Errorf("rows = %d, want 5", countRows(batches))
	}
	if len(exp.requests) != 3 {
		t.Fatalf("requests = %d", len(exp.requests))
	}
	for _, r := range exp.requests {
		if r.PartNumber != 0 || r.PartsCount != 1 {
			t.Errorf("reset must not change the part: %+v", r)
		}
	}
}

func TestStreamBacksOffOnRepeatedResets(t *testing.T) {
	var steps []func(ExportRequest) (*Response, error)
	for range 5 {
		steps = append(steps, failing(syscall.ECONNRESET))
	}
	steps = append(steps, ready("a,b\n1,2\n"))
	exp := &scriptedExporter{steps: steps}
	loader, rec := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 1)
	batches := drain(t, s)

	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}
	if countRows(batches) != 1 {
		t.Errorf("rows = %d, want 1", countRows(batches))
	}
	if len(exp.requests) != 6 {
		t.Errorf("requests = %d, want 6", len(exp.requests))
	}
	if len(rec.sleeps) != 5 {
		t.Fatalf("sleeps = %v, want one per reset", rec.sleeps)
	}
	for _, d := range rec.sleeps {
		if d != 10*time.Second {
			t.Errorf("sleep = %v, want short backoff", d)
		}
	}
}

func TestStreamResetBackoffHonorsCancellation(t *testing.T) {
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		failing(syscall.ECONNRESET),
	}}
	loader := NewLoader(exp, testConfig("http://unused"))
	loader.SetSleep(func(context.Context, time.Duration) error { return context.Canceled })
	s := loader.Open(context.Background(), testQuery, 1)
	if s.Next() {
		t.Fatal("Next should fail")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("Err = %v", s.Err())
	}
	if len(exp.requests) != 1 {
		t.Errorf("requests = %d", len(exp.requests))
	}
}

func TestStreamCloseReleasesBody(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("a,b\n1,2\n3,4\n5,6\n")}
	exp := &scriptedExporter{steps: []func(ExportRequest) (*Response, error){
		func(ExportRequest) (*Response, error) { return &Response{Status: Ready, Body: body}, nil },
	}}
	loader, _ := newTestLoader(exp)
	s := loader.Open(context.Background(), testQuery, 1)
	if !s.Next() {
		t.Fatal(s.Err())
	}
	_ = s.Close()
	_ = s.Close()
	if body.closed != 1 {
		t.Errorf("body closed %d times, want 1", body.closed)
	}
	if s.Next() {
		t.Error("Next after Close should return false")
	}
}

func TestStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader, _ := newTestLoader(&scriptedExporter{})
	s := loader.Open(ctx, testQuery, 1)
	if s.Next() || !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", s.Err())
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep = %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep = %v", err)
	}
}
