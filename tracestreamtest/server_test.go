package tracestreamtest

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jdziat/tracestream"
	"github.com/jdziat/tracestream/pkg/message"
)

func TestMockServer_RecordsRequests(t *testing.T) {
	ms := NewMockServer()
	defer ms.Close()

	resp, err := http.Post(ms.URL+"/v1/private/spans?x=1", "application/json", bytes.NewReader([]byte(`{"id":"s1","kind":"create_span"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if ms.RequestCount() != 1 {
		t.Fatalf("RequestCount() = %d, want 1", ms.RequestCount())
	}
	req := ms.Requests()[0]
	if req.Method != http.MethodPost || req.Path != "/v1/private/spans" || req.Query["x"] != "1" {
		t.Errorf("recorded %s %s %v", req.Method, req.Path, req.Query)
	}
	events, err := req.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "s1" {
		t.Errorf("Events() = %+v", events)
	}

	ms.Reset()
	if ms.RequestCount() != 0 {
		t.Errorf("RequestCount() = %d after Reset", ms.RequestCount())
	}
}

func TestMockServer_DecodesWrappedAndCompressed(t *testing.T) {
	ms := NewMockServer()
	defer ms.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	body := enc.EncodeAll([]byte(`{"spans":[{"id":"a"},{"id":"b"}]}`), nil)
	enc.Close()

	req, _ := http.NewRequest(http.MethodPost, ms.URL+"/v1/private/spans/batch", bytes.NewReader(body))
	req.Header.Set("Content-Encoding", "zstd")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	events, err := ms.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].ID != "a" || events[1].ID != "b" {
		t.Errorf("Events() = %+v", events)
	}
	if got := ms.Requests()[0].Encoding; got != "zstd" {
		t.Errorf("Encoding = %q", got)
	}
}

func TestMockServer_Responses(t *testing.T) {
	ms := NewMockServer()
	defer ms.Close()

	get := func() *http.Response {
		t.Helper()
		resp, err := http.Get(ms.URL + "/x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	ms.RespondWithRateLimitFor(1, 3)
	if resp := get(); resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "3" {
		t.Errorf("first = %d %q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if resp := get(); resp.StatusCode != http.StatusOK {
		t.Errorf("second = %d", resp.StatusCode)
	}

	ms.RespondWithServerError()
	if resp := get(); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("server error = %d", resp.StatusCode)
	}

	ms.RespondWithSuccess()
	if resp := get(); resp.StatusCode != http.StatusOK {
		t.Errorf("success = %d", resp.StatusCode)
	}
}

func TestNewTestStreamer(t *testing.T) {
	s, rec := NewTestStreamer(t)

	spans := []*message.Event{
		message.NewCreateSpan("p", "s1", nil),
		message.NewCreateSpan("p", "s2", nil),
	}
	for _, e := range spans {
		if err := s.Put(e); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Flush(5*time.Second, 10*time.Millisecond) {
		t.Fatal("Flush() = false")
	}

	ids := rec.EventIDs()
	if len(ids) != 2 || ids[0] != spans[0].ID() || ids[1] != spans[1].ID() {
		t.Errorf("EventIDs() = %v", ids)
	}
}

func TestNewHTTPTestStreamer(t *testing.T) {
	s, server := NewHTTPTestStreamer(t, tracestream.WithBatching(false))

	trace := message.NewCreateTrace("p", "t1", map[string]any{"name": "checkout"})
	if err := s.Put(trace); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := message.NewAttachment(message.AttachmentSpec{
		FilePath:   path,
		EntityType: message.EntityTrace,
		EntityID:   "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(a); err != nil {
		t.Fatal(err)
	}

	if !s.Flush(5*time.Second, 10*time.Millisecond) {
		t.Fatal("Flush() = false")
	}

	events, err := server.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != trace.ID() || events[0].Kind != "create_trace" {
		t.Errorf("Events() = %+v", events)
	}
	uploads := server.Uploads()
	if len(uploads) != 1 || string(uploads[0].Body) != "hello" || uploads[0].Query["entity_id"] != "t1" {
		t.Errorf("Uploads() = %+v", uploads)
	}
}
