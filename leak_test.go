package tracestream

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jdziat/tracestream/pkg/message"
)

// TestMain runs goleak verification for all tests in the package.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("testing.(*T).Parallel"),
		// Keep-alive connections of httptest clients.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// TestClose_NoLeaks verifies that Close stops every goroutine the streamer
// started: consumers, upload workers and the idle detector.
func TestClose_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
	)

	processor := ProcessorFunc(func(context.Context, message.Message) error { return nil })
	uploader := UploaderFunc(func(context.Context, *UploadTask) error { return nil })

	s, err := New(processor, uploader,
		WithConsumers(4),
		WithUploadWorkers(4),
		WithIdleWarning(time.Hour),
		WithPollTimeout(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := range 50 {
		s.Put(message.NewCreateSpan("leak", message.NewID(), i))
		a, err := message.NewAttachment(message.AttachmentSpec{
			Data:       []byte("x"),
			EntityType: message.EntitySpan,
			EntityID:   "s",
		})
		if err != nil {
			t.Fatal(err)
		}
		s.Put(a)
	}

	if !s.Close(5 * time.Second) {
		t.Error("Close() = false")
	}
}

// TestCloseAfterTimeout_NoLeaks verifies that a Close that gives up on a
// stuck processor still stops the consumers once the processor returns.
func TestCloseAfterTimeout_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
	)

	release := make(chan struct{})
	processor := ProcessorFunc(func(context.Context, message.Message) error {
		<-release
		return nil
	})

	s, err := New(processor, nil, WithBatching(false), WithPollTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Put(message.NewUpdateSpan("leak", "s1", nil))

	if s.Close(50 * time.Millisecond) {
		t.Error("Close() = true with a stuck processor")
	}
	close(release)

	// The consumer exits once its processor call returns.
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().BusyConsumers > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}
