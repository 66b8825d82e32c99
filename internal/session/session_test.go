package session

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/audiolibrelab/duetcapture/internal/bufpool"
	"github.com/audiolibrelab/duetcapture/internal/capture"
	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/events"
	"github.com/audiolibrelab/duetcapture/internal/ringbuffer"
)

func TestNewControllerStartsIdle(t *testing.T) {
	c := NewController(nil)
	if c.IsRecording() {
		t.Fatal("new controller should not be recording")
	}
	if got := c.State(); got != "IDLE" {
		t.Fatalf("State() = %q, want IDLE", got)
	}
}

func TestGainDefaultsAndRoundTrip(t *testing.T) {
	c := NewController(nil)
	if got := c.LoopbackGain(); got != 1.0 {
		t.Fatalf("default loopback gain = %v, want 1.0", got)
	}
	if got := c.MicGain(); got != 1.0 {
		t.Fatalf("default mic gain = %v, want 1.0", got)
	}
	c.SetLoopbackGain(0.5)
	c.SetMicGain(2.0)
	if got := c.LoopbackGain(); got != 0.5 {
		t.Fatalf("LoopbackGain() after set = %v, want 0.5", got)
	}
	if got := c.MicGain(); got != 2.0 {
		t.Fatalf("MicGain() after set = %v, want 2.0", got)
	}
	c.SetMicGain(math.NaN())
	if got := c.MicGain(); got != 1.0 {
		t.Fatalf("MicGain() after NaN set = %v, want unity fallback 1.0", got)
	}
}

func TestStopWithoutRecordingFailsFast(t *testing.T) {
	c := NewController(nil)
	if err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected error stopping a controller that is not recording")
	}
	if c.IsRecording() {
		t.Fatal("failed Stop must not corrupt state into Recording")
	}
}

func TestStopMonitorWhenIdleIsNoop(t *testing.T) {
	c := NewController(nil)
	if err := c.StopMonitor(); err != nil {
		t.Fatalf("StopMonitor() on idle controller = %v, want nil", err)
	}
	if got := c.State(); got != "IDLE" {
		t.Fatalf("State() after no-op StopMonitor = %q, want IDLE", got)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c := NewController(nil)
	if err := c.Dispose(); err != nil {
		t.Fatalf("first Dispose() = %v, want nil", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("second Dispose() = %v, want nil (idempotent)", err)
	}
}

func TestOperationsFailFastAfterDispose(t *testing.T) {
	c := NewController(nil)
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose() = %v", err)
	}

	if err := c.Monitor(context.Background(), "loop", "mic"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Monitor() after dispose = %v, want ErrDisposed", err)
	}
	if err := c.Start(context.Background(), "loop", "mic", "/tmp/out", 0); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Start() after dispose = %v, want ErrDisposed", err)
	}
	if err := c.Stop(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Stop() after dispose = %v, want ErrDisposed", err)
	}
	if err := c.StopMonitor(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("StopMonitor() after dispose = %v, want ErrDisposed", err)
	}
}

func TestDiagnosticsZeroWhenIdle(t *testing.T) {
	c := NewController(nil)
	d := c.Diagnostics()
	if d.Underruns != 0 || d.PeakRingBacklog != 0 || d.QueueLen != 0 || d.Dropped != 0 {
		t.Fatalf("Diagnostics() on idle controller = %+v, want all zero", d)
	}
}

func TestIsRecordingFalseOnceWriterFaulted(t *testing.T) {
	c := NewController(nil)
	c.mu.Lock()
	c.st = stateRecording
	c.mu.Unlock()

	if !c.IsRecording() {
		t.Fatal("expected recording before any fault")
	}
	c.faulted.Store(true)
	if c.IsRecording() {
		t.Fatal("expected not-recording immediately once the writer has faulted")
	}
}

func TestHandleWriterFaultDisarmsPipelineAndPublishesError(t *testing.T) {
	c := NewController(nil)
	sub := c.Events().Subscribe()
	defer sub.Unsubscribe()

	canonical := capture.Format{SampleRate: 48000, Channels: 2}
	pipeline := capture.NewPipeline(capture.Config{
		Canonical: canonical,
		LoopGain:  capture.NewGain(1.0),
		MicGain:   capture.NewGain(1.0),
		Ring:      ringbuffer.New(canonical.Channels, 4096),
		Pool:      bufpool.New(bufpool.DefaultConfig()),
		Writer:    diskwriter.NewWriter(diskwriter.QueueCapacity(0), nil, nil, nil, nil),
		Bus:       c.Events(),
	}, 0)
	if !pipeline.Recording() {
		t.Fatal("expected pipeline armed before the fault")
	}

	c.handleWriterFault(pipeline, errors.New("simulated disk failure"))

	if pipeline.Recording() {
		t.Fatal("expected pipeline disarmed after handleWriterFault")
	}
	if !c.faulted.Load() {
		t.Fatal("expected faulted flag set after handleWriterFault")
	}

	select {
	case ev := <-sub.C():
		if ev.Status == nil || ev.Status.Kind != events.StatusError {
			t.Fatalf("event = %+v, want a Status event with Kind=StatusError", ev)
		}
	default:
		t.Fatal("expected an Error status event to be published")
	}
}

func TestStartRejectsBitrateOutOfRange(t *testing.T) {
	c := NewController(nil)
	err := c.Start(context.Background(), "loop", "mic", "/tmp/out", 32)
	if err == nil {
		t.Fatal("expected error for mp3 bitrate below 64kbps")
	}
	err = c.Start(context.Background(), "loop", "mic", "/tmp/out", 512)
	if err == nil {
		t.Fatal("expected error for mp3 bitrate above 320kbps")
	}
}
