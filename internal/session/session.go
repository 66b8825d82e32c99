// Package session implements the Session Controller: the lifecycle
// state machine that opens capture devices, wires them to a capture
// pipeline, and owns the per-recording output files, job queue,
// writer task, and session log described by the rest of this module.
// It generalizes the transition-guarded state machine idiom the
// teacher uses for its own recorder (StartReady/StartRecording/Stop)
// to the Idle/Monitoring/Recording lifecycle this system needs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"

	"github.com/audiolibrelab/duetcapture/internal/bufpool"
	"github.com/audiolibrelab/duetcapture/internal/capture"
	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/encode"
	"github.com/audiolibrelab/duetcapture/internal/events"
	"github.com/audiolibrelab/duetcapture/internal/ringbuffer"
)

type state int

const (
	stateIdle state = iota
	stateMonitoring
	stateRecording
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateMonitoring:
		return "MONITORING"
	case stateRecording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrDisposed is returned by every public operation once Dispose
	// has run.
	ErrDisposed = errors.New("session: controller disposed")
	// ErrAlreadyRecording is returned by Start when a recording is
	// already in progress.
	ErrAlreadyRecording = errors.New("session: already recording")
)

const (
	canonicalChannels = 2
	micChannels       = 1

	deviceOpenAttempts = 3
	deviceOpenBackoff  = 250 * time.Millisecond

	ringBufferSeconds = 4

	writerDrainWatchdog = 30 * time.Second
	disposeWriterBound  = 1 * time.Second
)

// Controller is the Session Controller (component G). It owns device
// streams, the capture pipeline, the ring buffer, and, once recording,
// the three output files, the job queue and writer task, and the
// session log. One Controller corresponds to one user-facing recorder
// instance; it is safe to call its methods from any goroutine.
type Controller struct {
	mu       sync.Mutex
	st       state
	disposed bool
	faulted  atomic.Bool

	loopbackID string
	micID      string
	loopDev    *capture.OpenedDevice
	micDev     *capture.OpenedDevice
	deferred   *capture.Deferred
	pipeline   *capture.Pipeline
	canonical  capture.Format

	loopGain *capture.Gain
	micGain  *capture.Gain
	bus      *events.Bus

	pool       *bufpool.Pool
	writer     *diskwriter.Writer
	sysFile    *wavWriter
	micFile    *wavWriter
	mixFile    *wavWriter
	sessionLog *SessionLog
	paths      outputPaths
	sessionID  string
	mp3Bitrate int
	startedAt  time.Time

	log *slog.Logger
}

// NewController creates an idle Controller. log receives ambient
// diagnostic lines; per-session narrative goes to the session log
// created at Start.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		st:       stateIdle,
		loopGain: capture.NewGain(1.0),
		micGain:  capture.NewGain(1.0),
		bus:      events.NewBus(64),
		log:      log,
	}
}

// Events returns the controller's event bus. Subscribers persist
// across monitor/start/stop cycles; only Dispose closes it.
func (c *Controller) Events() *events.Bus {
	return c.bus
}

// IsRecording reports whether a recording is currently in progress. A
// writer that has faulted fatally counts as not-recording even before
// Stop() is called to finalize the session — see handleWriterFault.
func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateRecording && !c.faulted.Load()
}

// State returns the current lifecycle state as a diagnostic string.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.String()
}

// Diagnostics is a point-in-time snapshot of counters worth exporting
// to a metrics scraper. Zero-valued when idle. While only monitoring,
// the ring counters are populated and the writer fields are zero.
type Diagnostics struct {
	Underruns       int64
	PeakRingBacklog int64
	QueueLen        int
	QueueCapacity   int
	Dropped         int64
}

// Diagnostics returns the current counters from the active pipeline
// and writer, if any.
func (c *Controller) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var d Diagnostics
	if c.pipeline != nil {
		counters := c.pipeline.Counters()
		d.Underruns = counters.Underruns.Load()
		d.PeakRingBacklog = counters.PeakRingBl.Load()
	}
	if c.writer != nil {
		d.QueueLen = c.writer.QueueLen()
		d.QueueCapacity = c.writer.QueueCapacity()
		d.Dropped = c.writer.Stats().Dropped
	}
	return d
}

// LoopbackGain returns the current loopback gain scalar.
func (c *Controller) LoopbackGain() float64 { return c.loopGain.Load() }

// SetLoopbackGain sets the loopback gain scalar. Safe from any thread,
// including while recording; NaN is rejected in favor of unity.
func (c *Controller) SetLoopbackGain(v float64) { c.loopGain.Store(v) }

// MicGain returns the current mic gain scalar.
func (c *Controller) MicGain() float64 { return c.micGain.Load() }

// SetMicGain sets the mic gain scalar.
func (c *Controller) SetMicGain(v float64) { c.micGain.Store(v) }

func openWithRetry(ctx context.Context, open func() (*capture.OpenedDevice, error)) (*capture.OpenedDevice, error) {
	var lastErr error
	for attempt := 0; attempt < deviceOpenAttempts; attempt++ {
		dev, err := open()
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if !capture.IsTransient(err) {
			return nil, err
		}
		if attempt == deviceOpenAttempts-1 {
			break
		}
		select {
		case <-time.After(deviceOpenBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// teardownDevicesLocked closes any open devices and discards the
// pipeline built from them. Callers must hold c.mu.
func (c *Controller) teardownDevicesLocked() {
	if c.pipeline != nil {
		c.pipeline.Disarm()
	}
	if c.loopDev != nil {
		c.loopDev.Close()
		c.loopDev = nil
	}
	if c.micDev != nil {
		c.micDev.Close()
		c.micDev = nil
	}
	c.deferred = nil
	c.pipeline = nil
}

// Monitor transitions Idle->Monitoring: opens both devices, builds the
// capture pipeline, and starts device streams without writing anything
// to disk. Idempotent when already monitoring the same device pair;
// reconfigures (closing and reopening) otherwise.
func (c *Controller) Monitor(ctx context.Context, loopbackID, micID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitorLocked(ctx, loopbackID, micID)
}

func (c *Controller) monitorLocked(ctx context.Context, loopbackID, micID string) error {
	if c.disposed {
		return ErrDisposed
	}
	if c.st == stateRecording {
		return fmt.Errorf("session: cannot monitor while recording, current: %s", c.st)
	}
	if c.st == stateMonitoring && c.loopbackID == loopbackID && c.micID == micID {
		return nil
	}
	if c.st != stateIdle {
		c.teardownDevicesLocked()
	}

	deferred := &capture.Deferred{}
	loopDev, err := openWithRetry(ctx, func() (*capture.OpenedDevice, error) {
		return capture.OpenCaptureDevice(malgo.Loopback, loopbackID, 0, canonicalChannels, deferred.LoopbackCallbacks())
	})
	if err != nil {
		return fmt.Errorf("session: open loopback device: %w", err)
	}
	canonical := loopDev.Format

	micDev, err := openWithRetry(ctx, func() (*capture.OpenedDevice, error) {
		return capture.OpenCaptureDevice(malgo.Capture, micID, uint32(canonical.SampleRate), micChannels, deferred.MicCallbacks())
	})
	if err != nil {
		loopDev.Close()
		return fmt.Errorf("session: open mic device: %w", err)
	}
	deferred.SetMicNative(micDev.Format)

	ring := ringbuffer.NewForDuration(canonical.SampleRate, canonical.Channels, ringBufferSeconds)
	pipeline := capture.NewPipeline(capture.Config{
		Canonical:   canonical,
		MixBitDepth: capture.Mix32Bit,
		LoopGain:    c.loopGain,
		MicGain:     c.micGain,
		Ring:        ring,
		Bus:         c.bus,
		Log:         c.log,
	}, time.Now().UnixNano())
	deferred.Bind(pipeline)

	c.loopDev = loopDev
	c.micDev = micDev
	c.deferred = deferred
	c.pipeline = pipeline
	c.canonical = canonical
	c.loopbackID = loopbackID
	c.micID = micID
	c.st = stateMonitoring

	c.bus.PublishStatus(events.Status{Kind: events.StatusInfo, Message: "monitoring", At: time.Now()})
	return nil
}

// StopMonitor transitions Monitoring->Idle, closing devices. A no-op
// when already Idle; an error when Recording (stop first).
func (c *Controller) StopMonitor() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.st == stateRecording {
		return fmt.Errorf("session: cannot stop_monitor while recording, current: %s", c.st)
	}
	if c.st == stateIdle {
		return nil
	}
	c.teardownDevicesLocked()
	c.st = stateIdle
	c.bus.PublishStatus(events.Status{Kind: events.StatusInfo, Message: "monitor stopped", At: time.Now()})
	return nil
}

// Start ensures Monitoring with the given devices, then opens the
// three output files, the session log, and the writer task, and
// transitions to Recording. mp3BitrateKbps of 0 means no MP3 pass at
// stop; otherwise it must be in [64, 320].
func (c *Controller) Start(ctx context.Context, loopbackID, micID, outputBasePath string, mp3BitrateKbps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.st == stateRecording {
		return ErrAlreadyRecording
	}
	if mp3BitrateKbps != 0 && (mp3BitrateKbps < 64 || mp3BitrateKbps > 320) {
		return fmt.Errorf("session: mp3_bitrate_kbps %d outside {0, 64..320}", mp3BitrateKbps)
	}

	if err := c.monitorLocked(ctx, loopbackID, micID); err != nil {
		return err
	}

	paths := newOutputPaths(outputBasePath, mp3BitrateKbps > 0)

	sysFile, err := newWAVWriter(paths.System, c.canonical.SampleRate, c.canonical.Channels, 16)
	if err != nil {
		return fmt.Errorf("session: open system file: %w", err)
	}
	micFile, err := newWAVWriter(paths.Mic, c.canonical.SampleRate, c.canonical.Channels, 16)
	if err != nil {
		_ = sysFile.Close()
		return fmt.Errorf("session: open mic file: %w", err)
	}
	mixFile, err := newWAVWriter(paths.Mix, c.canonical.SampleRate, c.canonical.Channels, 32)
	if err != nil {
		_ = sysFile.Close()
		_ = micFile.Close()
		return fmt.Errorf("session: open mix file: %w", err)
	}

	sessLog, err := newSessionLog(paths.Log)
	if err != nil {
		_ = sysFile.Close()
		_ = micFile.Close()
		_ = mixFile.Close()
		return fmt.Errorf("session: open session log: %w", err)
	}

	pool := bufpool.New(bufpool.DefaultConfig())
	writer := diskwriter.NewWriter(diskwriter.QueueCapacity(0), sysFile, micFile, mixFile, c.log)
	c.faulted.Store(false)
	pipeline := c.pipeline
	writer.SetFaultHandler(func(err error) { c.handleWriterFault(pipeline, err) })
	go writer.Run()

	counters := c.pipeline.Counters()
	counters.Underruns.Store(0)
	counters.PeakRingBl.Store(0)
	c.pipeline.Arm(pool, writer)

	c.pool = pool
	c.writer = writer
	c.sysFile = sysFile
	c.micFile = micFile
	c.mixFile = mixFile
	c.sessionLog = sessLog
	c.paths = paths
	c.sessionID = uuid.NewString()
	c.mp3Bitrate = mp3BitrateKbps
	c.startedAt = time.Now()
	c.st = stateRecording

	sessLog.Info("session", "recording started")
	c.bus.PublishStatus(events.Status{Kind: events.StatusInfo, Message: "recording started", At: time.Now()})
	return nil
}

// handleWriterFault runs synchronously on the writer's own goroutine
// the instant a write proves fatal (installed via SetFaultHandler in
// Start). It disarms the pipeline immediately, so capture handlers stop
// enqueuing new blocks at the source rather than silently piling up
// behind a writer that already gave up, and publishes an Error status
// so subscribers learn of the fault without waiting for Stop() to be
// called. It never touches c.mu: pipeline was captured in a closure at
// Start, and c.faulted is its own atomic, so there is no risk of
// deadlocking against a concurrent Stop() holding the lock.
func (c *Controller) handleWriterFault(pipeline *capture.Pipeline, err error) {
	pipeline.Disarm()
	c.faulted.Store(true)
	c.bus.PublishStatus(events.Status{
		Kind:    events.StatusError,
		Message: fmt.Sprintf("disk writer fault: %v", err),
		At:      time.Now(),
	})
}

// stopSnapshot carries everything Stop needs to finish outside the
// lock, once recording has been latched off.
type stopSnapshot struct {
	pipeline   *capture.Pipeline
	writer     *diskwriter.Writer
	sysFile    *wavWriter
	micFile    *wavWriter
	mixFile    *wavWriter
	sessionLog *SessionLog
	paths      outputPaths
	sessionID  string
	mp3Bitrate int
	startedAt  time.Time
	loopGain   float64
	micGain    float64
	canonical  capture.Format
	loopbackID string
	micID      string
}

// Stop sets recording=false, drains the writer, finalizes the output
// files, optionally runs the post-session MP3 encode pass (respecting
// ctx cancellation), writes the manifest, and emits a Stopped status
// event. A second call while not recording fails fast without
// corrupting state.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.st != stateRecording {
		c.mu.Unlock()
		return fmt.Errorf("session: not recording, current: %s", c.st)
	}

	snap := stopSnapshot{
		pipeline:   c.pipeline,
		writer:     c.writer,
		sysFile:    c.sysFile,
		micFile:    c.micFile,
		mixFile:    c.mixFile,
		sessionLog: c.sessionLog,
		paths:      c.paths,
		sessionID:  c.sessionID,
		mp3Bitrate: c.mp3Bitrate,
		startedAt:  c.startedAt,
		loopGain:   c.loopGain.Load(),
		micGain:    c.micGain.Load(),
		canonical:  c.canonical,
		loopbackID: c.loopbackID,
		micID:      c.micID,
	}
	underruns := c.pipeline.Counters().Underruns.Load()
	snap.pipeline.Disarm() // recording=false: no further blocks reach the writer
	c.st = stateMonitoring
	c.pool = nil
	c.writer = nil
	c.sysFile, c.micFile, c.mixFile = nil, nil, nil
	c.sessionLog = nil
	c.mu.Unlock()

	snap.writer.Close()
	select {
	case <-snap.writer.Done():
	case <-time.After(writerDrainWatchdog):
		c.log.Warn("session: writer drain watchdog exceeded, proceeding", "session_id", snap.sessionID)
	}

	faultErr := snap.writer.Fault()
	stats := snap.writer.Stats()

	_ = snap.sysFile.Close()
	_ = snap.micFile.Close()
	_ = snap.mixFile.Close()

	manifest := Manifest{
		SessionID:     snap.sessionID,
		StartedAt:     snap.startedAt,
		StoppedAt:     time.Now(),
		DurationSecs:  time.Since(snap.startedAt).Seconds(),
		LoopbackID:    snap.loopbackID,
		MicID:         snap.micID,
		SampleRate:    snap.canonical.SampleRate,
		Channels:      snap.canonical.Channels,
		LoopbackGain:  snap.loopGain,
		MicGain:       snap.micGain,
		SystemPath:    snap.paths.System,
		MicPath:       snap.paths.Mic,
		MixPath:       snap.paths.Mix,
		DroppedBlocks: stats.Dropped,
		Underruns:     underruns,
	}
	if faultErr != nil {
		manifest.WriterFault = faultErr.Error()
		snap.sessionLog.Error("writer", faultErr.Error())
	}

	outputPaths := []string{snap.paths.System, snap.paths.Mic, snap.paths.Mix}

	if snap.mp3Bitrate > 0 {
		if info, statErr := os.Stat(snap.paths.Mix); statErr == nil && info.Size() > 0 {
			snap.sessionLog.Info("encode", "starting mp3 encode")
			c.bus.PublishStatus(events.Status{Kind: events.StatusEncoding, Message: "encoding", At: time.Now()})
			encErr := encode.Run(ctx, encode.Options{
				MixWAVPath:  snap.paths.Mix,
				MP3Path:     snap.paths.MP3,
				BitrateKbps: snap.mp3Bitrate,
			}, c.bus)
			if encErr != nil {
				snap.sessionLog.Error("encode", encErr.Error())
			} else {
				manifest.MP3Path = snap.paths.MP3
				outputPaths = append(outputPaths, snap.paths.MP3)
			}
		} else {
			snap.sessionLog.Warn("encode", "mix file empty, skipping mp3 encode")
		}
	}

	if err := writeManifest(snap.paths.Manifest, manifest); err != nil {
		snap.sessionLog.Error("manifest", err.Error())
	}
	outputPaths = append(outputPaths, snap.paths.Manifest, snap.paths.Log)

	snap.sessionLog.Info("session", "stopped")
	_ = snap.sessionLog.Close()

	c.bus.PublishStatus(events.Status{Kind: events.StatusStopped, Message: "stopped", OutputPaths: outputPaths, At: time.Now()})
	return faultErr
}

// Dispose is idempotent full teardown, safe after Stop or in lieu of
// it. All subsequent public operations fail fast with ErrDisposed.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true

	pipeline := c.pipeline
	writer := c.writer
	sysFile, micFile, mixFile := c.sysFile, c.micFile, c.mixFile
	sessLog := c.sessionLog
	loopDev, micDev := c.loopDev, c.micDev
	c.st = stateIdle
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Disarm()
	}
	if writer != nil {
		writer.Close()
		select {
		case <-writer.Done():
		case <-time.After(disposeWriterBound):
		}
	}
	if sysFile != nil {
		_ = sysFile.Close()
	}
	if micFile != nil {
		_ = micFile.Close()
	}
	if mixFile != nil {
		_ = mixFile.Close()
	}
	if sessLog != nil {
		_ = sessLog.Close()
	}
	if loopDev != nil {
		loopDev.Close()
	}
	if micDev != nil {
		micDev.Close()
	}
	c.bus.Close()
	return nil
}
