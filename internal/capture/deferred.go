package capture

import (
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// Deferred forwards malgo device callbacks to a Pipeline that does not
// exist yet at the time a device must be opened. Opening a device
// commits its callbacks at malgo.InitDevice time, but the canonical
// format the Pipeline is built from is only known once the loopback
// device reports what it actually negotiated, and the mic's native
// format is only known once it in turn reports its own. Deferred
// breaks that ordering cycle: callers pass a Deferred's forwarding
// callbacks to OpenCaptureDevice, then Bind the real Pipeline (and, for
// the mic, its native format) once both devices are open. Any callback
// that fires before Bind is dropped; in practice this window is far
// shorter than the platform's own device-start latency.
type Deferred struct {
	pipe      atomic.Pointer[Pipeline]
	micNative atomic.Pointer[Format]
}

// Bind attaches the live pipeline. Safe to call once, before either
// device can plausibly have delivered a block.
func (d *Deferred) Bind(p *Pipeline) {
	d.pipe.Store(p)
}

// SetMicNative records the mic device's negotiated format, read by the
// forwarded mic Data callback on every subsequent invocation.
func (d *Deferred) SetMicNative(f Format) {
	d.micNative.Store(&f)
}

// LoopbackCallbacks returns callbacks suitable for OpenCaptureDevice on
// the loopback device, forwarding to whatever Pipeline is Bound.
func (d *Deferred) LoopbackCallbacks() malgo.DeviceCallbacks {
	return malgo.DeviceCallbacks{
		Data: func(out, in []byte, framecount uint32) {
			if p := d.pipe.Load(); p != nil {
				p.onLoopbackData(out, in, framecount)
			}
		},
		Stop: func() {
			if p := d.pipe.Load(); p != nil {
				p.onLoopbackStop()
			}
		},
	}
}

// MicCallbacks returns callbacks suitable for OpenCaptureDevice on the
// mic device, forwarding to whatever Pipeline is Bound using whatever
// native format was last set via SetMicNative.
func (d *Deferred) MicCallbacks() malgo.DeviceCallbacks {
	return malgo.DeviceCallbacks{
		Data: func(out, in []byte, framecount uint32) {
			p := d.pipe.Load()
			nf := d.micNative.Load()
			if p != nil && nf != nil {
				p.onMicData(in, framecount, *nf)
			}
		},
		Stop: func() {
			if p := d.pipe.Load(); p != nil {
				p.onMicStop()
			}
		},
	}
}
