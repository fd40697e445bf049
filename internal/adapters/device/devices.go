// Package device provides the process capture entry point and the real
// (silent) microphone behind it.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/CallDub/internal/core"
)

// Devices is the process-wide capture host. Every consumer acquires audio
// through Capture so an interceptor can swap what comes back.
type Devices struct {
	mu       sync.RWMutex
	capturer core.Capturer
}

func NewDevices(real core.Capturer) *Devices {
	return &Devices{capturer: real}
}

func (d *Devices) Capturer() core.Capturer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capturer
}

func (d *Devices) SetCapturer(c core.Capturer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturer = c
}

func (d *Devices) Capture(ctx context.Context, c core.Constraints) (core.Stream, error) {
	cur := d.Capturer()
	if cur == nil {
		return nil, fmt.Errorf("capture: no capture device")
	}
	return cur.Capture(ctx, c)
}
