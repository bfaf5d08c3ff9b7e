package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/audio/playback"
	"github.com/MrWong99/callwright/pkg/audio/record"
	"github.com/MrWong99/callwright/pkg/provider/s2s"
)

// callContext owns everything one call acquires. It is created by
// [Engine.Start] and released exactly once by teardown, whichever exit path
// gets there first.
type callContext struct {
	lead           lead.Lead
	priming        []knowledge.Scored
	startedAt      time.Time
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	encoder   *capture.Encoder
	handle    s2s.SessionHandle
	scheduler *playback.Scheduler
	recorder  *record.Recorder
	asm       *transcript.Assembler

	// limit ends the call when the provider's session cap is reached.
	limit *time.Timer

	// opened is set once the endpoint confirmed the session. Guarded by the
	// engine lock.
	opened bool

	volume atomic.Uint64 // math.Float64bits of the last capture level

	teardownOnce sync.Once
	teardownErr  error
}

func (c *callContext) setVolume(level float64) {
	c.volume.Store(math.Float64bits(level))
}

func (c *callContext) getVolume() float64 {
	return math.Float64frombits(c.volume.Load())
}

// teardown stops the call's goroutines and releases the device, transport,
// scheduler and recorder. The recording is finalized only when keep is true.
// Safe to call more than once; later calls return the first result.
func (c *callContext) teardown(keep bool) (*lead.Recording, error) {
	var rec *lead.Recording
	c.teardownOnce.Do(func() {
		c.cancel()
		if c.limit != nil {
			c.limit.Stop()
		}

		var errs []error
		if c.encoder != nil {
			errs = append(errs, c.encoder.Close())
		}
		if c.handle != nil {
			errs = append(errs, c.handle.Close())
		}
		c.scheduler.Close()

		if keep {
			art, err := c.recorder.Finalize()
			switch {
			case err != nil:
				errs = append(errs, err)
			case art.Duration > 0:
				rec = &lead.Recording{MIMEType: art.MIMEType, Data: art.Data, Duration: art.Duration}
			}
		}
		errs = append(errs, c.recorder.Close())
		c.teardownErr = errors.Join(errs...)
	})
	return rec, c.teardownErr
}
