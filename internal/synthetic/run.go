package synthetic

import (
	"context"
	"time"

	"github.com/banshee-data/spatialsync/internal/wire"
)

// SubmitFunc delivers one snapshot to the context service, locally or over
// the network.
type SubmitFunc func(*wire.FrameSnapshot) error

// Run generates snapshots at FrameRate until ctx ends. Submission errors are
// logged and do not stop the loop.
func (s *Source) Run(ctx context.Context, submit SubmitFunc) error {
	rate := s.FrameRate
	if rate <= 0 {
		rate = 30
	}
	ticker := s.clock.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	logf("%s: generating %.0f frames/s", s.id, rate)
	var failures uint64
	for {
		select {
		case <-ctx.Done():
			logf("%s: stopped after %d frames (%d rejected)", s.id, s.Frames(), failures)
			return ctx.Err()
		case <-ticker.C():
			if err := submit(s.NextFrame()); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					logf("%s: submit failed (%d so far): %v", s.id, failures, err)
				}
			}
		}
	}
}
