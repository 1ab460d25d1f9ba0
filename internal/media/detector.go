package media

import (
	"context"
	"time"
)

const (
	DefaultThreshold = 0.05
	DefaultInterval  = 100 * time.Millisecond
	DefaultWindow    = 5
)

// Detector turns periodic energy samples into a speaking flag. The flag is
// true while the mean of the last window samples exceeds the threshold.
type Detector struct {
	probe     func() float64
	threshold float64
	samples   []float64
	next      int
	filled    int
	speaking  bool
}

func NewDetector(probe func() float64, threshold float64, window int) *Detector {
	if window < 1 {
		window = 1
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{probe: probe, threshold: threshold, samples: make([]float64, window)}
}

// Sample reads the probe once and reports the flag and whether it flipped.
func (d *Detector) Sample() (speaking, changed bool) {
	d.samples[d.next] = d.probe()
	d.next = (d.next + 1) % len(d.samples)
	if d.filled < len(d.samples) {
		d.filled++
	}

	var sum float64
	for i := 0; i < d.filled; i++ {
		sum += d.samples[i]
	}
	now := sum/float64(d.filled) > d.threshold
	changed = now != d.speaking
	d.speaking = now
	return now, changed
}

// Run samples every interval until ctx is done. onChange sees every flip,
// and a final false if the loop ends while speaking.
func (d *Detector) Run(ctx context.Context, interval time.Duration, onChange func(bool)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.speaking {
				d.speaking = false
				onChange(false)
			}
			return
		case <-ticker.C:
			if s, changed := d.Sample(); changed {
				onChange(s)
			}
		}
	}
}
