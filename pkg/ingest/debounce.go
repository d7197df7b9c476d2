package ingest

import "time"

// debounce coalesces bursts of qualifying events into one deferred match
// trigger. Every event pushes the deadline out by window, but never past
// hard = first-event + maxWait, so continuous bursts cannot starve the
// trigger.
type debounce struct {
	window  time.Duration
	maxWait time.Duration

	armed    bool
	deadline time.Time
	hard     time.Time
}

func (d *debounce) note(now time.Time) {
	if !d.armed {
		d.armed = true
		d.hard = now.Add(d.maxWait)
	}
	dl := now.Add(d.window)
	if dl.After(d.hard) {
		dl = d.hard
	}
	d.deadline = dl
}

// due reports whether the trigger should fire at now.
func (d *debounce) due(now time.Time) bool {
	return d.armed && !now.Before(d.deadline)
}

func (d *debounce) reset() {
	d.armed = false
}
