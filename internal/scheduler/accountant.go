package scheduler

import (
	"fmt"

	"github.com/reelgate/reelgate/internal/job"
)

// Limits are the concurrency ceilings fixed at construction.
type Limits struct {
	Global   int `json:"global" yaml:"global"`
	Download int `json:"download" yaml:"download"`
	Render   int `json:"render" yaml:"render"`
}

func (l Limits) validate() error {
	if l.Global < 1 {
		return fmt.Errorf("global limit must be >= 1, got %d", l.Global)
	}
	if l.Download < 1 || l.Download > l.Global {
		return fmt.Errorf("download limit must be between 1 and %d, got %d", l.Global, l.Download)
	}
	if l.Render < 1 || l.Render > l.Global {
		return fmt.Errorf("render limit must be between 1 and %d, got %d", l.Global, l.Render)
	}
	return nil
}

// accountant tracks in-flight counts. It has no lock of its own: every
// method must be called with Scheduler.mu held.
type accountant struct {
	limits   Limits
	global   int
	download int
	render   int
}

func (a *accountant) hasRoom() bool {
	return a.global < a.limits.Global
}

func (a *accountant) classFull(c job.ResourceClass) bool {
	switch c {
	case job.ClassDownload:
		return a.download >= a.limits.Download
	case job.ClassRender:
		return a.render >= a.limits.Render
	default:
		return false
	}
}

func (a *accountant) canAdmit(c job.ResourceClass) bool {
	return a.hasRoom() && !a.classFull(c)
}

func (a *accountant) acquire(c job.ResourceClass) {
	a.global++
	switch c {
	case job.ClassDownload:
		a.download++
	case job.ClassRender:
		a.render++
	}
	if a.global > a.limits.Global || a.download > a.limits.Download || a.render > a.limits.Render {
		panic(fmt.Sprintf("scheduler: admission past ceiling (global %d/%d, download %d/%d, render %d/%d)",
			a.global, a.limits.Global, a.download, a.limits.Download, a.render, a.limits.Render))
	}
}

func (a *accountant) release(c job.ResourceClass) {
	a.global--
	switch c {
	case job.ClassDownload:
		a.download--
	case job.ClassRender:
		a.render--
	}
	if a.global < 0 || a.download < 0 || a.render < 0 {
		panic(fmt.Sprintf("scheduler: negative in-flight count (global %d, download %d, render %d)",
			a.global, a.download, a.render))
	}
}

// Slot reports usage of one concurrency pool.
type Slot struct {
	InFlight int `json:"in_flight"`
	Limit    int `json:"limit"`
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Global   Slot `json:"global"`
	Download Slot `json:"download"`
	Render   Slot `json:"render"`
	Queued   int  `json:"queued"`
	Running  int  `json:"running"`
	Complete int  `json:"complete"`
	Failed   int  `json:"failed"`
}

func (a *accountant) snapshot() Stats {
	return Stats{
		Global:   Slot{InFlight: a.global, Limit: a.limits.Global},
		Download: Slot{InFlight: a.download, Limit: a.limits.Download},
		Render:   Slot{InFlight: a.render, Limit: a.limits.Render},
	}
}
