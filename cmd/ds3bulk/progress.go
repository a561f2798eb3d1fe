package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulbellamy/ratecounter"

	"github.com/NamanBalaji/ds3bulk/internal/status"
	"github.com/NamanBalaji/ds3bulk/pkg/bulk"
)

// progress accumulates the events of one job for display.
type progress struct {
	total   int64
	objects int

	done      atomic.Int64
	completed atomic.Int64
	rate      *ratecounter.RateCounter
}

func newProgress(job *bulk.Job) *progress {
	p := &progress{rate: ratecounter.NewRateCounter(time.Second)}

	for _, o := range job.Objects() {
		p.total += o.Size
		p.objects++
		p.done.Add(o.CompletedBytes)
	}

	return p
}

func (p *progress) transferred(n int64) {
	p.done.Add(n)
	p.rate.Incr(n)
}

func (p *progress) objectCompleted(string) {
	p.completed.Add(1)
}

func (p *progress) line() string {
	done := p.done.Load()

	percent := 100.0
	if p.total > 0 {
		percent = float64(done) * 100 / float64(p.total)
	}

	return fmt.Sprintf("%s %5.1f%% %s / %s  %d/%d objects  %s/s",
		bar(percent, 30),
		percent,
		humanize.IBytes(uint64(done)),
		humanize.IBytes(uint64(p.total)),
		p.completed.Load(),
		p.objects,
		humanize.IBytes(uint64(p.rate.Rate())),
	)
}

func bar(percent float64, width int) string {
	filled := min(int(percent*float64(width)/100), width)

	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

// watch runs transfer while printing the job's progress every half second.
func watch(job *bulk.Job, transfer func() error) error {
	p := newProgress(job)

	ids := []bulk.ListenerID{
		job.AttachDataTransferredListener(p.transferred),
		job.AttachObjectCompletedListener(p.objectCompleted),
	}
	defer func() {
		for _, id := range ids {
			job.RemoveListener(id)
		}
	}()

	stop := make(chan struct{})
	printed := make(chan struct{})

	go func() {
		defer close(printed)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fmt.Print("\r\033[K" + p.line())
			case <-stop:
				fmt.Print("\r\033[K" + p.line() + "\n")
				return
			}
		}
	}()

	start := time.Now()
	err := transfer()

	close(stop)
	<-printed

	fmt.Printf("Job %s %s in %s\n", job.JobID(), status.String(job.Status()), time.Since(start).Round(time.Millisecond))

	return err
}

func formatRecord(r *bulk.JobRecord) string {
	var size int64
	for _, o := range r.Objects {
		size += o.Size
	}

	return fmt.Sprintf("%s  %-4s  %-9s  %-20s  %d/%d objects  %s  updated %s",
		r.ID,
		r.RequestType,
		status.String(r.Status),
		r.Bucket,
		len(r.CompletedObjects),
		len(r.Objects),
		humanize.IBytes(uint64(size)),
		humanize.Time(r.UpdatedAt),
	)
}
