package acquire

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressBar renders download progress on a single terminal line. It is an io.Writer
// counting the bytes written through it, meant to sit behind an io.TeeReader.
type ProgressBar struct {
	description string
	total       int64 // 0 when the size is unknown
	current     int64
	startTime   time.Time
	lastRender  time.Time
	width       int
	out         io.Writer
}

// NewProgressBar creates a progress bar writing to out. total may be zero or negative
// when the server does not announce a length.
func NewProgressBar(description string, total int64, out io.Writer) *ProgressBar {
	if total < 0 {
		total = 0
	}
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		out:         out,
	}
}

// Write implements io.Writer
func (pb *ProgressBar) Write(p []byte) (int, error) {
	pb.current += int64(len(p))
	if time.Since(pb.lastRender) > 200*time.Millisecond {
		pb.render()
	}
	return len(p), nil
}

// Current returns the number of bytes seen so far
func (pb *ProgressBar) Current() int64 {
	return pb.current
}

// Finish renders the final state and ends the line
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	pb.lastRender = time.Now()
	elapsed := time.Since(pb.startTime)

	var rate uint64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = uint64(float64(pb.current) / secs)
	}

	if pb.total == 0 {
		fmt.Fprintf(pb.out, "\r%s: %s [%s, %s/s]",
			pb.description, humanize.Bytes(uint64(pb.current)), formatDuration(elapsed), humanize.Bytes(rate))
		return
	}

	percentage := min(float64(pb.current)/float64(pb.total), 1)
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	fmt.Fprintf(pb.out, "\r%s: %3.0f%%|%s| %s/%s [%s, %s/s]",
		pb.description,
		percentage*100,
		bar,
		humanize.Bytes(uint64(pb.current)),
		humanize.Bytes(uint64(pb.total)),
		formatDuration(elapsed),
		humanize.Bytes(rate),
	)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
