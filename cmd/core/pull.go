package core

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/projecteru2/burrow/progress"
	pullprogress "github.com/projecteru2/burrow/progress/pull"
)

// PullTracker returns a progress tracker that prints pull phases for ref.
// Byte-level progress is only rendered on a TTY; in pipes and logs each
// phase prints once.
func PullTracker(ref string) progress.Tracker {
	tty := term.IsTerminal(int(os.Stdout.Fd()))
	started := false

	return progress.NewTracker(func(e pullprogress.Event) {
		switch e.Phase {
		case pullprogress.PhaseDownload:
			if !started {
				started = true
				if e.BytesTotal > 0 {
					fmt.Printf("Downloading %s (%s)\n", ref, FormatSize(e.BytesTotal))
				} else {
					fmt.Printf("Downloading %s\n", ref)
				}
				return
			}
			if !tty {
				return
			}
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				fmt.Printf("\r  %s / %s (%.1f%%)", FormatSize(e.BytesDone), FormatSize(e.BytesTotal), pct)
			} else {
				fmt.Printf("\r  %s downloaded", FormatSize(e.BytesDone))
			}
		case pullprogress.PhaseVerify:
			if tty && started {
				fmt.Println()
			}
			fmt.Println("Verifying...")
		case pullprogress.PhaseCommit:
			fmt.Println("Committing...")
		case pullprogress.PhaseDone:
			fmt.Printf("Done: %s\n", ref)
		}
	})
}
