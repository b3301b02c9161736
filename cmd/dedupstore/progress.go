package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// newTransferBar reports bytes moved for one file on stderr. A negative
// total renders a spinner.
func newTransferBar(total int64, description string, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultBytesSilent(total, description)
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
	)
}

// trackReader counts bytes read from r on bar.
func trackReader(r io.Reader, bar *progressbar.ProgressBar) io.Reader {
	return io.TeeReader(r, bar)
}

// trackWriter counts bytes written to w on bar.
func trackWriter(w io.Writer, bar *progressbar.ProgressBar) io.Writer {
	return io.MultiWriter(w, bar)
}
