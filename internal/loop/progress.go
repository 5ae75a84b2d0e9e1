package loop

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jywlabs/halloop/internal/prd"
)

// appendProgress adds one entry per applied attempt to the progress log the
// executor reads back on later iterations.
func appendProgress(path string, at time.Time, storyID string, iteration int, status prd.AttemptStatus, learnings []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s - %s (iteration %d): %s\n", at.Format(time.RFC3339), storyID, iteration, status)
	for _, l := range learnings {
		if l = strings.TrimSpace(l); l != "" {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
