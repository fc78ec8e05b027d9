package segment

import (
	"bufio"
	"fmt"
	"io"
)

// WriteSRT renders segments as a SubRip subtitle file. When speakerLabels is
// true each cue is prefixed with "Speaker <label>:" unless the speaker is
// unknown.
func WriteSRT(w io.Writer, segments []Segment, speakerLabels bool) error {
	bw := bufio.NewWriter(w)
	for i, s := range segments {
		text := s.Text
		if speakerLabels && s.Speaker != "" && s.Speaker != UnknownSpeaker {
			text = fmt.Sprintf("Speaker %s: %s", s.Speaker, text)
		}
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1, SRTTimestamp(s.StartMs), SRTTimestamp(s.EndMs), text); err != nil {
			return fmt.Errorf("segment: write srt: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("segment: write srt: %w", err)
	}
	return nil
}

// SRTTimestamp formats milliseconds as HH:MM:SS,mmm. Negative input is
// clamped to zero.
func SRTTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}
