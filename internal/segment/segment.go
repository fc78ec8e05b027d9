// Package segment rebuilds readable, time-aligned transcript segments from the
// flat token stream returned by an async speech-to-text provider.
//
// [Build] is a pure function: the same tokens and options always produce the
// same segments, and nothing outside the returned slice is touched.
package segment

import (
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

// DefaultMaxDuration is the soft cap on a segment's length.
const DefaultMaxDuration = 20 * time.Second

// UnknownSpeaker labels tokens that carry no diarization information.
const UnknownSpeaker = "unknown"

const (
	// terminalMarks end a sentence; a token ending with one closes its segment.
	terminalMarks = ".。!！?？"

	// softBreaks are acceptable split points when a segment grows too long.
	softBreaks = ",，、.。;；!！?？"
)

// Segment is a contiguous stretch of speech by one speaker.
type Segment struct {
	Index      int
	StartMs    int64
	EndMs      int64
	Text       string
	Speaker    string
	Language   string
	Confidence *float64
}

// Duration returns the segment's length.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.EndMs-s.StartMs) * time.Millisecond
}

// Option configures [Build].
type Option func(*builder)

// WithMaxDuration overrides [DefaultMaxDuration]. Non-positive values are
// ignored.
func WithMaxDuration(d time.Duration) Option {
	return func(b *builder) {
		if d > 0 {
			b.maxMs = d.Milliseconds()
		}
	}
}

type builder struct {
	maxMs int64
	out   []Segment
}

// partial is the segment currently being accumulated.
type partial struct {
	tokens  []asyncstt.Token
	speaker string
	start   int64
}

func newPartial(tok asyncstt.Token) *partial {
	return &partial{
		tokens:  []asyncstt.Token{tok},
		speaker: speakerOf(tok),
		start:   tok.StartMs,
	}
}

// Build groups tokens into segments in a single left-to-right pass.
//
// A segment closes when the speaker changes, when a token ends a sentence, or
// when adding the next token would reach the maximum duration. In the last
// case the segment is split at the most recent soft break (comma, semicolon,
// sentence mark) if one exists. A single token longer than the cap still
// becomes one segment. The result is sorted by start time and indexed 0..n-1.
func Build(tokens []asyncstt.Token, opts ...Option) []Segment {
	b := &builder{maxMs: DefaultMaxDuration.Milliseconds()}
	for _, o := range opts {
		o(b)
	}

	var p *partial
	for _, tok := range tokens {
		end := tok.End()
		switch {
		case p == nil:
			p = newPartial(tok)

		case speakerOf(tok) != p.speaker:
			b.finalize(p.tokens)
			p = newPartial(tok)

		case end-p.start < b.maxMs:
			p.tokens = append(p.tokens, tok)
			if endsSentence(tok.Text) {
				b.finalize(p.tokens)
				p = nil
			}

		default:
			p = b.split(p, tok)
		}
	}
	if p != nil {
		b.finalize(p.tokens)
	}

	slices.SortStableFunc(b.out, func(x, y Segment) int {
		switch {
		case x.StartMs < y.StartMs:
			return -1
		case x.StartMs > y.StartMs:
			return 1
		}
		return 0
	})
	for i := range b.out {
		b.out[i].Index = i
	}
	return b.out
}

// split handles a token that would push p past the cap. It returns the new
// open partial, or nil when everything has been finalized.
func (b *builder) split(p *partial, tok asyncstt.Token) *partial {
	cut := -1
	for i := len(p.tokens) - 1; i >= 0; i-- {
		t := p.tokens[i]
		if strings.ContainsAny(t.Text, softBreaks) && t.End()-p.start <= b.maxMs {
			cut = i
			break
		}
	}
	if cut < 0 {
		b.finalize(p.tokens)
		return newPartial(tok)
	}

	b.finalize(p.tokens[:cut+1])
	rest := p.tokens[cut+1:]
	if len(rest) == 0 {
		return newPartial(tok)
	}

	np := &partial{
		tokens:  slices.Clone(rest),
		speaker: p.speaker,
		start:   rest[0].StartMs,
	}
	if tok.End()-np.start >= b.maxMs {
		b.finalize(np.tokens)
		return newPartial(tok)
	}
	np.tokens = append(np.tokens, tok)
	if endsSentence(tok.Text) {
		b.finalize(np.tokens)
		return nil
	}
	return np
}

func (b *builder) finalize(tokens []asyncstt.Token) {
	if len(tokens) == 0 {
		return
	}
	seg := Segment{
		StartMs: tokens[0].StartMs,
		EndMs:   tokens[0].End(),
		Speaker: speakerOf(tokens[0]),
	}

	var (
		confSum float64
		confN   int
	)
	for _, t := range tokens {
		if e := t.End(); e > seg.EndMs {
			seg.EndMs = e
		}
		if seg.Language == "" && t.Language != "" {
			seg.Language = t.Language
		}
		if t.Confidence != nil {
			confSum += *t.Confidence
			confN++
		}
	}
	if confN > 0 {
		mean := confSum / float64(confN)
		seg.Confidence = &mean
	}
	seg.Text = joinTokens(tokens, seg.Language)
	b.out = append(b.out, seg)
}

func speakerOf(t asyncstt.Token) string {
	if t.Speaker == "" {
		return UnknownSpeaker
	}
	return t.Speaker
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, m := range terminalMarks {
		if strings.HasSuffix(text, string(m)) {
			return true
		}
	}
	return false
}
