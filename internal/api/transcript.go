package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/segment"
)

type transcriptResponse struct {
	Transcript *job.Transcript `json:"transcript"`
	Segments   []job.Segment   `json:"segments"`
}

// handleTranscript returns a track's transcript. ?format=srt renders the
// segments as SubRip; ?speakers=false drops speaker labels, which are
// otherwise included when more than one speaker was recognised.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("trackID")
	tr, err := s.cfg.Store.LoadTranscript(r.Context(), trackID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tr == nil {
		writeError(w, r, fmt.Errorf("%w: track %s", job.ErrTranscriptNotFound, trackID))
		return
	}
	segs, err := s.cfg.Store.LoadSegments(r.Context(), tr.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if segs == nil {
		segs = []job.Segment{}
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, transcriptResponse{Transcript: tr, Segments: segs})
	case "srt":
		if tr.Status != job.TranscriptComplete {
			writeError(w, r, fmt.Errorf("%w: transcript for track %s is %s", job.ErrInvalidTransition, trackID, tr.Status))
			return
		}
		labels := speakerCount(segs) > 1
		if v := r.URL.Query().Get("speakers"); v != "" {
			if labels, err = strconv.ParseBool(v); err != nil {
				writeError(w, r, fmt.Errorf("%w: speakers must be a boolean", errBadRequest))
				return
			}
		}
		w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", trackID+".srt"))
		if err := segment.WriteSRT(w, toSegments(segs), labels); err != nil {
			observe.Logger(r.Context()).Debug("api: failed to write srt", "track_id", trackID, "err", err)
		}
	default:
		writeError(w, r, fmt.Errorf("%w: unknown format %q", errBadRequest, format))
	}
}

func speakerCount(segs []job.Segment) int {
	seen := make(map[string]struct{})
	for _, sg := range segs {
		if sg.Speaker != "" && sg.Speaker != segment.UnknownSpeaker {
			seen[sg.Speaker] = struct{}{}
		}
	}
	return len(seen)
}

func toSegments(segs []job.Segment) []segment.Segment {
	out := make([]segment.Segment, len(segs))
	for i, sg := range segs {
		out[i] = segment.Segment{
			Index:      sg.Index,
			StartMs:    sg.StartMs,
			EndMs:      sg.EndMs,
			Text:       sg.Text,
			Speaker:    sg.Speaker,
			Language:   sg.Language,
			Confidence: sg.Confidence,
		}
	}
	return out
}
