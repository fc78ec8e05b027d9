package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lectern/internal/events"
	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/observe"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// handleEvents streams a job's events as JSON text frames. Retained events
// newer than ?since=<seq> are replayed first. The stream ends with a normal
// closure once the job reaches a terminal state or is deleted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, r, fmt.Errorf("%w: event streaming is disabled", job.ErrJobNotFound))
		return
	}
	j, err := s.loadJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, r, fmt.Errorf("%w: since must be an event sequence number", errBadRequest))
			return
		}
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, unsubscribe := s.cfg.Bus.Subscribe(j.ID)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		// Accept has already written the HTTP error.
		return
	}
	defer conn.CloseNow()

	// The client sends nothing; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx).With("job_id", j.ID)

	last := since
	send := func(e events.Event) (done bool, err error) {
		if e.Seq <= last {
			return false, nil
		}
		last = e.Seq
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, e); err != nil {
			return true, err
		}
		return finalKind(e.Kind), nil
	}

	for _, e := range s.cfg.Bus.Since(since, j.ID) {
		done, err := send(e)
		if err != nil {
			log.Debug("api: event stream write failed", "err", err)
			return
		}
		if done {
			conn.Close(websocket.StatusNormalClosure, "job finished")
			return
		}
	}
	// A job that finished before the replay window still gets a final frame.
	// It carries sequence number 0 because it never went through the bus.
	if j.Status.Terminal() && last == since {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, events.Event{
			Kind:     kindFor(j.Status),
			JobID:    j.ID,
			TrackID:  j.TrackID,
			Status:   string(j.Status),
			Progress: j.Progress,
			Message:  j.ErrorMessage,
			Time:     time.Now(),
		})
		cancel()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "job finished")
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			done, err := send(e)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("api: event stream write failed", "err", err)
				}
				return
			}
			if done {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

// finalKind reports whether no further events follow e for its job.
func finalKind(k events.Kind) bool {
	switch k {
	case events.KindCompleted, events.KindFailed, events.KindCanceled, events.KindDeleted:
		return true
	}
	return false
}

func kindFor(s job.Status) events.Kind {
	switch s {
	case job.StatusCompleted:
		return events.KindCompleted
	case job.StatusFailed:
		return events.KindFailed
	case job.StatusCanceled:
		return events.KindCanceled
	}
	return events.KindStatus
}
