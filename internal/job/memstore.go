package job

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It backs
// tests and deployments without a database; nothing survives a restart.
type MemStore struct {
	now func() time.Time

	mu          sync.Mutex
	jobs        map[string]*Job
	transcripts map[string]*Transcript // keyed by transcript id
	byTrack     map[string]string      // track id -> transcript id
	segments    map[string][]Segment   // transcript id -> segments
}

// NewMemStore returns an empty [MemStore].
func NewMemStore(opts ...Option) *MemStore {
	o := buildOptions(opts)
	return &MemStore{
		now:         o.now,
		jobs:        make(map[string]*Job),
		transcripts: make(map[string]*Transcript),
		byTrack:     make(map[string]string),
		segments:    make(map[string][]Segment),
	}
}

// CreateJob implements [Store.CreateJob].
func (s *MemStore) CreateJob(_ context.Context, trackID, providerJobID string, status Status, progress *float64) (*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("job: create: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &Job{
		ID:            uuid.NewString(),
		TrackID:       trackID,
		ProviderJobID: providerJobID,
		Status:        status,
		CreatedAt:     s.now(),
	}
	if progress != nil {
		j.Progress = clampProgress(nil, *progress)
	}
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

// LoadJob implements [Store.LoadJob].
func (s *MemStore) LoadJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone(), nil
}

// LoadJobsByTrack implements [Store.LoadJobsByTrack].
func (s *MemStore) LoadJobsByTrack(_ context.Context, trackID string) ([]Job, error) {
	jobs := s.collect(func(j *Job) bool { return j.TrackID == trackID })
	slices.Reverse(jobs)
	return jobs, nil
}

// LoadActiveJobs implements [Store.LoadActiveJobs].
func (s *MemStore) LoadActiveJobs(_ context.Context) ([]Job, error) {
	return s.collect(func(j *Job) bool { return !j.Status.Terminal() }), nil
}

// collect returns matching jobs sorted by creation time, oldest first.
func (s *MemStore) collect(match func(*Job) bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, *j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// mutate applies fn to the job under the store lock. fn works on a copy that
// only replaces the stored job when it returns nil.
func (s *MemStore) mutate(id string, fn func(j *Job, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next, s.now()); err != nil {
		return err
	}
	s.jobs[id] = next
	return nil
}

// UpdateStatus implements [Store.UpdateStatus].
func (s *MemStore) UpdateStatus(_ context.Context, id string, status Status, progress *float64) error {
	return s.mutate(id, func(j *Job, now time.Time) error {
		return applyStatus(j, status, progress, now)
	})
}

// SetProviderIDs implements [Store.SetProviderIDs].
func (s *MemStore) SetProviderIDs(_ context.Context, id, providerFileID, providerJobID string) error {
	return s.mutate(id, func(j *Job, _ time.Time) error {
		if providerFileID != "" {
			j.ProviderFileID = providerFileID
		}
		if providerJobID != "" {
			j.ProviderJobID = providerJobID
		}
		return nil
	})
}

// MarkCompleted implements [Store.MarkCompleted].
func (s *MemStore) MarkCompleted(_ context.Context, id string) error {
	return s.mutate(id, func(j *Job, now time.Time) error {
		return applyCompleted(j, now)
	})
}

// MarkFailed implements [Store.MarkFailed].
func (s *MemStore) MarkFailed(_ context.Context, id, message string) error {
	return s.mutate(id, func(j *Job, now time.Time) error {
		return applyFailed(j, message, now)
	})
}

// ResetForRetry implements [Store.ResetForRetry].
func (s *MemStore) ResetForRetry(_ context.Context, id string) error {
	return s.mutate(id, func(j *Job, _ time.Time) error {
		return applyReset(j)
	})
}

// DeleteJob implements [Store.DeleteJob].
func (s *MemStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// DeleteCompletedBefore implements [Store.DeleteCompletedBefore].
func (s *MemStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status == StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// EnsureTranscript implements [Store.EnsureTranscript].
func (s *MemStore) EnsureTranscript(_ context.Context, trackID, collectionID, language string) (*Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTrack[trackID]; ok {
		c := *s.transcripts[id]
		return &c, nil
	}
	now := s.now()
	t := &Transcript{
		ID:           uuid.NewString(),
		TrackID:      trackID,
		CollectionID: collectionID,
		Language:     language,
		Status:       TranscriptPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.transcripts[t.ID] = t
	s.byTrack[trackID] = t.ID
	c := *t
	return &c, nil
}

// LoadTranscript implements [Store.LoadTranscript].
func (s *MemStore) LoadTranscript(_ context.Context, trackID string) (*Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTrack[trackID]
	if !ok {
		return nil, nil
	}
	c := *s.transcripts[id]
	return &c, nil
}

// UpdateTranscriptStatus implements [Store.UpdateTranscriptStatus].
func (s *MemStore) UpdateTranscriptStatus(_ context.Context, trackID string, status TranscriptStatus, providerJobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTrack[trackID]
	if !ok {
		return fmt.Errorf("%w: track %s", ErrTranscriptNotFound, trackID)
	}
	t := s.transcripts[id]
	t.Status = status
	if providerJobID != "" {
		t.ProviderJobID = providerJobID
	}
	t.ErrorMessage = message
	t.UpdatedAt = s.now()
	return nil
}

// SaveTranscript implements [Store.SaveTranscript].
func (s *MemStore) SaveTranscript(_ context.Context, transcriptID string, segments []Segment, fullText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[transcriptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTranscriptNotFound, transcriptID)
	}

	stored := make([]Segment, len(segments))
	for i, seg := range segments {
		seg.ID = uuid.NewString()
		seg.TranscriptID = transcriptID
		seg.Confidence = cloneFloat(seg.Confidence)
		stored[i] = seg
	}
	slices.SortStableFunc(stored, func(a, b Segment) int { return cmp.Compare(a.Index, b.Index) })

	s.segments[transcriptID] = stored
	t.FullText = fullText
	t.Status = TranscriptComplete
	t.ErrorMessage = ""
	t.UpdatedAt = s.now()
	return nil
}

// LoadSegments implements [Store.LoadSegments].
func (s *MemStore) LoadSegments(_ context.Context, transcriptID string) ([]Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.segments[transcriptID]), nil
}
