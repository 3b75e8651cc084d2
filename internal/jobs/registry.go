package jobs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/reposter/internal/util"
)

// Registry is the process-wide table of job records. Records live for the
// lifetime of the process and are never evicted.
//
// Each record has its own mutex, so mutations of one job never block another.
// After every mutation a snapshot is published through an atomic pointer, which
// makes Get a non-blocking load that always sees a fully applied update.
type Registry struct {
	entries sync.Map // id -> *entry
	count   atomic.Int64
	now     func() time.Time
	newID   func() string
}

type entry struct {
	mu   sync.Mutex
	job  Job
	snap atomic.Pointer[Job]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now, newID: util.NewID}
}

// Create inserts a fresh record for req and returns its initial snapshot.
func (r *Registry) Create(req Request) (Job, error) {
	src := req.Source
	if src == "" {
		src = DefaultSource
	}
	e := &entry{job: Job{
		Source:      src,
		TargetURL:   req.TargetURL,
		Caption:     req.Caption,
		Hashtags:    req.Hashtags,
		CallbackURL: req.CallbackURL,
		Status:      StatusProcessing,
		Steps:       []string{},
		Log:         []string{},
		CreatedAt:   r.now().UTC(),
	}}
	// Ids are random UUIDs; the retry loop only guards the registry's uniqueness contract.
	for attempt := 0; attempt < 3; attempt++ {
		id := r.newID()
		e.job.ID = id
		e.snap.Store(e.job.snapshot())
		if _, loaded := r.entries.LoadOrStore(id, e); !loaded {
			r.count.Add(1)
			return *e.snap.Load(), nil
		}
	}
	return Job{}, fmt.Errorf("allocate job id: repeated collisions")
}

// Get returns the latest published snapshot of id. The returned slices share
// storage with the live record and must be treated as read-only.
func (r *Registry) Get(id string) (Job, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return Job{}, false
	}
	return *v.(*entry).snap.Load(), true
}

// Update runs fn with exclusive access to the live record of id and publishes
// the result. It returns ErrNotFound for unknown ids.
func (r *Registry) Update(id string, fn func(*Job)) error {
	v, ok := r.entries.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.job)
	e.snap.Store(e.job.snapshot())
	return nil
}

// Len returns the number of records ever created.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
