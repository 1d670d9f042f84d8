// Package solo keeps one instance of an application running per host and
// lets later launches hand their file arguments and a "raise window" request
// to it through a small named shared-memory segment.
package solo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gosuda.org/solo/internal/protocol"
	"gosuda.org/solo/internal/shm"
)

// Role is the part a process plays for a segment name
//
//go:generate go tool stringer -type=Role
type Role uint8

const (
	RoleUndecided Role = iota // TryRun has not decided yet
	RolePrimary               // Created the segment and drains it
	RoleSecondary             // Found the segment and forwards to the primary
)

// Default retry policy for OpenExternalFiles
const (
	DefaultRetryRounds   = 100
	DefaultRetryInterval = 500 * time.Millisecond
)

// BufferCapacity is the size of the handoff buffer in UTF-16 code units
// A path longer than BufferCapacity-1 units can never be handed off.
const BufferCapacity = protocol.BufferCapacity

// Error definitions for guard operations
var (
	// ErrSegmentUnavailable means the segment could neither be attached nor created
	ErrSegmentUnavailable = errors.New("solo: shared segment unavailable")
	// ErrCorruptState means the segment does not hold a valid state.
	// Callers must treat it as fatal: nothing read from the segment can be trusted.
	ErrCorruptState = errors.New("solo: corrupt shared state")
)

// Guard enforces a single running instance for one segment name
// A Guard is meant to be driven by one goroutine; its methods are nevertheless
// safe to call concurrently. The segment lock is only held for the duration of
// a single read or update of the shared state.
type Guard struct {
	// Configuration
	name          string        // Segment name shared by all instances
	dir           string        // Directory holding the segment, "" for the default
	retryRounds   int           // Handoff rounds before giving up
	retryInterval time.Duration // Wait between handoff rounds
	logger        *zap.Logger
	metrics       *Metrics

	// State management
	mu     sync.Mutex
	seg    *shm.SharedMemory // Attached or created segment, nil until needed
	online bool              // True only while this process is the primary
	role   Role
}

// Option configures a Guard
type Option func(*Guard)

// WithDir places the segment in dir instead of the platform default
func WithDir(dir string) Option {
	return func(g *Guard) {
		g.dir = dir
	}
}

// WithLogger sets the logger; the default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRetry sets how many rounds a handoff may take and how long to wait between them
func WithRetry(rounds int, interval time.Duration) Option {
	return func(g *Guard) {
		if rounds > 0 {
			g.retryRounds = rounds
		}
		if interval >= 0 {
			g.retryInterval = interval
		}
	}
}

// WithMetrics records guard activity into m
func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}

// New creates a Guard for the segment called name
// Nothing is attached or created until TryRun, ShowInstance or OpenExternalFiles.
func New(name string, opts ...Option) *Guard {
	g := &Guard{
		name:          name,
		retryRounds:   DefaultRetryRounds,
		retryInterval: DefaultRetryInterval,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	g.logger = g.logger.With(zap.String("segment", name))
	return g
}

// Name returns the segment name
func (g *Guard) Name() string {
	return g.name
}

// Role returns the role decided by TryRun
func (g *Guard) Role() Role {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.role
}

// Online reports whether this process is the primary instance
func (g *Guard) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.online
}

// TryRun decides whether this process is the primary instance
// It first tries to attach: if a segment exists, another instance owns the
// name and TryRun returns false with the attachment kept for later requests.
// Otherwise it creates and initializes the segment and returns true.
//
// Losing a creation race returns false without an error. Any other failure
// returns false and an error wrapping ErrSegmentUnavailable.
//
// A segment nobody is attached to was left behind by a crashed primary; it is
// removed first, and this process takes over the name.
func (g *Guard) TryRun() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.role != RoleUndecided {
		return g.online, nil
	}

	// Reclaim an abandoned segment
	err := shm.Remove(g.dir, g.name)
	switch {
	case err == nil:
		g.logger.Warn("removed a shared segment abandoned by a crashed instance")
	case errors.Is(err, shm.ErrBusy), errors.Is(err, shm.ErrNotExist):
	default:
		g.logger.Warn("failed to reclaim shared segment", zap.Error(err))
		return false, fmt.Errorf("%w: reclaim %s: %w", ErrSegmentUnavailable, g.name, err)
	}

	// An attachable segment means another instance is running
	seg, err := shm.Attach(g.dir, g.name)
	if err == nil {
		g.seg = seg
		g.role = RoleSecondary
		g.logger.Info("another instance is running")
		return false, nil
	}
	if !errors.Is(err, shm.ErrNotExist) {
		g.logger.Warn("failed to attach to shared segment", zap.Error(err))
		return false, fmt.Errorf("%w: attach %s: %w", ErrSegmentUnavailable, g.name, err)
	}

	// Try to create it; the state is initialized before the name is published
	seg, err = shm.Create(g.dir, g.name, protocol.Size, func(data []byte) error {
		return protocol.New().Store(data)
	})
	switch {
	case err == nil:
	case errors.Is(err, shm.ErrExist):
		g.role = RoleSecondary
		g.logger.Info("lost the race to create the shared segment")
		return false, nil
	default:
		g.logger.Warn("failed to create shared segment", zap.Error(err))
		return false, fmt.Errorf("%w: create %s: %w", ErrSegmentUnavailable, g.name, err)
	}

	g.seg = seg
	g.online = true
	g.role = RolePrimary
	g.logger.Info("running as primary instance", zap.String("path", seg.Path()))
	return true, nil
}

// ShowInstance asks the primary instance to raise its window
// The request is fire-and-forget: repeated requests before the primary polls
// collapse into one, and there is no acknowledgement.
func (g *Guard) ShowInstance() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.attachLocked(); err != nil {
		return err
	}

	err := g.update(func(st *protocol.State) error {
		st.AskedToShow = true
		return nil
	})
	if err != nil {
		return err
	}

	g.metrics.ShowRequests.Inc()
	g.logger.Debug("requested primary instance to show up")
	return nil
}

// Handoff reports the outcome of OpenExternalFiles
type Handoff struct {
	Delivered []string // Written to the shared buffer, in order
	Skipped   []string // Too long to ever fit the buffer
	Dropped   []string // Still pending when the retry budget or context ran out
	Rounds    int      // Locked append rounds taken
}

// Complete reports whether every path was either delivered or skipped as unfit
func (h Handoff) Complete() bool {
	return len(h.Dropped) == 0
}

// OpenExternalFiles hands paths to the primary instance
// Each round appends as many of the remaining paths as fit in the shared
// buffer. When the buffer is full the call waits for the primary to drain it
// and tries again, up to the configured number of rounds. A path that could
// never fit is skipped. Whatever is left when the rounds run out is dropped:
// the channel is best effort.
//
// The wait between rounds does not hold the segment lock and returns early
// when ctx is done, in which case the remaining paths are dropped and
// ctx.Err() is returned.
func (g *Guard) OpenExternalFiles(ctx context.Context, files []string) (Handoff, error) {
	var h Handoff
	if len(files) == 0 {
		return h, nil
	}

	g.logger.Debug("requesting primary instance to open files", zap.Strings("files", files))

	idx := 0
	for {
		h.Rounds++
		g.metrics.HandoffRounds.Inc()

		err := g.appendRound(files, &idx, &h)
		if err != nil {
			h.Dropped = files[idx:]
			g.metrics.FilesDropped.Add(float64(len(h.Dropped)))
			return h, err
		}

		if idx >= len(files) {
			break
		}

		// Out of rounds: drop the rest
		if h.Rounds >= g.retryRounds {
			h.Dropped = files[idx:]
			g.metrics.FilesDropped.Add(float64(len(h.Dropped)))
			g.logger.Warn("gave up handing off files",
				zap.Int("rounds", h.Rounds),
				zap.Strings("dropped", h.Dropped))
			break
		}

		// Wait for the primary to drain
		timer := time.NewTimer(g.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.Dropped = files[idx:]
			g.metrics.FilesDropped.Add(float64(len(h.Dropped)))
			return h, ctx.Err()
		case <-timer.C:
		}
	}

	return h, nil
}

// appendRound runs one locked round of OpenExternalFiles starting at *idx
func (g *Guard) appendRound(files []string, idx *int, h *Handoff) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.attachLocked(); err != nil {
		return err
	}

	g.logger.Debug("handoff round",
		zap.Int("round", h.Rounds),
		zap.Int("next", *idx),
		zap.Int("total", len(files)))

	return g.update(func(st *protocol.State) error {
		for ; *idx < len(files); *idx++ {
			file := files[*idx]

			// Skip paths that cannot fit even an empty buffer
			if !protocol.Fits(file) {
				h.Skipped = append(h.Skipped, file)
				g.metrics.FilesSkipped.Inc()
				g.logger.Warn("skipping file with a path too long to hand off",
					zap.String("file", file),
					zap.Int("units", protocol.EncodedLen(file)))
				continue
			}

			if !st.Append(file) {
				g.logger.Debug("no space left for file", zap.String("file", file), zap.Int("free", st.Free()))
				break
			}

			h.Delivered = append(h.Delivered, file)
			g.metrics.FilesSent.Inc()
			g.logger.Debug("appended file", zap.String("file", file), zap.Uint32("index", st.BufferIndex))
		}
		return nil
	})
}

// FetchFilesToOpen drains the paths handed off by other instances
// Paths are returned in the order they were written and the buffer is left
// empty. It returns nil when this process is not the primary instance.
func (g *Guard) FetchFilesToOpen() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.online {
		return nil, nil
	}

	var files []string
	err := g.update(func(st *protocol.State) error {
		drained, err := st.Drain()
		if err != nil {
			return g.corrupt(err)
		}
		files = drained
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) > 0 {
		g.metrics.FilesReceived.Add(float64(len(files)))
		g.logger.Debug("fetched files to open", zap.Strings("files", files))
	}
	return files, nil
}

// FetchAskedToShow reports whether another instance asked this one to show up
// The request is cleared by reading it, so it is observed at most once.
// It returns false when this process is not the primary instance.
func (g *Guard) FetchAskedToShow() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.online {
		return false, nil
	}

	var asked bool
	err := g.update(func(st *protocol.State) error {
		asked = st.AskedToShow
		st.AskedToShow = false
		return nil
	})
	if err != nil {
		return false, err
	}

	if asked {
		g.metrics.ShowsReceived.Inc()
	}
	return asked, nil
}

// Exit gives up the primary role and frees the segment name
// It is a no-op unless this process is the primary instance.
func (g *Guard) Exit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.online {
		return nil
	}

	err := g.seg.Detach()
	g.seg = nil
	g.online = false
	g.role = RoleUndecided
	g.logger.Info("primary instance exited")
	return err
}

// Close releases any binding to the segment, whatever the role
// A primary frees the name as in Exit. A secondary only detaches, unless the
// primary is gone and nobody else is attached, in which case it frees the name.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seg == nil {
		return nil
	}

	err := g.seg.Detach()
	g.seg = nil
	g.online = false
	g.role = RoleUndecided
	return err
}

// attachLocked attaches to the segment if this Guard holds no binding yet
// The caller must hold g.mu.
func (g *Guard) attachLocked() error {
	if g.seg != nil {
		return nil
	}

	seg, err := shm.Attach(g.dir, g.name)
	if err != nil {
		g.logger.Warn("failed to attach to shared segment", zap.Error(err))
		return fmt.Errorf("%w: attach %s: %w", ErrSegmentUnavailable, g.name, err)
	}
	g.seg = seg
	return nil
}

// update runs fn on a private copy of the shared state under the segment lock
// The copy is verified before fn runs and written back only if fn succeeds.
// The lock is released on every path. The caller must hold g.mu.
func (g *Guard) update(fn func(st *protocol.State) error) error {
	if err := g.seg.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %w", ErrSegmentUnavailable, g.name, err)
	}
	defer g.seg.Unlock()

	region := g.seg.Bytes()
	if len(region) != protocol.Size {
		return g.corrupt(fmt.Errorf("segment holds %d bytes, want %d", len(region), protocol.Size))
	}

	st, err := protocol.Load(region)
	if err != nil {
		return g.corrupt(err)
	}
	if !st.Valid() {
		return g.corrupt(fmt.Errorf("magic %d, want %d", st.Magic, protocol.Magic))
	}

	if err = fn(st); err != nil {
		return err
	}
	return st.Store(region)
}

// corrupt logs and wraps a consistency violation
func (g *Guard) corrupt(err error) error {
	g.metrics.CorruptStates.Inc()
	g.logger.Error("shared state is corrupt", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrCorruptState, err)
}
