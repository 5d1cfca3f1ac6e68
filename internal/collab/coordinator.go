package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type sessionPhase int

const (
	phaseLoading sessionPhase = iota
	phaseActive
	phaseDraining
)

// CoordinatorOptions configure a Coordinator. Zero values select the
// in-memory backends and the documented defaults.
type CoordinatorOptions struct {
	Log         OperationLog
	Checkpoints CheckpointStore
	Bus         BroadcastBus
	Machine     *StateMachine

	// GracePeriod is how long a session with no participants stays
	// resident before eviction.
	GracePeriod time.Duration
	// CheckpointEvery triggers a checkpoint after this many operations
	// since the last one.
	CheckpointEvery int
	// CheckpointInterval flushes slow sessions that never reach
	// CheckpointEvery.
	CheckpointInterval time.Duration
	PresenceTTL        time.Duration
	// RequireExistingSession disables the default create-on-join policy;
	// joins against sessions with no durable record then fail with
	// ErrSessionNotFound.
	RequireExistingSession bool
	ReplayPageSize         int
	// MaxWindowCache bounds the in-memory tail of recent operations kept
	// for conflict-window computation; older windows read from the log.
	MaxWindowCache       int
	CheckpointRetries    int
	CheckpointRetryDelay time.Duration
	DisableWorkers       bool
}

type submitOutcome struct {
	seq int64
}

type session struct {
	id string

	mu             sync.Mutex
	phase          sessionPhase
	evicted        bool
	state          State
	version        int64
	participants   map[string]struct{}
	outcomes       map[string]submitOutcome
	tail           []Operation
	tailStart      int64
	dirty          int
	lastCheckpoint int64
	drainTimer     *time.Timer

	loaded  chan struct{}
	loadErr error
}

// Coordinator owns the in-memory state machine of every session it hosts
// and serializes each session's mutation path. Sessions move through
// cold -> loading -> active -> draining -> cold; nothing is lost on
// eviction because the log and checkpoints are durable.
type Coordinator struct {
	log         OperationLog
	checkpoints CheckpointStore
	bus         BroadcastBus
	machine     *StateMachine
	presence    *PresenceTracker

	gracePeriodNs        atomic.Int64
	checkpointEvery      atomic.Int64
	checkpointIntervalNs atomic.Int64

	requireExisting      bool
	replayPageSize       int
	maxWindowCache       int
	checkpointRetries    int
	checkpointRetryDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	cpQueue  chan string
	cpQueued map[string]struct{}

	workerCtx    context.Context
	workerCancel context.CancelFunc
	closed       chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Log == nil {
		opts.Log = NewMemoryOperationLog()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointStore()
	}
	if opts.Bus == nil {
		opts.Bus = NewMemoryBus()
	}
	if opts.Machine == nil {
		opts.Machine = NewStateMachine()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Minute
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 64
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 30 * time.Second
	}
	if opts.ReplayPageSize <= 0 {
		opts.ReplayPageSize = 256
	}
	if opts.MaxWindowCache <= 0 {
		opts.MaxWindowCache = 1024
	}
	if opts.CheckpointRetries <= 0 {
		opts.CheckpointRetries = 3
	}
	if opts.CheckpointRetryDelay <= 0 {
		opts.CheckpointRetryDelay = 50 * time.Millisecond
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	c := &Coordinator{
		log:                  opts.Log,
		checkpoints:          opts.Checkpoints,
		bus:                  opts.Bus,
		machine:              opts.Machine,
		presence:             NewPresenceTracker(opts.PresenceTTL),
		requireExisting:      opts.RequireExistingSession,
		replayPageSize:       opts.ReplayPageSize,
		maxWindowCache:       opts.MaxWindowCache,
		checkpointRetries:    opts.CheckpointRetries,
		checkpointRetryDelay: opts.CheckpointRetryDelay,
		sessions:             map[string]*session{},
		cpQueue:              make(chan string, 256),
		cpQueued:             map[string]struct{}{},
		workerCtx:            workerCtx,
		workerCancel:         workerCancel,
		closed:               make(chan struct{}),
	}
	c.gracePeriodNs.Store(int64(opts.GracePeriod))
	c.checkpointEvery.Store(int64(opts.CheckpointEvery))
	c.checkpointIntervalNs.Store(int64(opts.CheckpointInterval))

	if !opts.DisableWorkers {
		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			c.checkpointWorker()
		}()
		go func() {
			defer c.wg.Done()
			c.intervalFlusher()
		}()
	}
	return c
}

func (c *Coordinator) Machine() *StateMachine { return c.machine }

func (c *Coordinator) SetGracePeriod(d time.Duration) {
	if d > 0 {
		c.gracePeriodNs.Store(int64(d))
	}
}

func (c *Coordinator) SetCheckpointEvery(n int) {
	if n > 0 {
		c.checkpointEvery.Store(int64(n))
	}
}

func (c *Coordinator) SetCheckpointInterval(d time.Duration) {
	if d > 0 {
		c.checkpointIntervalNs.Store(int64(d))
	}
}

func (c *Coordinator) SetPresenceTTL(d time.Duration) {
	c.presence.SetTTL(d)
}

// Create registers a session explicitly by writing an initial checkpoint
// of the given state type at sequence zero. It fails if the session
// already has a durable record.
func (c *Coordinator) Create(ctx context.Context, sessionID, stateType string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	initial, err := c.machine.InitialState(stateType)
	if err != nil {
		return err
	}
	if _, ok, err := c.checkpoints.LoadLatest(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: load checkpoint: %v", ErrStoreUnavailable, err)
	} else if ok {
		return fmt.Errorf("%w: session %q already exists", ErrInvalidInput, sessionID)
	}
	if tail, err := c.log.TailSeq(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: read log tail: %v", ErrStoreUnavailable, err)
	} else if tail > 0 {
		return fmt.Errorf("%w: session %q already exists", ErrInvalidInput, sessionID)
	}
	cp := Checkpoint{SessionID: sessionID, State: initial, Seq: 0, TakenAt: time.Now().UTC()}
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Join registers a participant and returns an atomic snapshot of the
// current state and version. It loads the session from the durable store
// when the session is cold.
func (c *Coordinator) Join(ctx context.Context, sessionID, participantID string) (JoinResult, error) {
	if sessionID == "" || participantID == "" {
		return JoinResult{}, ErrInvalidInput
	}
	for {
		s, err := c.getSession(ctx, sessionID)
		if err != nil {
			return JoinResult{}, err
		}
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		if s.phase == phaseDraining {
			if s.drainTimer != nil {
				s.drainTimer.Stop()
				s.drainTimer = nil
			}
			s.phase = phaseActive
		}
		s.participants[participantID] = struct{}{}
		result := JoinResult{State: s.state.Clone(), Version: s.version}
		s.mu.Unlock()
		c.presence.Touch(sessionID, participantID, nil)
		return result, nil
	}
}

// Submit validates, sequences, applies and fans out one operation. The
// whole mutation path is serialized per session. Repeated submissions of
// the same client op id return the original outcome without reapplying.
func (c *Coordinator) Submit(ctx context.Context, sessionID, participantID string, op Operation) (SubmitResult, error) {
	if sessionID == "" || participantID == "" || op.ClientOpID == "" {
		return SubmitResult{}, ErrInvalidInput
	}
	if op.BaseVersion < 0 {
		return SubmitResult{}, fmt.Errorf("%w: negative base version", ErrInvalidInput)
	}
	if !c.machine.Supports(op.Type) {
		return SubmitResult{}, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, op.Type)
	}
	op.SessionID = sessionID
	op.ParticipantID = participantID

	for {
		s, err := c.getSession(ctx, sessionID)
		if err != nil {
			return SubmitResult{}, err
		}
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		result, err := c.submitLocked(ctx, s, op)
		s.mu.Unlock()
		return result, err
	}
}

func (c *Coordinator) submitLocked(ctx context.Context, s *session, op Operation) (SubmitResult, error) {
	key := outcomeKey(op.ParticipantID, op.ClientOpID)
	if prior, ok := s.outcomes[key]; ok {
		return SubmitResult{Seq: prior.seq, Version: s.version, Deduped: true}, nil
	}
	if op.BaseVersion > s.version {
		return SubmitResult{}, fmt.Errorf("%w: base version %d ahead of session version %d", ErrInvalidInput, op.BaseVersion, s.version)
	}

	window, err := c.windowSince(ctx, s, op.BaseVersion)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: read conflict window: %v", ErrStoreUnavailable, err)
	}
	merged, err := c.machine.Apply(s.state, op, window)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflict.SessionID = s.id
			conflict.CurrentVersion = s.version
		}
		return SubmitResult{}, err
	}

	effective := op
	effective.Payload = merged.EffectivePayload
	effective.AppendedAt = time.Now().UTC()

	// The append must not be abandoned halfway by a client disconnect:
	// before this point cancellation abandons cleanly, after it the
	// operation fully commits.
	seq, err := c.log.Append(context.WithoutCancel(ctx), effective)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}
	if seq != s.version+1 {
		// Another coordinator appended to this session, which only
		// happens when session affinity is violated. The log has our
		// operation; drop the now-stale resident state so the next call
		// rebuilds from the log.
		log.Printf("collab: session %s expected seq %d, log assigned %d; evicting resident state", s.id, s.version+1, seq)
		s.evicted = true
		c.mu.Lock()
		if c.sessions[s.id] == s {
			delete(c.sessions, s.id)
		}
		c.mu.Unlock()
		return SubmitResult{Seq: seq, Version: seq}, nil
	}

	effective.Seq = seq
	s.state = merged.State
	s.version = seq
	s.tail = append(s.tail, effective)
	if len(s.tail) == 1 {
		s.tailStart = seq
	}
	if drop := len(s.tail) - c.maxWindowCache; drop > 0 {
		s.tail = append(s.tail[:0], s.tail[drop:]...)
		s.tailStart += int64(drop)
	}
	s.dirty++
	s.outcomes[key] = submitOutcome{seq: seq}

	if err := c.bus.Publish(c.workerCtx, effective); err != nil {
		// Best effort: subscribers fall back to polling the log.
		log.Printf("collab: publish seq %d for session %s failed: %v", seq, s.id, err)
	}
	if int64(s.dirty) >= c.checkpointEvery.Load() {
		c.scheduleCheckpoint(s.id)
	}
	return SubmitResult{Seq: seq, Version: seq}, nil
}

// Leave deregisters a participant. When the last participant leaves, the
// session drains: it stays resident for a grace period and is then
// evicted from memory after a final checkpoint.
func (c *Coordinator) Leave(sessionID, participantID string) {
	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()
	c.presence.Forget(sessionID, participantID)
	if s == nil {
		return
	}
	select {
	case <-s.loaded:
	default:
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return
	}
	delete(s.participants, participantID)
	if len(s.participants) == 0 && s.phase == phaseActive {
		s.phase = phaseDraining
		grace := time.Duration(c.gracePeriodNs.Load())
		s.drainTimer = time.AfterFunc(grace, func() {
			c.finishDrain(s)
		})
	}
}

// TouchPresence records a participant's ephemeral cursor/attention
// payload. It never touches durable state.
func (c *Coordinator) TouchPresence(sessionID, participantID string, payload []byte) {
	c.presence.Touch(sessionID, participantID, payload)
}

func (c *Coordinator) PresenceSnapshot(sessionID string) map[string]PresenceInfo {
	return c.presence.Snapshot(sessionID)
}

// ReadOperations serves catch-up reads from the operation log, starting at
// seq inclusive.
func (c *Coordinator) ReadOperations(ctx context.Context, sessionID string, seq int64, limit int) ([]Operation, error) {
	ops, err := c.log.ReadFrom(ctx, sessionID, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: read log: %v", ErrStoreUnavailable, err)
	}
	return ops, nil
}

// Subscribe attaches to the best-effort fan-out of committed operations
// for a session.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	return c.bus.Subscribe(ctx, sessionID)
}

// ActiveSessions reports how many sessions are resident in memory.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.workerCancel()
		c.wg.Wait()
		c.flushDirtySessions()
		if c.bus != nil {
			_ = c.bus.Close()
		}
		if c.log != nil {
			_ = c.log.Close()
		}
		if c.checkpoints != nil {
			_ = c.checkpoints.Close()
		}
	})
}

func (c *Coordinator) getSession(ctx context.Context, sessionID string) (*session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		select {
		case <-c.closed:
			c.mu.Unlock()
			return nil, ErrCoordinatorClosed
		default:
		}
		s = &session{
			id:           sessionID,
			phase:        phaseLoading,
			participants: map[string]struct{}{},
			outcomes:     map[string]submitOutcome{},
			loaded:       make(chan struct{}),
		}
		c.sessions[sessionID] = s
		c.mu.Unlock()
		c.loadSession(ctx, s)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-s.loaded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s, nil
}

// loadSession replays checkpoint + log tail into a fresh session. On
// failure the session stub is removed so a later join retries the load;
// waiters observe a temporary unavailability, never data loss.
func (c *Coordinator) loadSession(ctx context.Context, s *session) {
	defer close(s.loaded)

	fail := func(err error) {
		s.loadErr = err
		c.mu.Lock()
		if c.sessions[s.id] == s {
			delete(c.sessions, s.id)
		}
		c.mu.Unlock()
	}

	cp, haveCheckpoint, err := c.checkpoints.LoadLatest(ctx, s.id)
	if err != nil {
		fail(fmt.Errorf("%w: load checkpoint: %v", ErrStoreUnavailable, err))
		return
	}
	state := State{}
	version := int64(0)
	if haveCheckpoint {
		state = cp.State.Clone()
		version = cp.Seq
	}

	tail := make([]Operation, 0)
	for {
		ops, err := c.log.ReadFrom(ctx, s.id, version+1, c.replayPageSize)
		if err != nil {
			fail(fmt.Errorf("%w: replay log: %v", ErrStoreUnavailable, err))
			return
		}
		if len(ops) == 0 {
			break
		}
		state, err = c.machine.Replay(state, ops)
		if err != nil {
			fail(err)
			return
		}
		for _, op := range ops {
			s.outcomes[outcomeKey(op.ParticipantID, op.ClientOpID)] = submitOutcome{seq: op.Seq}
		}
		tail = append(tail, ops...)
		version = ops[len(ops)-1].Seq
		if len(ops) < c.replayPageSize {
			break
		}
	}

	if c.requireExisting && !haveCheckpoint && version == 0 {
		fail(fmt.Errorf("%w: %s", ErrSessionNotFound, s.id))
		return
	}

	if drop := len(tail) - c.maxWindowCache; drop > 0 {
		tail = tail[drop:]
	}
	s.mu.Lock()
	s.state = state
	s.version = version
	s.tail = tail
	if len(tail) > 0 {
		s.tailStart = tail[0].Seq
	} else {
		s.tailStart = version + 1
	}
	s.lastCheckpoint = cp.Seq
	s.dirty = int(version - cp.Seq)
	s.phase = phaseActive
	s.mu.Unlock()
}

// windowSince returns the committed operations with sequence numbers in
// (base, current]. The resident tail covers recent history; anything
// older is read back from the log.
func (c *Coordinator) windowSince(ctx context.Context, s *session, base int64) ([]Operation, error) {
	if base >= s.version {
		return nil, nil
	}
	if base+1 >= s.tailStart {
		window := make([]Operation, s.version-base)
		copy(window, s.tail[base+1-s.tailStart:])
		return window, nil
	}
	window := make([]Operation, 0, s.version-base)
	next := base + 1
	for next < s.tailStart {
		ops, err := c.log.ReadFrom(ctx, s.id, next, c.replayPageSize)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			break
		}
		for _, op := range ops {
			if op.Seq >= s.tailStart {
				break
			}
			window = append(window, op)
		}
		next = ops[len(ops)-1].Seq + 1
	}
	window = append(window, s.tail...)
	return window, nil
}

// Lock order is always session.mu before Coordinator.mu; the submit path
// holds the former when it takes the latter.
func (c *Coordinator) finishDrain(s *session) {
	s.mu.Lock()
	if s.evicted || s.phase != phaseDraining || len(s.participants) > 0 {
		s.mu.Unlock()
		return
	}
	s.evicted = true
	var final *Checkpoint
	if s.dirty > 0 {
		final = &Checkpoint{
			SessionID: s.id,
			State:     s.state.Clone(),
			Seq:       s.version,
			TakenAt:   time.Now().UTC(),
		}
	}
	s.mu.Unlock()

	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()

	c.presence.DropSession(s.id)
	if final != nil {
		c.saveCheckpointWithRetry(*final)
	}
}

func (c *Coordinator) scheduleCheckpoint(sessionID string) {
	c.mu.Lock()
	if _, queued := c.cpQueued[sessionID]; queued {
		c.mu.Unlock()
		return
	}
	c.cpQueued[sessionID] = struct{}{}
	c.mu.Unlock()
	select {
	case c.cpQueue <- sessionID:
	default:
		c.mu.Lock()
		delete(c.cpQueued, sessionID)
		c.mu.Unlock()
	}
}

func (c *Coordinator) checkpointWorker() {
	for {
		select {
		case <-c.workerCtx.Done():
			return
		case sessionID := <-c.cpQueue:
			c.mu.Lock()
			delete(c.cpQueued, sessionID)
			s := c.sessions[sessionID]
			c.mu.Unlock()
			if s == nil {
				continue
			}
			c.checkpointSession(s)
		}
	}
}

func (c *Coordinator) intervalFlusher() {
	for {
		interval := time.Duration(c.checkpointIntervalNs.Load())
		select {
		case <-c.workerCtx.Done():
			return
		case <-time.After(interval):
		}
		c.mu.Lock()
		resident := make([]*session, 0, len(c.sessions))
		for _, s := range c.sessions {
			resident = append(resident, s)
		}
		c.mu.Unlock()
		for _, s := range resident {
			s.mu.Lock()
			dirty := s.phase != phaseLoading && s.dirty > 0
			s.mu.Unlock()
			if dirty {
				c.scheduleCheckpoint(s.id)
			}
		}
	}
}

func (c *Coordinator) checkpointSession(s *session) {
	s.mu.Lock()
	if s.phase == phaseLoading || s.version <= s.lastCheckpoint {
		s.mu.Unlock()
		return
	}
	cp := Checkpoint{
		SessionID: s.id,
		State:     s.state.Clone(),
		Seq:       s.version,
		TakenAt:   time.Now().UTC(),
	}
	s.mu.Unlock()

	if !c.saveCheckpointWithRetry(cp) {
		return
	}
	s.mu.Lock()
	if cp.Seq > s.lastCheckpoint {
		s.lastCheckpoint = cp.Seq
		s.dirty = int(s.version - cp.Seq)
	}
	s.mu.Unlock()
}

// saveCheckpointWithRetry retries transient store failures with a linear
// backoff. A checkpoint that never lands is logged and dropped: the log
// remains the source of truth and the miss only lengthens future replay.
func (c *Coordinator) saveCheckpointWithRetry(cp Checkpoint) bool {
	var lastErr error
	for attempt := 1; attempt <= c.checkpointRetries; attempt++ {
		if err := c.checkpoints.Save(c.workerCtx, cp); err == nil {
			return true
		} else {
			lastErr = err
		}
		if attempt < c.checkpointRetries {
			select {
			case <-c.workerCtx.Done():
				return false
			case <-time.After(c.checkpointRetryDelay * time.Duration(attempt)):
			}
		}
	}
	log.Printf("collab: checkpoint for session %s at seq %d failed after %d attempts: %v",
		cp.SessionID, cp.Seq, c.checkpointRetries, lastErr)
	return false
}

func (c *Coordinator) flushDirtySessions() {
	c.mu.Lock()
	resident := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		resident = append(resident, s)
	}
	c.mu.Unlock()
	for _, s := range resident {
		s.mu.Lock()
		if s.phase == phaseLoading || s.dirty == 0 {
			s.mu.Unlock()
			continue
		}
		cp := Checkpoint{
			SessionID: s.id,
			State:     s.state.Clone(),
			Seq:       s.version,
			TakenAt:   time.Now().UTC(),
		}
		s.mu.Unlock()
		if err := c.checkpoints.Save(context.Background(), cp); err != nil {
			log.Printf("collab: final checkpoint for session %s failed: %v", cp.SessionID, err)
		}
	}
}

func outcomeKey(participantID, clientOpID string) string {
	return participantID + "\x00" + clientOpID
}
