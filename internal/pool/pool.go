// Package pool manages the fixed set of agent slots workflows draw from.
// Slots move through available -> allocated -> busy -> allocated ->
// available, with an optional resting cooldown. Every reservation carries a
// generation token so a stale release cannot free a slot that has since
// been handed to someone else.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// State is the lifecycle state of one agent slot.
type State string

const (
	StateAvailable State = "available"
	StateAllocated State = "allocated"
	StateBusy      State = "busy"
	StateResting   State = "resting"
)

// DefaultRestDuration is the cooldown callers usually rest an agent for
// after heavy work.
const DefaultRestDuration = 30 * time.Second

// ErrUnknownAgent is returned for operations on a nonexistent slot.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrStaleToken is returned when a reservation token no longer matches the
// slot's current generation.
var ErrStaleToken = errors.New("stale reservation token")

// InsufficientAgentsError reports an allocation that cannot be satisfied.
type InsufficientAgentsError struct {
	Requested int
	Available int
}

func (e *InsufficientAgentsError) Error() string {
	return fmt.Sprintf("insufficient agents: requested %d, available %d", e.Requested, e.Available)
}

// Reservation is a claim on one agent slot.
type Reservation struct {
	AgentID string
	Token   uint64
}

// Info is a read-only snapshot of one slot.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	RoleID       string    `json:"roleId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	WorkflowID   string    `json:"workflowId,omitempty"`
	TaskSummary  string    `json:"taskSummary,omitempty"`
	LogFile      string    `json:"logFile,omitempty"`
	RestingUntil time.Time `json:"restingUntil,omitempty"`
}

// Counts summarizes the pool by state.
type Counts struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	Allocated int `json:"allocated"`
	Busy      int `json:"busy"`
	Resting   int `json:"resting"`
}

// ResizeResult reports the outcome of a resize: slots added, slots removed,
// and slots that could not be removed because they were not available.
type ResizeResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Refused []string `json:"refused,omitempty"`
	Size    int      `json:"size"`
}

type slot struct {
	id           string
	index        int
	state        State
	roleID       string
	sessionID    string
	workflowID   string
	taskSummary  string
	logFile      string
	generation   uint64
	restingUntil time.Time
}

func (s *slot) clear() {
	s.roleID = ""
	s.sessionID = ""
	s.workflowID = ""
	s.taskSummary = ""
	s.logFile = ""
	s.restingUntil = time.Time{}
}

// Pool is the agent slot pool. All methods are safe for concurrent use;
// allocation is all-or-nothing under a single mutex.
type Pool struct {
	mu         sync.Mutex
	slots      []*slot
	nextIndex  int // next slot number for grow
	cursor     int // round-robin scan start
	generation uint64
	now        func() time.Time
	logger     *logger.Logger
}

// New creates a pool of size slots named agent_1 .. agent_N.
func New(size int, log *logger.Logger) *Pool {
	p := &Pool{
		now:    time.Now,
		logger: log.WithFields(zap.String("component", "agent-pool")),
	}
	p.grow(size)
	return p
}

func (p *Pool) grow(n int) []string {
	var added []string
	for i := 0; i < n; i++ {
		p.nextIndex++
		s := &slot{
			id:    fmt.Sprintf("agent_%d", p.nextIndex),
			index: p.nextIndex,
			state: StateAvailable,
		}
		p.slots = append(p.slots, s)
		added = append(added, s.id)
	}
	return added
}

// expire promotes resting slots whose cooldown has elapsed. Caller holds
// the lock.
func (p *Pool) expire() {
	now := p.now()
	for _, s := range p.slots {
		if s.state == StateResting && !s.restingUntil.After(now) {
			s.state = StateAvailable
			s.clear()
		}
	}
}

// Allocate reserves count available agents for a workflow. Selection is
// round-robin over slot index so load spreads across the pool; resting
// slots whose cooldown has not expired are skipped. Allocation is
// all-or-nothing.
func (p *Pool) Allocate(workflowID, roleID, sessionID string, count int) ([]Reservation, error) {
	if count <= 0 {
		return nil, fmt.Errorf("allocation count must be positive, got %d", count)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	available := 0
	for _, s := range p.slots {
		if s.state == StateAvailable {
			available++
		}
	}
	if available < count {
		return nil, &InsufficientAgentsError{Requested: count, Available: available}
	}

	var reservations []Reservation
	total := len(p.slots)
	for i := 0; i < total && len(reservations) < count; i++ {
		s := p.slots[(p.cursor+i)%total]
		if s.state != StateAvailable {
			continue
		}
		p.generation++
		s.state = StateAllocated
		s.roleID = roleID
		s.sessionID = sessionID
		s.workflowID = workflowID
		s.generation = p.generation
		reservations = append(reservations, Reservation{AgentID: s.id, Token: s.generation})
	}
	p.cursor = (p.cursor + 1) % total

	p.logger.Debug("agents allocated",
		zap.Int("count", count),
		zap.String("role_id", roleID),
		zap.String("workflow_id", workflowID))
	return reservations, nil
}

func (p *Pool) find(agentID string) *slot {
	for _, s := range p.slots {
		if s.id == agentID {
			return s
		}
	}
	return nil
}

func (p *Pool) checked(r Reservation) (*slot, error) {
	s := p.find(r.AgentID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, r.AgentID)
	}
	if s.generation != r.Token {
		return nil, fmt.Errorf("%w: %s", ErrStaleToken, r.AgentID)
	}
	return s, nil
}

// BeginBusy moves an allocated slot to busy, recording what it is working
// on and where its output goes.
func (p *Pool) BeginBusy(r Reservation, taskSummary, logFile string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.checked(r)
	if err != nil {
		return err
	}
	if s.state != StateAllocated {
		return fmt.Errorf("agent %s is %s, not allocated", r.AgentID, s.state)
	}
	s.state = StateBusy
	s.taskSummary = taskSummary
	s.logFile = logFile
	return nil
}

// EndBusy returns a busy slot to allocated; the reservation stays live so
// the workflow can run the agent again or release it.
func (p *Pool) EndBusy(r Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.checked(r)
	if err != nil {
		return err
	}
	if s.state != StateBusy {
		return fmt.Errorf("agent %s is %s, not busy", r.AgentID, s.state)
	}
	s.state = StateAllocated
	s.taskSummary = ""
	s.logFile = ""
	return nil
}

// Release frees an allocated or busy slot. Releasing a busy slot assumes
// the subprocess has already been terminated upstream.
func (p *Pool) Release(r Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	s, err := p.checked(r)
	if err != nil {
		return err
	}
	if s.state != StateAllocated && s.state != StateBusy {
		return fmt.Errorf("agent %s is %s, nothing to release", r.AgentID, s.state)
	}
	s.state = StateAvailable
	s.clear()
	return nil
}

// ReleaseWorkflow frees every slot held by a workflow and returns the freed
// agent names.
func (p *Pool) ReleaseWorkflow(workflowID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	var freed []string
	for _, s := range p.slots {
		if s.workflowID != workflowID {
			continue
		}
		if s.state == StateAllocated || s.state == StateBusy {
			s.state = StateAvailable
			s.clear()
			freed = append(freed, s.id)
		}
	}
	return freed
}

// ReleaseSession force-releases every slot held by a session. Used when a
// session is cancelled or removed.
func (p *Pool) ReleaseSession(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	var freed []string
	for _, s := range p.slots {
		if s.sessionID != sessionID {
			continue
		}
		if s.state == StateAllocated || s.state == StateBusy {
			s.state = StateAvailable
			s.clear()
			freed = append(freed, s.id)
		}
	}
	if len(freed) > 0 {
		p.logger.Info("released session agents",
			zap.String("session_id", sessionID), zap.Strings("agents", freed))
	}
	return freed
}

// ReleaseOrphansNotIn frees every allocated or busy slot whose workflow id
// is not in the active set. Startup recovery uses this to reclaim
// reservations left behind by a previous daemon run.
func (p *Pool) ReleaseOrphansNotIn(activeWorkflows map[string]struct{}) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	var freed []string
	for _, s := range p.slots {
		if s.state != StateAllocated && s.state != StateBusy {
			continue
		}
		if _, active := activeWorkflows[s.workflowID]; active {
			continue
		}
		s.state = StateAvailable
		s.clear()
		freed = append(freed, s.id)
	}
	if len(freed) > 0 {
		p.logger.Info("released orphaned reservations", zap.Strings("agents", freed))
	}
	return freed
}

// Rest puts an available slot into a cooldown during which it cannot be
// allocated.
func (p *Pool) Rest(agentID string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	s := p.find(agentID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if s.state != StateAvailable {
		return fmt.Errorf("agent %s is %s, only available agents can rest", agentID, s.state)
	}
	if d <= 0 {
		return nil
	}
	s.state = StateResting
	s.restingUntil = p.now().Add(d)
	return nil
}

// Resize grows or shrinks the pool. Growing appends slots at the next
// index; shrinking removes available and expired-resting slots only, and
// reports slots that refused removal because they were in use.
func (p *Pool) Resize(size int) ResizeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	var result ResizeResult
	if size > len(p.slots) {
		result.Added = p.grow(size - len(p.slots))
	} else {
		for i := len(p.slots) - 1; i >= 0 && len(p.slots) > size; i-- {
			s := p.slots[i]
			if s.state == StateAvailable {
				p.slots = append(p.slots[:i], p.slots[i+1:]...)
				result.Removed = append(result.Removed, s.id)
			} else {
				result.Refused = append(result.Refused, s.id)
			}
		}
	}
	result.Size = len(p.slots)
	if p.cursor >= len(p.slots) && len(p.slots) > 0 {
		p.cursor = 0
	}
	p.logger.Info("pool resized", zap.Int("size", result.Size),
		zap.Int("added", len(result.Added)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("refused", len(result.Refused)))
	return result
}

// Counts returns the pool occupancy by state.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	c := Counts{Size: len(p.slots)}
	for _, s := range p.slots {
		switch s.state {
		case StateAvailable:
			c.Available++
		case StateAllocated:
			c.Allocated++
		case StateBusy:
			c.Busy++
		case StateResting:
			c.Resting++
		}
	}
	return c
}

// Snapshot returns per-slot state in slot-index order.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expire()

	out := make([]Info, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, Info{
			ID:           s.id,
			State:        s.state,
			RoleID:       s.roleID,
			SessionID:    s.sessionID,
			WorkflowID:   s.workflowID,
			TaskSummary:  s.taskSummary,
			LogFile:      s.logFile,
			RestingUntil: s.restingUntil,
		})
	}
	return out
}
