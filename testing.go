package blkmq

import (
	"sync"
	"sync/atomic"
)

// CompletionMode selects when MockDriver completes accepted requests
type CompletionMode int

const (
	// CompleteInline completes each request inside QueueRQ
	CompleteInline CompletionMode = iota
	// CompleteOnKick holds requests until an isLast submission or CommitRQs
	CompleteOnKick
	// CompleteAsync completes each request from its own goroutine
	CompleteAsync
	// CompleteManual holds requests until CompletePending is called
	CompleteManual
	// CompletePoll holds requests until Poll reaps them (MockPollDriver)
	CompletePoll
)

// MockCmd is MockDriver's request payload. It counts what happened to its
// slot so tests can check exactly-once rules.
type MockCmd struct {
	Constructed int
	Submits     atomic.Int32
	Completes   atomic.Int32

	pool *MockPool
}

// Release implements Releaser
func (c *MockCmd) Release() {
	if c.pool != nil {
		c.pool.PayloadReleases.Add(1)
	}
}

// MockPool is MockDriver's tag set state
type MockPool struct {
	PayloadInits    atomic.Int64
	PayloadReleases atomic.Int64
	Released        atomic.Int32
}

// Release implements Releaser
func (p *MockPool) Release() {
	p.Released.Add(1)
}

// MockQueue is MockDriver's queue state. Submits is shared by every context
// of a disk.
type MockQueue struct {
	Submits  atomic.Int64
	Commits  atomic.Int64
	Released atomic.Int32
}

// Release implements Releaser
func (q *MockQueue) Release() {
	q.Released.Add(1)
}

// MockHw is MockDriver's hardware context state
type MockHw struct {
	Index    uint32
	Released atomic.Int32

	drv      *MockDriver
	mu       sync.Mutex
	deferred []*Request[MockCmd]
}

// Release implements Releaser
func (h *MockHw) Release() {
	h.Released.Add(1)
	h.drv.mu.Lock()
	h.drv.hctxExits[h.Index]++
	h.drv.mu.Unlock()
}

func (h *MockHw) hold(rq *Request[MockCmd]) {
	h.mu.Lock()
	h.deferred = append(h.deferred, rq)
	h.mu.Unlock()
}

// flush completes every held request and returns how many there were
func (h *MockHw) flush() int {
	h.mu.Lock()
	held := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	for _, rq := range held {
		rq.Complete(h.drv.completionErr())
	}
	return len(held)
}

// Held returns how many requests are waiting for a kick or a poll
func (h *MockHw) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deferred)
}

// QueueCall records one QueueRQ call
type QueueCall struct {
	Hctx uint32
	Tag  int
	Last bool
}

// MockDriver provides a configurable Operations implementation for testing
// code built on blkmq. It records every call and can inject busy statuses,
// submission errors and construction failures.
type MockDriver struct {
	Mode CompletionMode

	mu            sync.Mutex
	busy          int
	failNext      int
	failErr       error
	completeErr   error
	initHctxErr   map[uint32]error
	failPayloadAt int
	payloads      int
	hctxInits     map[uint32]int
	hctxExits     map[uint32]int
	calls         []QueueCall
	commits       int
	hws           map[uint32]*MockHw
	pending       []*Request[MockCmd]

	completes atomic.Int64
}

// NewMockDriver creates a mock driver using the given completion mode
func NewMockDriver(mode CompletionMode) *MockDriver {
	return &MockDriver{
		Mode:        mode,
		initHctxErr: make(map[uint32]error),
		hctxInits:   make(map[uint32]int),
		hctxExits:   make(map[uint32]int),
		hws:         make(map[uint32]*MockHw),
	}
}

// NewRequestData implements Operations
func (m *MockDriver) NewRequestData(td *MockPool) Init[MockCmd] {
	return func(c *MockCmd) error {
		m.mu.Lock()
		m.payloads++
		fail := m.failPayloadAt != 0 && m.payloads == m.failPayloadAt
		m.mu.Unlock()
		if fail {
			return NewError("init_request", ErrCodeResource, "injected payload failure")
		}
		c.Constructed++
		c.pool = td
		td.PayloadInits.Add(1)
		return nil
	}
}

// QueueRQ implements Operations
func (m *MockDriver) QueueRQ(hd *MockHw, qd *MockQueue, rq *Request[MockCmd], isLast bool) error {
	m.mu.Lock()
	m.calls = append(m.calls, QueueCall{Hctx: hd.Index, Tag: rq.Tag(), Last: isLast})
	if m.busy > 0 {
		m.busy--
		m.mu.Unlock()
		return ErrBusy
	}
	if m.failNext > 0 {
		m.failNext--
		err := m.failErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	qd.Submits.Add(1)
	rq.Data().Submits.Add(1)

	switch m.Mode {
	case CompleteInline:
		rq.Complete(m.completionErr())
	case CompleteOnKick:
		hd.hold(rq)
		if isLast {
			hd.flush()
		}
	case CompleteAsync:
		gen, err := rq.Generation(), m.completionErr()
		go rq.CompleteGen(gen, err)
	case CompleteManual:
		m.mu.Lock()
		m.pending = append(m.pending, rq)
		m.mu.Unlock()
	case CompletePoll:
		hd.hold(rq)
	}
	return nil
}

// CommitRQs implements Operations
func (m *MockDriver) CommitRQs(hd *MockHw, qd *MockQueue) {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	qd.Commits.Add(1)
	if m.Mode == CompleteOnKick {
		hd.flush()
	}
}

// Complete implements Operations
func (m *MockDriver) Complete(rq *Request[MockCmd]) {
	rq.Data().Completes.Add(1)
	m.completes.Add(1)
}

// InitHctx implements Operations
func (m *MockDriver) InitHctx(td *MockPool, idx uint32) (*MockHw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initHctxErr[idx]; err != nil {
		return nil, err
	}
	m.hctxInits[idx]++
	hw := &MockHw{Index: idx, drv: m}
	m.hws[idx] = hw
	return hw, nil
}

// SetBusy makes the next n QueueRQ calls report ErrBusy
func (m *MockDriver) SetBusy(n int) {
	m.mu.Lock()
	m.busy = n
	m.mu.Unlock()
}

// FailNext makes the next n QueueRQ calls fail with err
func (m *MockDriver) FailNext(n int, err error) {
	m.mu.Lock()
	m.failNext, m.failErr = n, err
	m.mu.Unlock()
}

// SetCompletionError sets the error accepted requests complete with
func (m *MockDriver) SetCompletionError(err error) {
	m.mu.Lock()
	m.completeErr = err
	m.mu.Unlock()
}

func (m *MockDriver) completionErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeErr
}

// FailInitHctx makes InitHctx fail for idx
func (m *MockDriver) FailInitHctx(idx uint32, err error) {
	m.mu.Lock()
	m.initHctxErr[idx] = err
	m.mu.Unlock()
}

// FailPayloadAt makes the nth payload construction (1-based) fail
func (m *MockDriver) FailPayloadAt(n int) {
	m.mu.Lock()
	m.failPayloadAt = n
	m.mu.Unlock()
}

// CompletePending completes every request held in CompleteManual mode
func (m *MockDriver) CompletePending(err error) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, rq := range pending {
		rq.Complete(err)
	}
	return len(pending)
}

// Pending returns how many requests are held in CompleteManual mode
func (m *MockDriver) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Hw returns the state built for context idx by the most recent InitHctx
func (m *MockDriver) Hw(idx uint32) *MockHw {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hws[idx]
}

// Calls returns a copy of the recorded QueueRQ calls
func (m *MockDriver) Calls() []QueueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueueCall(nil), m.calls...)
}

// Commits returns how many times CommitRQs ran
func (m *MockDriver) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Completes returns how many times the Complete hook ran
func (m *MockDriver) Completes() int64 {
	return m.completes.Load()
}

// HctxCounts returns InitHctx and teardown counts for idx
func (m *MockDriver) HctxCounts(idx uint32) (inits, exits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hctxInits[idx], m.hctxExits[idx]
}

// MockPollDriver is a MockDriver that also implements Poller. Use it with
// CompletePoll.
type MockPollDriver struct {
	*MockDriver
	polls atomic.Int64
}

// NewMockPollDriver creates a polling mock driver
func NewMockPollDriver() *MockPollDriver {
	return &MockPollDriver{MockDriver: NewMockDriver(CompletePoll)}
}

// Poll implements Poller
func (m *MockPollDriver) Poll(hd *MockHw) bool {
	m.polls.Add(1)
	return hd.flush() > 0
}

// Polls returns how many times Poll ran
func (m *MockPollDriver) Polls() int64 {
	return m.polls.Load()
}

// Compile-time interface checks
var (
	_ Operations[MockCmd, *MockQueue, *MockHw, *MockPool] = (*MockDriver)(nil)
	_ Operations[MockCmd, *MockQueue, *MockHw, *MockPool] = (*MockPollDriver)(nil)
	_ Poller[*MockHw]                                     = (*MockPollDriver)(nil)
)
