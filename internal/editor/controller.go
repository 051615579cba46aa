// Package editor owns one external document-editor session: key issuance,
// event attribution and the draft/submit coordination state machine. The
// editor itself is a collaborator; only its event contract matters here.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of one editor session.
type State string

const (
	StateLoading        State = "LOADING"
	StateReady          State = "READY"
	StateDraftInFlight  State = "DRAFT_IN_FLIGHT"
	StateSubmitInFlight State = "SUBMIT_IN_FLIGHT"
	StateError          State = "ERROR"
)

// Event kinds emitted by the external editor.
const (
	EventAppReady        = "app-ready"
	EventDocumentReady   = "document-ready"
	EventStateChanged    = "document-state-changed"
	EventExportSucceeded = "export-as-succeeded"
	EventSaveRequested   = "save-as-requested"
	EventError           = "error"
)

// Event is one callback delivery from the external editor. SessionKey is the
// key embedded in the export URL; when the editor omits the explicit field it
// is recovered from the URL itself.
type Event struct {
	Type        string `json:"type"`
	SessionKey  string `json:"sessionKey,omitempty"`
	URL         string `json:"url,omitempty"`
	Code        int    `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Attribution classifies an export event after the checks of the
// coordination protocol have run.
type Attribution string

const (
	AttributedSubmit  Attribution = "SUBMIT"
	AttributedDraft   Attribution = "DRAFT"
	AttributedDiscard Attribution = "DISCARD"
)

// ErrSubmitTimeout is surfaced when no matching export event arrives within
// the submit wait window. The operation is retryable.
var ErrSubmitTimeout = errors.New("no export event received for submit in time")

// ErrSubmitInFlight rejects a second submit on the same session before the
// first resolves.
var ErrSubmitInFlight = errors.New("a submit is already in flight for this session")

// Coordinator is the durable cross-instance state behind attribution:
// the submit flag outlives a single controller instance, and the export-URL
// window suppresses duplicate deliveries. Satisfied by session.RedisStore.
type Coordinator interface {
	MarkSubmitInFlight(ctx context.Context, sessionKey string, ttl time.Duration) error
	ClearSubmitInFlight(ctx context.Context, sessionKey string) error
	SubmitInFlight(ctx context.Context, sessionKey string) (bool, error)
	SeenExportURL(ctx context.Context, url string, window time.Duration) (bool, error)
}

// Commander triggers save and export in the external editor for a session.
type Commander interface {
	RequestExport(ctx context.Context, sessionKey string) error
}

// DraftSaver receives the exported document URL of a genuine draft save.
type DraftSaver interface {
	SaveDraft(ctx context.Context, sessionKey, documentURL string) error
}

const (
	defaultSubmitWait  = 15 * time.Second
	defaultDedupWindow = 2 * time.Second
	// The durable flag must not outlive a crashed submit forever.
	submitFlagTTL = 2 * time.Minute
)

// Controller coordinates draft and submit flows for one session key.
type Controller struct {
	key      string
	coord    Coordinator
	commands Commander
	drafts   DraftSaver

	submitWait  time.Duration
	dedupWindow time.Duration

	mu      sync.Mutex
	state   State
	pending chan string // single-use submit resolver, nil when no submit waits
}

// NewController creates a controller with a freshly issued session key.
func NewController(coord Coordinator, commands Commander, drafts DraftSaver) *Controller {
	return &Controller{
		key:         uuid.NewString(),
		coord:       coord,
		commands:    commands,
		drafts:      drafts,
		submitWait:  defaultSubmitWait,
		dedupWindow: defaultDedupWindow,
		state:       StateLoading,
	}
}

// Key returns the opaque session key.
func (c *Controller) Key() string { return c.key }

// Status returns the current state.
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Draft triggers save and export in the editor. The resulting export event
// is handled asynchronously by HandleEvent; there is no hard wait window for
// drafts, only duplicate and stale-event filtering.
func (c *Controller) Draft(ctx context.Context) error {
	c.setState(StateDraftInFlight)
	if err := c.commands.RequestExport(ctx, c.key); err != nil {
		c.setState(StateError)
		return fmt.Errorf("request draft export: %w", err)
	}
	return nil
}

// Submit runs the full submit flow: the durable flag is set before the
// export is requested so any event arriving during the window is
// attributable, then a single-use resolver waits for the matching export
// event. The flag is cleared on success, failure and timeout alike.
func (c *Controller) Submit(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return "", ErrSubmitInFlight
	}
	resolver := make(chan string, 1)
	c.pending = resolver
	c.state = StateSubmitInFlight
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		if err := c.coord.ClearSubmitInFlight(context.WithoutCancel(ctx), c.key); err != nil {
			log.Printf("editor: clear submit flag for %s: %v", c.key, err)
		}
	}()

	if err := c.coord.MarkSubmitInFlight(ctx, c.key, submitFlagTTL); err != nil {
		c.setState(StateError)
		return "", fmt.Errorf("mark submit in flight: %w", err)
	}
	if err := c.commands.RequestExport(ctx, c.key); err != nil {
		c.setState(StateError)
		return "", fmt.Errorf("request submit export: %w", err)
	}

	timer := time.NewTimer(c.submitWait)
	defer timer.Stop()
	select {
	case url := <-resolver:
		c.setState(StateReady)
		return url, nil
	case <-timer.C:
		c.setState(StateReady)
		return "", ErrSubmitTimeout
	case <-ctx.Done():
		c.setState(StateReady)
		return "", ctx.Err()
	}
}

// HandleEvent runs the attribution protocol for one editor event and returns
// how it was classified. Events for superseded sessions are discarded and
// only logged; they are expected noise, never a user error.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) Attribution {
	key := ev.SessionKey
	if key == "" {
		key = KeyFromExportURL(ev.URL)
	}
	if key != c.key {
		log.Printf("editor: discarding %s event for superseded session %q", ev.Type, key)
		return AttributedDiscard
	}

	switch ev.Type {
	case EventAppReady:
		return AttributedDiscard
	case EventDocumentReady:
		c.setState(StateReady)
		return AttributedDiscard
	case EventStateChanged:
		return AttributedDiscard
	case EventError:
		c.setState(StateError)
		log.Printf("editor: session %s error %d: %s", c.key, ev.Code, ev.Description)
		return AttributedDiscard
	case EventExportSucceeded, EventSaveRequested:
		return c.attributeExport(ctx, ev)
	default:
		log.Printf("editor: ignoring unknown event type %q", ev.Type)
		return AttributedDiscard
	}
}

// attributeExport decides, in priority order, whether an export event
// belongs to the submit awaiting it, to a submit owned by another instance,
// to the duplicate-suppression window, or is a genuine draft save. The
// submit checks always run before any draft side effect.
func (c *Controller) attributeExport(ctx context.Context, ev Event) Attribution {
	// 1. A registered single-use resolver is unambiguously the current
	// submit. Resolve it exactly once.
	c.mu.Lock()
	if c.pending != nil {
		resolver := c.pending
		c.pending = nil
		c.mu.Unlock()
		resolver <- ev.URL
		// Record the URL so a late duplicate delivery to another instance
		// cannot fall through to the draft path after the flag clears.
		if _, err := c.coord.SeenExportURL(ctx, ev.URL, c.dedupWindow); err != nil {
			log.Printf("editor: export url dedup for %s: %v", c.key, err)
		}
		return AttributedSubmit
	}
	c.mu.Unlock()

	// 2. The durable flag catches exports belonging to a submit started by
	// another (possibly stale) instance for the same key.
	inFlight, err := c.coord.SubmitInFlight(ctx, c.key)
	if err != nil {
		log.Printf("editor: submit flag check for %s: %v", c.key, err)
	}
	if inFlight {
		log.Printf("editor: export for %s suppressed from draft path, submit in flight elsewhere", c.key)
		if _, err := c.coord.SeenExportURL(ctx, ev.URL, c.dedupWindow); err != nil {
			log.Printf("editor: export url dedup for %s: %v", c.key, err)
		}
		return AttributedSubmit
	}

	// 3. Repeat deliveries of the same URL inside the window are dropped.
	seen, err := c.coord.SeenExportURL(ctx, ev.URL, c.dedupWindow)
	if err != nil {
		log.Printf("editor: export url dedup for %s: %v", c.key, err)
	}
	if seen {
		log.Printf("editor: duplicate export delivery dropped: %s", ev.URL)
		return AttributedDiscard
	}

	if err := c.drafts.SaveDraft(ctx, c.key, ev.URL); err != nil {
		c.setState(StateError)
		log.Printf("editor: persist draft for %s: %v", c.key, err)
		return AttributedDraft
	}
	c.setState(StateReady)
	return AttributedDraft
}

// KeyFromExportURL recovers the session key embedded in an exported document
// URL. The editor is configured with a callback URL carrying ?key=<session>,
// which it echoes on every export.
func KeyFromExportURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("key")
}

// Manager tracks the single active controller per draft. Opening a new
// session supersedes the previous one: its key stops matching and all its
// pending events are discarded on arrival.
type Manager struct {
	coord      Coordinator
	commands   Commander
	drafts     DraftSaver
	submitWait time.Duration

	mu       sync.Mutex
	sessions map[string]*Controller // session key -> controller
}

func NewManager(coord Coordinator, commands Commander, drafts DraftSaver) *Manager {
	return &Manager{
		coord:      coord,
		commands:   commands,
		drafts:     drafts,
		submitWait: defaultSubmitWait,
		sessions:   make(map[string]*Controller),
	}
}

// SetSubmitWait overrides how long newly opened sessions wait for the export
// event during submit.
func (m *Manager) SetSubmitWait(d time.Duration) {
	if d > 0 {
		m.submitWait = d
	}
}

// Open issues a new session and registers its controller.
func (m *Manager) Open() *Controller {
	c := NewController(m.coord, m.commands, m.drafts)
	c.submitWait = m.submitWait
	m.mu.Lock()
	m.sessions[c.key] = c
	m.mu.Unlock()
	return c
}

// Get returns the controller for a session key.
func (m *Manager) Get(key string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[key]
	return c, ok
}

// Close drops a session; late events for its key will no longer resolve.
func (m *Manager) Close(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// Dispatch routes an event to the controller owning its key. Events whose
// key matches no live session are discarded as superseded noise.
func (m *Manager) Dispatch(ctx context.Context, ev Event) Attribution {
	key := ev.SessionKey
	if key == "" {
		key = KeyFromExportURL(ev.URL)
	}
	c, ok := m.Get(key)
	if !ok {
		log.Printf("editor: no live session for key %q, event %s discarded", key, ev.Type)
		return AttributedDiscard
	}
	return c.HandleEvent(ctx, ev)
}
