// Package audit writes the gateway's two append-only JSON-Lines logs:
// envelope history (every received/delivered/failed envelope event) and
// capability decisions (every allow/deny with the granted set). The two
// logs correlate through the envelope ID. Rotation is an operator
// concern; the gateway only appends.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mew/gateway/internal/envelope"
)

// Envelope history event types.
const (
	EventReceived  = "received"
	EventDelivered = "delivered"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
)

// Capability decision event types.
const (
	EventCapabilityCheck  = "capability_check"
	EventRoutingDecision  = "routing_decision"
	EventCapabilityGrant  = "capability_grant"
	EventCapabilityRevoke = "capability_revoke"
)

// Decision sources.
const (
	SourceSpaceConfig  = "space_config"
	SourceInteractive  = "interactive_approval"
	SourceRuntimeGrant = "runtime_grant"
)

// HistoryMetadata annotates an envelope history entry.
type HistoryMetadata struct {
	ConnectionID     string  `json:"connection_id,omitempty"`
	ProcessingTimeMs float64 `json:"processing_time_ms,omitempty"`
	LatencyMs        float64 `json:"latency_ms,omitempty"`
	RetryCount       int     `json:"retry_count"`
	Recipient        string  `json:"recipient,omitempty"`
	Status           string  `json:"status,omitempty"`
}

// HistoryEntry is one line of envelope-history.jsonl.
type HistoryEntry struct {
	Event    string             `json:"event"`
	ID       string             `json:"id"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Metadata HistoryMetadata    `json:"metadata"`
	TS       time.Time          `json:"ts"`
}

// DecisionDetails carries the authorization specifics of a decision entry.
type DecisionDetails struct {
	RequiredCapability  string   `json:"required_capability,omitempty"`
	GrantedCapabilities []string `json:"granted_capabilities,omitempty"`
	Result              string   `json:"result"` // allowed | denied
	Source              string   `json:"source,omitempty"`
	Reason              string   `json:"reason,omitempty"`
}

// DecisionEntry is one line of capability-decisions.jsonl.
type DecisionEntry struct {
	Event       string          `json:"event"`
	EnvelopeID  string          `json:"envelope_id,omitempty"`
	Participant string          `json:"participant"`
	Details     DecisionDetails `json:"details"`
	TS          time.Time       `json:"ts"`
}

// Mirror receives a copy of every log line, keyed by log name. The Redis
// pub/sub mirror implements this; nil mirrors are skipped.
type Mirror interface {
	Publish(log string, line []byte)
}

// Logger owns the two sinks. The hot path never blocks on disk or on
// the mirror's transport: lines go through buffered channels to a
// per-file appender goroutine and a mirror publisher goroutine, and are
// dropped with a warning when a buffer is full.
type Logger struct {
	history   *appender
	decisions *appender

	mirror       Mirror
	mirrorCh     chan mirrorLine
	mirrorDone   chan struct{}
	mirrorClosed chan struct{}
	mirrorOnce   sync.Once
}

// mirrorLine pairs a log name with one encoded entry for the mirror feed.
type mirrorLine struct {
	log  string
	line []byte
}

// Options selects which sinks are live.
type Options struct {
	Dir              string
	HistoryEnabled   bool
	DecisionsEnabled bool
	// Enabled is the master switch; when false both sinks are off.
	Enabled bool
	Mirror  Mirror
}

// New opens the configured sinks under dir/logs paths fixed by the
// deployment contract: envelope-history.jsonl and
// capability-decisions.jsonl.
func New(opts Options) (*Logger, error) {
	l := &Logger{mirror: opts.Mirror}
	if l.mirror != nil {
		l.mirrorCh = make(chan mirrorLine, appendBuffer)
		l.mirrorDone = make(chan struct{})
		l.mirrorClosed = make(chan struct{})
		go l.runMirror()
	}
	if !opts.Enabled {
		return l, nil
	}
	if opts.HistoryEnabled || opts.DecisionsEnabled {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	if opts.HistoryEnabled {
		a, err := newAppender(filepath.Join(opts.Dir, "envelope-history.jsonl"))
		if err != nil {
			return nil, err
		}
		l.history = a
	}
	if opts.DecisionsEnabled {
		a, err := newAppender(filepath.Join(opts.Dir, "capability-decisions.jsonl"))
		if err != nil {
			return nil, err
		}
		l.decisions = a
	}
	return l, nil
}

// History appends an envelope-history entry.
func (l *Logger) History(entry HistoryEntry) {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("[Audit] Failed to marshal history entry", "id", entry.ID, "error", err)
		return
	}
	if l.history != nil {
		l.history.append(line)
	}
	l.publishMirror("envelope-history", line)
}

// Decision appends a capability-decision entry.
func (l *Logger) Decision(entry DecisionEntry) {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("[Audit] Failed to marshal decision entry", "participant", entry.Participant, "error", err)
		return
	}
	if l.decisions != nil {
		l.decisions.append(line)
	}
	l.publishMirror("capability-decisions", line)
}

// publishMirror hands the line to the publisher goroutine. The caller
// sits on the routing pipeline, so it never waits on the mirror.
func (l *Logger) publishMirror(log string, line []byte) {
	if l.mirror == nil {
		return
	}
	select {
	case l.mirrorCh <- mirrorLine{log: log, line: line}:
	default:
		slog.Warn("[Audit] Mirror buffer full, dropping entry", "log", log)
	}
}

func (l *Logger) runMirror() {
	defer close(l.mirrorClosed)
	for {
		select {
		case ml := <-l.mirrorCh:
			l.mirror.Publish(ml.log, ml.line)
		case <-l.mirrorDone:
			// Drain whatever is still buffered before stopping.
			for {
				select {
				case ml := <-l.mirrorCh:
					l.mirror.Publish(ml.log, ml.line)
				default:
					return
				}
			}
		}
	}
}

// Close flushes and closes both sinks and the mirror feed.
func (l *Logger) Close() {
	if l.history != nil {
		l.history.close()
	}
	if l.decisions != nil {
		l.decisions.close()
	}
	if l.mirror != nil {
		l.mirrorOnce.Do(func() { close(l.mirrorDone) })
		<-l.mirrorClosed
	}
}

// appender serializes writes to one JSONL file through a buffered channel.
type appender struct {
	f      *os.File
	ch     chan []byte
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

const appendBuffer = 1024

func newAppender(path string) (*appender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	a := &appender{
		f:      f,
		ch:     make(chan []byte, appendBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *appender) append(line []byte) {
	select {
	case a.ch <- line:
	default:
		slog.Warn("[Audit] Append buffer full, dropping entry", "file", a.f.Name())
	}
}

func (a *appender) run() {
	defer close(a.closed)
	for {
		select {
		case line := <-a.ch:
			a.write(line)
		case <-a.done:
			// Drain whatever is still buffered before closing.
			for {
				select {
				case line := <-a.ch:
					a.write(line)
				default:
					a.f.Close()
					return
				}
			}
		}
	}
}

func (a *appender) write(line []byte) {
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		slog.Warn("[Audit] Write failed", "file", a.f.Name(), "error", err)
	}
}

// close stops the appender and blocks until buffered lines are on disk.
func (a *appender) close() {
	a.once.Do(func() { close(a.done) })
	<-a.closed
}
