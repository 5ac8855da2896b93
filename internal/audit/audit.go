// Package audit implements the tamper-evident, hash-chained audit log:
// an append-only, newline-delimited canonical-JSON file where every entry
// embeds the previous entry's hash. A broken chain — a deleted, reordered,
// or altered entry — is detectable by VerifyFile without any external
// reference copy.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/corridor/internal/canon"
	"github.com/octoreflex/corridor/internal/observability"
)

// Direction classifies which side of a request an entry describes.
type Direction string

const (
	DirIngress Direction = "ingress"
	DirEgress  Direction = "egress"
	DirAction  Direction = "action"
	DirOutput  Direction = "output"
)

// EventType is a typed category beyond the four directions, letting
// operators grep the ledger for a class of event without re-deriving it
// from proof stage hashes.
type EventType string

const (
	EventCDIDecision      EventType = "cdi_decision"
	EventTokenMint        EventType = "token_mint"
	EventHandlerInvoke    EventType = "handler_invoke"
	EventPostureChange    EventType = "posture_change"
	EventConsentStop      EventType = "consent_stop"
	EventIntegrityFailure EventType = "integrity_failure"
)

// Entry is one audit log record.
type Entry struct {
	Timestamp         time.Time      `json:"timestamp"`
	Direction         Direction      `json:"direction"`
	EventType         EventType      `json:"event_type,omitempty"`
	Subject           string         `json:"subject"`
	Action            string         `json:"action,omitempty"`
	Allowed           bool           `json:"allowed"`
	Violations        []string       `json:"violations,omitempty"`
	PayloadHash       string         `json:"payload_hash,omitempty"`
	EventData         map[string]any `json:"event_data,omitempty"`
	PreviousEntryHash string         `json:"previous_entry_hash,omitempty"`
	EntryHash         string         `json:"entry_hash"`
}

// signingView excludes entry_hash from the value hashed to produce it.
func signingView(e Entry) map[string]any {
	return map[string]any{
		"timestamp":           e.Timestamp.UTC().Format(time.RFC3339Nano),
		"direction":           e.Direction,
		"event_type":          e.EventType,
		"subject":             e.Subject,
		"action":              e.Action,
		"allowed":             e.Allowed,
		"violations":          e.Violations,
		"payload_hash":        e.PayloadHash,
		"event_data":          e.EventData,
		"previous_entry_hash": e.PreviousEntryHash,
	}
}

func computeEntryHash(e Entry) (string, error) {
	return canon.CanonicalSha256Hex(signingView(e))
}

// Severity classifies an entry for backpressure purposes: high-severity
// entries block the producer on a saturated flush queue rather than being
// dropped.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityHigh
)

func severityOf(e Entry) Severity {
	if !e.Allowed || e.EventType == EventIntegrityFailure || e.EventType == EventConsentStop {
		return SeverityHigh
	}
	return SeverityLow
}

// pendingEntry couples an entry with its severity for the flush queue.
type pendingEntry struct {
	entry    Entry
	severity Severity
}

// queueCapacity bounds the in-memory flush queue. Beyond this, low
// severity entries are dropped (and counted); high severity entries block
// the caller until room is available.
const queueCapacity = 4096

// Log is an append-only, hash-chained audit sink. Appends update the
// chain head and enqueue for off-path flush; VerifyFile re-walks a fully
// flushed file.
type Log struct {
	path          string
	flushInterval time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	lastHash string

	queue   chan pendingEntry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64

	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink; queue depth and drops are reported
// thereafter.
func (l *Log) SetMetrics(metrics *observability.Metrics) { l.metrics = metrics }

// Open opens (creating if absent) the log file at path, seeds the chain
// head from the tail entry if the file is non-empty, and starts the
// background flush loop.
func Open(path string, flushInterval time.Duration, logger *zap.Logger) (*Log, error) {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	l := &Log{
		path:          path,
		flushInterval: flushInterval,
		logger:        logger,
		queue:         make(chan pendingEntry, queueCapacity),
		done:          make(chan struct{}),
	}

	if tail, err := readTailEntry(path); err == nil && tail != nil {
		l.lastHash = tail.EntryHash
	} else if err != nil {
		return nil, fmt.Errorf("audit: seed chain head from %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	l.wg.Add(1)
	go l.flushLoop(f)
	return l, nil
}

func readTailEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last *Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt entry: %w", err)
		}
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}

// Append chains and enqueues e for flush. It sets PreviousEntryHash and
// EntryHash on a copy of e and returns that copy's EntryHash.
func (l *Log) Append(e Entry) (string, error) {
	l.mu.Lock()
	e.PreviousEntryHash = l.lastHash
	hash, err := computeEntryHash(e)
	if err != nil {
		l.mu.Unlock()
		return "", fmt.Errorf("audit: compute entry hash: %w", err)
	}
	e.EntryHash = hash
	l.lastHash = hash
	l.mu.Unlock()

	sev := severityOf(e)
	pe := pendingEntry{entry: e, severity: sev}

	if sev == SeverityHigh {
		// Durable logging required for high-severity entries: block.
		l.queue <- pe
		l.observeQueueDepth()
		return hash, nil
	}

	select {
	case l.queue <- pe:
	default:
		l.dropped++
		if l.logger != nil {
			l.logger.Warn("audit: low-severity entry dropped, queue saturated", zap.Uint64("dropped_total", l.dropped))
		}
		if l.metrics != nil {
			l.metrics.AuditDroppedTotal.Inc()
		}
	}
	l.observeQueueDepth()
	return hash, nil
}

func (l *Log) observeQueueDepth() {
	if l.metrics != nil {
		l.metrics.AuditQueueDepth.Set(float64(len(l.queue)))
	}
}

// Typed helpers mirroring the supplemented event categories.

func (l *Log) AppendCDIDecision(subject, action string, allowed bool, violations []string) (string, error) {
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventCDIDecision, Subject: subject, Action: action, Allowed: allowed, Violations: violations})
}

func (l *Log) AppendTokenMint(subject, action, tokenID string) (string, error) {
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventTokenMint, Subject: subject, Action: action, Allowed: true, EventData: map[string]any{"token_id": tokenID}})
}

func (l *Log) AppendHandlerInvoke(subject, action string, allowed bool, diagnostic string) (string, error) {
	ed := map[string]any{}
	if diagnostic != "" {
		ed["diagnostic"] = diagnostic
	}
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventHandlerInvoke, Subject: subject, Action: action, Allowed: allowed, EventData: ed})
}

func (l *Log) AppendPostureChange(from, to, reason string, automatic bool) (string, error) {
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventPostureChange, Subject: "kernel", Allowed: true, EventData: map[string]any{"from": from, "to": to, "reason": reason, "automatic": automatic}})
}

func (l *Log) AppendConsentStop(actor, reason string) (string, error) {
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventConsentStop, Subject: actor, Allowed: false, EventData: map[string]any{"reason": reason}})
}

func (l *Log) AppendIntegrityFailure(reason string) (string, error) {
	return l.Append(Entry{Timestamp: time.Now(), Direction: DirAction, EventType: EventIntegrityFailure, Subject: "kernel", Allowed: false, Violations: []string{reason}})
}

func (l *Log) flushLoop(f *os.File) {
	defer l.wg.Done()
	defer f.Close()
	w := bufio.NewWriter(f)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if err := w.Flush(); err != nil && l.logger != nil {
			l.logger.Error("audit: flush failed", zap.Error(err))
		}
		if err := f.Sync(); err != nil && l.logger != nil {
			l.logger.Error("audit: sync failed", zap.Error(err))
		}
	}

	for {
		select {
		case pe, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			b, err := json.Marshal(pe.entry)
			if err != nil {
				if l.logger != nil {
					l.logger.Error("audit: marshal entry failed", zap.Error(err))
				}
				continue
			}
			w.Write(b)
			w.WriteByte('\n')
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain remaining queued entries before final flush.
			for {
				select {
				case pe := <-l.queue:
					b, err := json.Marshal(pe.entry)
					if err == nil {
						w.Write(b)
						w.WriteByte('\n')
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes any pending entries and stops the background loop.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

// DroppedCount returns the lifetime count of low-severity entries dropped
// due to queue saturation.
func (l *Log) DroppedCount() uint64 { return l.dropped }

// VerifyResult is the outcome of VerifyFile.
type VerifyResult struct {
	OK     bool
	Errors []string
	Count  int
}

// VerifyFile re-reads path and checks, for every entry, that its
// entry_hash recomputes and that previous_entry_hash matches the
// predecessor's entry_hash. Errors are enumerated, never thrown.
func VerifyFile(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var errs []string
	var prevHash string
	count := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			errs = append(errs, fmt.Sprintf("entry %d: corrupt JSON: %v", count, err))
			continue
		}
		if count > 1 && e.PreviousEntryHash != prevHash {
			errs = append(errs, fmt.Sprintf("entry %d: previous_entry_hash mismatch (chain break)", count))
		}
		recomputed, err := computeEntryHash(e)
		if err != nil {
			errs = append(errs, fmt.Sprintf("entry %d: cannot recompute hash: %v", count, err))
			continue
		}
		if recomputed != e.EntryHash {
			errs = append(errs, fmt.Sprintf("entry %d: entry_hash does not recompute (tampered)", count))
		}
		prevHash = e.EntryHash
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{OK: len(errs) == 0, Errors: errs, Count: count}, nil
}
