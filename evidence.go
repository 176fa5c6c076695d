package sfup

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"
)

// EvidenceEventType enumerates the events an Evidence Log records
// (spec §7): round lifecycle transitions, per-worker admission
// decisions, and Key Provider state transitions (spec §4.8), enough to
// reconstruct why a round produced the published update it did and
// under which key.
type EvidenceEventType string

const (
	EventRoundStarted        EvidenceEventType = "ROUND_STARTED"
	EventUpdateAccepted      EvidenceEventType = "UPDATE_ACCEPTED"
	EventUpdateRejected      EvidenceEventType = "UPDATE_REJECTED"
	EventQuorumReached       EvidenceEventType = "QUORUM_REACHED"
	EventAggregationComplete EvidenceEventType = "AGGREGATION_COMPLETE"
	EventGateDecision        EvidenceEventType = "GATE_DECISION"
	EventKeyGenerated        EvidenceEventType = "KEY_GENERATED"
	EventKeyActivated        EvidenceEventType = "KEY_ACTIVATED"
	EventKeyRotated          EvidenceEventType = "KEY_ROTATED"
	EventKeyRevoked          EvidenceEventType = "KEY_REVOKED"
)

// genesisPrevHash is the sentinel previous-hash value for the first
// entry in a chain (spec glossary: "Genesis event has prev_hash = 0").
const genesisPrevHash = "0"

// EvidenceEntry is one hash-chained, append-only record, matching
// spec §6's persisted JSON shape exactly:
// { seq, ts, type, actor, subject, prev_hash_hex, event_hash_hex, chain_hash_hex }.
// Actor is who caused the event (a worker_id, "aggregator", or
// "keyprovider"); Subject is what it concerns (a round, a key_id).
// Anything else worth recording rides in Details, which is carried for
// operator context but is deliberately outside the hash formula below
// - it is not part of spec's tamper-evident data model.
type EvidenceEntry struct {
	Sequence    uint64            `json:"seq"`
	TimestampMS int64             `json:"ts"`
	EventType   EvidenceEventType `json:"type"`
	Actor       string            `json:"actor"`
	Subject     string            `json:"subject"`
	Details     map[string]string `json:"details,omitempty"`
	PrevHash    string            `json:"prev_hash_hex"`
	EventHash   string            `json:"event_hash_hex"`
	ChainHash   string            `json:"chain_hash_hex"`
}

// computeEventHash implements spec's glossary formula:
// event_hash = H(sequence_number || timestamp || event_type || actor || subject || prev_hash).
func computeEventHash(e EvidenceEntry) string {
	input := fmt.Sprintf("%d|%d|%s|%s|%s|%s",
		e.Sequence, e.TimestampMS, e.EventType, e.Actor, e.Subject, e.PrevHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// computeChainHash implements spec's glossary formula:
// chain_hash = H(prev_hash || event_hash).
func computeChainHash(prevHash, eventHash string) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + eventHash))
	return hex.EncodeToString(sum[:])
}

// SegmentArchiver mirrors rotated, compressed segments to external
// storage (spec §7's "archival backend"). Nil disables mirroring.
type SegmentArchiver interface {
	Archive(segmentName string, compressed []byte) error
}

// EvidenceLog is a single-writer, hash-chained append-only log. Every
// Append call is funneled through one mutex (chronicle's WAL takes the
// same single-writer-via-mutex approach for its point log) so sequence
// numbers and hash links can never race.
type EvidenceLog struct {
	mu            sync.Mutex
	dir           string
	segmentName   string
	file          *os.File
	writer        *bufio.Writer
	seq           uint64
	lastChainHash string
	maxSize       int64
	index         *sql.DB
	archiver      SegmentArchiver
	nowFunc       func() int64
	closeCh       chan struct{}
}

// EvidenceLogOption configures optional EvidenceLog behavior.
type EvidenceLogOption func(*EvidenceLog)

// WithSegmentArchiver mirrors every rotated segment through archiver.
func WithSegmentArchiver(archiver SegmentArchiver) EvidenceLogOption {
	return func(l *EvidenceLog) { l.archiver = archiver }
}

// NewEvidenceLog opens (or creates) an evidence log rooted at dir, with
// segment rotation at maxSegmentBytes and a sqlite sequence index.
func NewEvidenceLog(dir string, maxSegmentBytes int64, nowFunc func() int64, opts ...EvidenceLogOption) (*EvidenceLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: mkdir: %w", err)
	}

	indexPath := filepath.Join(dir, "index.db")
	index, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("evidence: open index: %w", err)
	}
	index.SetMaxOpenConns(1)
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			sequence INTEGER PRIMARY KEY,
			timestamp_ms INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL,
			subject TEXT NOT NULL,
			details TEXT,
			prev_hash_hex TEXT NOT NULL,
			event_hash_hex TEXT NOT NULL,
			chain_hash_hex TEXT NOT NULL,
			segment_file TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_event_type ON entries(event_type);
	`
	if _, err := index.Exec(schema); err != nil {
		index.Close()
		return nil, fmt.Errorf("evidence: init index schema: %w", err)
	}

	l := &EvidenceLog{
		dir:         dir,
		segmentName: "segment.current.log",
		maxSize:     maxSegmentBytes,
		index:       index,
		nowFunc:     nowFunc,
		closeCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.openCurrentSegment(); err != nil {
		index.Close()
		return nil, err
	}
	if err := l.recoverState(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *EvidenceLog) openCurrentSegment() error {
	path := filepath.Join(l.dir, l.segmentName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("evidence: open current segment: %w", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return nil
}

// recoverState reads the last committed sequence/chain hash from the
// index so a restarted process resumes the chain without gaps. It does
// not replay segment files.
func (l *EvidenceLog) recoverState() error {
	row := l.index.QueryRow(`SELECT sequence, chain_hash_hex FROM entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var chainHash string
	if err := row.Scan(&seq, &chainHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("evidence: recover last sequence: %w", err)
	}
	l.seq = seq
	l.lastChainHash = chainHash
	return nil
}

// Append writes a new hash-chained entry and returns it. actor is who
// caused the event (a worker_id, "aggregator", "keyprovider"); subject
// is what it concerns (a round identifier, a key_id). Per spec's
// glossary, prev_hash is the previous entry's chain_hash (or the
// genesis sentinel "0" for the first entry), event_hash covers the
// entry's core fields, and chain_hash links it to the rest of the log.
func (l *EvidenceLog) Append(eventType EvidenceEventType, actor, subject string, details map[string]string) (EvidenceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeededLocked(); err != nil {
		return EvidenceEntry{}, err
	}

	prevHash := l.lastChainHash
	if l.seq == 0 {
		prevHash = genesisPrevHash
	}

	entry := EvidenceEntry{
		Sequence:    l.seq + 1,
		TimestampMS: l.nowFunc(),
		EventType:   eventType,
		Actor:       actor,
		Subject:     subject,
		Details:     details,
		PrevHash:    prevHash,
	}
	entry.EventHash = computeEventHash(entry)
	entry.ChainHash = computeChainHash(entry.PrevHash, entry.EventHash)

	payload, err := json.Marshal(entry)
	if err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: marshal entry: %w", err)
	}
	if err := binary.Write(l.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: write length prefix: %w", err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: write entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: fsync: %w", err)
	}

	detailsJSON, _ := json.Marshal(details)
	if _, err := l.index.Exec(`
		INSERT INTO entries (sequence, timestamp_ms, event_type, actor, subject, details, prev_hash_hex, event_hash_hex, chain_hash_hex, segment_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.TimestampMS, string(entry.EventType), entry.Actor, entry.Subject,
		string(detailsJSON), entry.PrevHash, entry.EventHash, entry.ChainHash, l.segmentName); err != nil {
		return EvidenceEntry{}, fmt.Errorf("evidence: index entry: %w", err)
	}

	l.seq = entry.Sequence
	l.lastChainHash = entry.ChainHash
	return entry, nil
}

// rotateIfNeededLocked closes and snappy-compresses the current
// segment once it exceeds maxSize, then starts a fresh one. Unlike
// chronicle's WAL rotation, old segments are never deleted: they are
// compressed in place and optionally mirrored via archiver, since
// evidence is a compliance artifact, not a bounded cache.
func (l *EvidenceLog) rotateIfNeededLocked() error {
	if l.maxSize <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("evidence: stat segment: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	currentPath := filepath.Join(l.dir, l.segmentName)
	if err := l.file.Close(); err != nil {
		return err
	}

	raw, err := os.ReadFile(currentPath)
	if err != nil {
		return fmt.Errorf("evidence: read segment for rotation: %w", err)
	}
	compressed := snappy.Encode(nil, raw)
	rotatedName := fmt.Sprintf("segment.%s.snappy", time.Unix(0, l.nowFunc()*int64(time.Millisecond)).UTC().Format("20060102T150405.000"))
	rotatedPath := filepath.Join(l.dir, rotatedName)
	if err := os.WriteFile(rotatedPath, compressed, 0o644); err != nil {
		return fmt.Errorf("evidence: write compressed segment: %w", err)
	}
	if err := os.Remove(currentPath); err != nil {
		return fmt.Errorf("evidence: remove raw segment after compression: %w", err)
	}

	if _, err := l.index.Exec(`UPDATE entries SET segment_file = ? WHERE segment_file = ?`, rotatedName, l.segmentName); err != nil {
		return fmt.Errorf("evidence: repoint index to rotated segment: %w", err)
	}

	if l.archiver != nil {
		if err := l.archiver.Archive(rotatedName, compressed); err != nil {
			log.Printf("sfup: evidence segment %s archival failed: %v", rotatedName, err)
		}
	}

	return l.openCurrentSegment()
}

// Close flushes and closes the current segment and its index.
func (l *EvidenceLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		l.index.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		l.index.Close()
		return err
	}
	if err := l.file.Close(); err != nil {
		l.index.Close()
		return err
	}
	return l.index.Close()
}

// readSegment decompresses (if needed) and decodes every entry in one
// segment file, in append order.
func readSegment(dir, name string) ([]EvidenceEntry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if filepath.Ext(name) == ".snappy" {
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("evidence: decompress segment %s: %w", name, err)
		}
	}

	var out []EvidenceEntry
	reader := bufio.NewReader(bytes.NewReader(raw))
	for {
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		var entry EvidenceEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReadAll returns every entry across all segments (compressed and
// live), ordered by sequence number.
func (l *EvidenceLog) ReadAll() ([]EvidenceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return nil, err
	}

	names, err := l.segmentNamesLocked()
	if err != nil {
		return nil, err
	}

	var all []EvidenceEntry
	for _, name := range names {
		entries, err := readSegment(l.dir, name)
		if err != nil {
			return nil, fmt.Errorf("evidence: read segment %s: %w", name, err)
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	return all, nil
}

func (l *EvidenceLog) segmentNamesLocked() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Name() == "index.db" || e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ChainVerifyResult reports the outcome of VerifyChain.
type ChainVerifyResult struct {
	Intact       bool
	BrokenAt     uint64
	ExpectedHash string
	ActualHash   string
}

// VerifyChain recomputes every entry's hash and checks previous_hash
// linkage across the whole log (spec §8 scenario 5). Verification
// stops at the first mismatch, and BrokenAt names that entry; later
// entries are not checked.
func (l *EvidenceLog) VerifyChain() (ChainVerifyResult, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return ChainVerifyResult{}, err
	}

	expectedPrev := genesisPrevHash
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			return ChainVerifyResult{Intact: false, BrokenAt: e.Sequence}, nil
		}
		if e.PrevHash != expectedPrev {
			return ChainVerifyResult{
				Intact:       false,
				BrokenAt:     e.Sequence,
				ExpectedHash: expectedPrev,
				ActualHash:   e.PrevHash,
			}, nil
		}
		recomputedEvent := computeEventHash(EvidenceEntry{
			Sequence: e.Sequence, TimestampMS: e.TimestampMS, EventType: e.EventType,
			Actor: e.Actor, Subject: e.Subject, PrevHash: e.PrevHash,
		})
		if recomputedEvent != e.EventHash {
			return ChainVerifyResult{
				Intact: false, BrokenAt: e.Sequence, ExpectedHash: recomputedEvent, ActualHash: e.EventHash,
			}, nil
		}
		recomputedChain := computeChainHash(e.PrevHash, e.EventHash)
		if recomputedChain != e.ChainHash {
			return ChainVerifyResult{
				Intact: false, BrokenAt: e.Sequence, ExpectedHash: recomputedChain, ActualHash: e.ChainHash,
			}, nil
		}
		expectedPrev = e.ChainHash
	}

	return ChainVerifyResult{Intact: true}, nil
}

