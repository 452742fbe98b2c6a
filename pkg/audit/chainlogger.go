package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Record is one link of the audit chain. Hash covers every other field and
// the previous record's hash.
type Record struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Kind         string `json:"kind"`
	Subject      string `json:"subject"`
	Actor        string `json:"actor"`
	Detail       string `json:"detail,omitempty"`
	Hash         string `json:"hash"`
}

// Event kinds written by the pipeline.
const (
	KindWebhookAccepted  = "webhook.accepted"
	KindWebhookRejected  = "webhook.rejected"
	KindReviewTransition = "review.transition"
	KindClassification   = "review.classification"
	KindAPIRequest       = "api.request"
)

var genesisHash = strings.Repeat("0", 64)

// ChainLogger keeps a hash chain of operator-relevant decisions. Records are
// mirrored to the structured logger and the last `retain` are kept in memory.
type ChainLogger struct {
	mu           sync.Mutex
	seq          uint64
	previousHash string
	retain       int
	records      []*Record
	logger       *slog.Logger
}

// NewChainLogger starts a chain at the zero hash. A nil logger disables
// mirroring; retain <= 0 keeps nothing in memory.
func NewChainLogger(logger *slog.Logger, retain int) *ChainLogger {
	return &ChainLogger{
		previousHash: genesisHash,
		retain:       retain,
		logger:       logger,
	}
}

// Append links a new record to the chain and returns it.
func (c *ChainLogger) Append(kind, subject, actor, detail string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	r := &Record{
		Seq:          c.seq,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Kind:         kind,
		Subject:      subject,
		Actor:        actor,
		Detail:       detail,
	}
	r.Hash = hashRecord(r)
	c.previousHash = r.Hash

	if c.retain > 0 {
		c.records = append(c.records, r)
		if len(c.records) > c.retain {
			c.records = c.records[len(c.records)-c.retain:]
		}
	}
	if c.logger != nil {
		c.logger.Info("audit_record",
			"seq", r.Seq,
			"kind", r.Kind,
			"subject", r.Subject,
			"actor", r.Actor,
			"hash", r.Hash,
		)
	}
	return r
}

// Head returns the hash of the latest record.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// Records returns a copy of the retained tail of the chain, oldest first.
func (c *ChainLogger) Records() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.records))
	copy(out, c.records)
	return out
}

func hashRecord(r *Record) string {
	hashInput := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s",
		r.Seq, r.PreviousHash, r.Timestamp, r.Kind, r.Subject, r.Actor, r.Detail)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// VerifyChain checks that records form an unbroken chain. The first record's
// previous hash is trusted as the anchor.
func VerifyChain(records []*Record) error {
	for i, r := range records {
		if i > 0 && r.PreviousHash != records[i-1].Hash {
			return fmt.Errorf("audit chain broken at seq %d: previous hash mismatch", r.Seq)
		}
		if hashRecord(r) != r.Hash {
			return fmt.Errorf("audit chain broken at seq %d: hash mismatch", r.Seq)
		}
	}
	return nil
}
