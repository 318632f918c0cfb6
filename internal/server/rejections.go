package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"rampledger/internal/proof"
)

// rejectionLog keeps one file per rejected fulfillment so operators can
// inspect proofs that failed verification.
type rejectionLog struct {
	dir string
	log *logrus.Logger
}

type rejectionEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"requestId"`
	Caller    string      `json:"caller"`
	IntentID  string      `json:"intentId"`
	Reason    string      `json:"reason"`
	Error     string      `json:"error"`
	Proof     proof.Proof `json:"proof"`
}

func (l *rejectionLog) write(entry rejectionEntry) {
	if l.dir == "" {
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		l.log.WithError(err).Error("rejection log marshal")
		return
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.log.WithError(err).Error("rejection log mkdir")
		return
	}
	name := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.Reason)
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o600); err != nil {
		l.log.WithError(err).Error("rejection log write")
	}
}

func (l *rejectionLog) depth() int {
	if l.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.WithError(err).Error("rejection log read")
		}
		return 0
	}
	return len(entries)
}
