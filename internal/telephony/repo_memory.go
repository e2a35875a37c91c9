package telephony

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrRecordNotFound = errors.New("telephony: webhook record not found")

// MemoryLedger is an in-memory webhook ledger for tests.

type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]WebhookRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]WebhookRecord)}
}

func (l *MemoryLedger) Insert(ctx context.Context, rec WebhookRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.EventID]; ok {
		return false, nil
	}
	l.records[rec.EventID] = rec
	return true, nil
}

func (l *MemoryLedger) MarkProcessed(ctx context.Context, eventID string) error {
	return l.mark(eventID, RecordProcessed, "")
}

func (l *MemoryLedger) MarkIgnored(ctx context.Context, eventID, note string) error {
	return l.mark(eventID, RecordIgnored, note)
}

func (l *MemoryLedger) MarkFailed(ctx context.Context, eventID, note string) error {
	return l.mark(eventID, RecordFailed, note)
}

func (l *MemoryLedger) mark(eventID string, status RecordStatus, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Note = note
	rec.ProcessedAt = &now
	l.records[eventID] = rec
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, eventID string) (WebhookRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[eventID]
	if !ok {
		return WebhookRecord{}, ErrRecordNotFound
	}
	return rec, nil
}
