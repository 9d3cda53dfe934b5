package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers session audit records and writes them to Postgres
// off the hot path, with bounded retry. A full buffer drops the record
// rather than stalling a session transition.
type AuditWriter struct {
	db   *DB
	ch   chan *SessionAudit
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *SessionAudit, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(rec *SessionAudit) {
	select {
	case w.ch <- rec:
	default:
		log.Warn().Str("session_id", rec.SessionID).Msg("audit buffer full, dropping record")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(rec *SessionAudit) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogSession(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("session_id", rec.SessionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("session_id", rec.SessionID).
				Msg("audit write failed permanently after retries")
		}
	}
}
