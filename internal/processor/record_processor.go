package processor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatesync/server/config"
	"estatesync/server/internal/errlog"
	"estatesync/server/internal/upsert"
)

// Transactor is the part of *gorm.DB the processor needs.
type Transactor interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// RecordProcessor applies prepared records, one transaction per record.
type RecordProcessor struct {
	db         Transactor
	logger     *logrus.Logger
	maxRetries int
	retryDelay time.Duration
	locks      *keyLocks
}

// NewRecordProcessor creates a new record processor instance
func NewRecordProcessor(db Transactor, cfg *config.Config, logger *logrus.Logger) *RecordProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &RecordProcessor{
		db:         db,
		logger:     logger,
		maxRetries: cfg.Processor.MaxRetries,
		retryDelay: time.Duration(cfg.Processor.RetryDelay) * time.Millisecond,
		locks:      newKeyLocks(),
	}
}

// Process applies one prepared record in its own transaction. Concurrent
// calls for the same listing key are serialized. Persistence conflicts are
// retried; a retry sees the winner's row and turns an insert into an update.
func (p *RecordProcessor) Process(ctx context.Context, h upsert.Handler, prepared *upsert.Prepared, opts upsert.Options) (*upsert.Result, error) {
	unlock := p.locks.lock(string(h.Type()) + "|" + prepared.Key)
	defer unlock()

	var (
		result *upsert.Result
		err    error
	)
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"object_type": h.Type(),
				"key":         prepared.Key,
				"run_id":      opts.RunID,
			}).Infof("Retrying record, attempt %d of %d", attempt, p.maxRetries)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			var applyErr error
			result, applyErr = h.Apply(ctx, tx, prepared, opts)
			return applyErr
		})
		if err == nil {
			return result, nil
		}
		if !errlog.IsConflict(err) {
			return nil, err
		}
	}

	return nil, errlog.Persistence(fmt.Errorf("failed to process record after %d attempts: %w", p.maxRetries+1, err))
}

// keyLocks is a set of mutexes keyed by listing key. Entries are dropped
// once no goroutine holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
