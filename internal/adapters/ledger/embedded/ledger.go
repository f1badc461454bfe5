// Package embedded runs the ledger contract in process over a LevelDB state
// store. It is meant for development and tests; production deployments use
// the Fabric chaincode behind the gateway.
package embedded

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

const (
	stateKeyPrefix = "state_"
	txKeyPrefix    = "tx_"
	heightKey      = "height_latest"
)

type Options struct {
	// StaleReads makes the given number of queries after every submit see the
	// state from before that submit, mimicking propagation lag between peers.
	StaleReads int
	Logger     *slog.Logger
	Now        func() time.Time
}

type Ledger struct {
	db       *leveldb.DB
	contract chaincode.Contract
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	height    uint64
	stale     *leveldb.Snapshot
	staleLeft int
	opts      Options
}

// TxRecord is what the ledger keeps for every accepted submit.
type TxRecord struct {
	TxID      string          `json:"txId"`
	Height    uint64          `json:"height"`
	Category  string          `json:"category"`
	Function  string          `json:"function"`
	Payload   json.RawMessage `json:"payload"`
	Committed time.Time       `json:"committed"`
}

// Open opens the ledger at path. An empty path keeps state in memory.
func Open(path string, opts Options) (*Ledger, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger state: %w", err)
	}

	l := &Ledger{db: db, opts: opts, logger: opts.Logger, now: opts.Now}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	raw, err := db.Get([]byte(heightKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("read ledger height: %w", err)
	default:
		l.height, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("parse ledger height: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stale != nil {
		l.stale.Release()
		l.stale = nil
	}
	return l.db.Close()
}

func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Submit runs fn against a pending view of state and writes the result as one
// batch. A contract rejection is reported through the receipt, not the error.
func (l *Ledger) Submit(ctx context.Context, category domain.LedgerCategory, function string, params any) (domain.LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerReceipt{}, err
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("encode %s params: %w", function, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	view := &pendingState{db: l.db, writes: map[string][]byte{}}
	if err := l.contract.Submit(view, category, function, payload); err != nil {
		l.logger.Debug("ledger submit rejected", "category", category, "function", function, "error", err)
		return domain.LedgerReceipt{OK: false, Message: err.Error()}, nil
	}

	height := l.height + 1
	txID := txHash(height, category, function, payload)
	rec, err := json.Marshal(TxRecord{
		TxID:      txID,
		Height:    height,
		Category:  string(category),
		Function:  function,
		Payload:   payload,
		Committed: l.now(),
	})
	if err != nil {
		return domain.LedgerReceipt{}, err
	}

	batch := new(leveldb.Batch)
	for k, v := range view.writes {
		batch.Put([]byte(stateKeyPrefix+k), v)
	}
	batch.Put([]byte(txKeyPrefix+txID), rec)
	batch.Put([]byte(heightKey), []byte(strconv.FormatUint(height, 10)))

	if l.opts.StaleReads > 0 {
		snap, err := l.db.GetSnapshot()
		if err != nil {
			return domain.LedgerReceipt{}, fmt.Errorf("snapshot ledger state: %w", err)
		}
		if l.stale != nil {
			l.stale.Release()
		}
		l.stale, l.staleLeft = snap, l.opts.StaleReads
	}
	if err := l.db.Write(batch, nil); err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("write ledger batch: %w", err)
	}
	l.height = height

	l.logger.Debug("ledger submit committed", "category", category, "function", function, "tx_id", txID, "height", height)
	return domain.LedgerReceipt{TxID: txID, OK: true}, nil
}

func (l *Ledger) Query(ctx context.Context, category domain.LedgerCategory, function string, params any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", function, err)
	}

	l.mu.Lock()
	var view chaincode.State = &pendingState{db: l.db}
	if l.stale != nil && l.staleLeft > 0 {
		view = snapshotState{snap: l.stale}
		l.staleLeft--
	}
	raw, err := l.contract.Query(view, category, function, payload)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Transaction returns the record of an accepted submit.
func (l *Ledger) Transaction(txID string) (TxRecord, error) {
	raw, err := l.db.Get([]byte(txKeyPrefix+txID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return TxRecord{}, domain.NotFound("transaction", txID)
	}
	if err != nil {
		return TxRecord{}, err
	}
	var rec TxRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TxRecord{}, err
	}
	return rec, nil
}

func txHash(height uint64, category domain.LedgerCategory, function string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|", height, category, function)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// pendingState overlays uncommitted writes on the database.
type pendingState struct {
	db     *leveldb.DB
	writes map[string][]byte
}

func (s *pendingState) GetState(key string) ([]byte, error) {
	if v, ok := s.writes[key]; ok {
		return v, nil
	}
	v, err := s.db.Get([]byte(stateKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *pendingState) PutState(key string, value []byte) error {
	if s.writes == nil {
		return errors.New("ledger state is read-only during queries")
	}
	s.writes[key] = value
	return nil
}

type snapshotState struct {
	snap *leveldb.Snapshot
}

func (s snapshotState) GetState(key string) ([]byte, error) {
	v, err := s.snap.Get([]byte(stateKeyPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s snapshotState) PutState(string, []byte) error {
	return errors.New("ledger state is read-only during queries")
}
