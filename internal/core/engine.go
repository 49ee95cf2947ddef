package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/rs/zerolog"
)

// Engine is the single-writer command processor. ProcessCommand must only
// be called from one goroutine; read helpers may be called concurrently.
type Engine struct {
	db          store.DB
	sequence    atomic.Int64 // next sequence to assign
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	allowMint   bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything a committed command produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Events   []event.DomainEvent
	Pools    []*state.Pool // pools written by the command, id order
}

// Options tune an Engine. The zero value is usable.
type Options struct {
	AllowMint           bool
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
}

// Result reports the outcome of one command.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Epoch     *EpochResult
	Events    []event.DomainEvent
}

// NewEngine resumes the sequence and hash chain stored in db. Either
// channel may be nil, in which case that output is not emitted.
func NewEngine(db store.DB, persistChan, projectionChan chan<- CoreOutput, opts Options) (*Engine, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	e := &Engine{
		db:             db,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker, opts.Metrics, logger),
		metrics:        opts.Metrics,
		logger:         logger,
		allowMint:      opts.AllowMint,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}

	txn, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer txn.Discard()

	meta, err := state.NewRepository(txn).Meta()
	if err != nil {
		return nil, fmt.Errorf("load core meta: %w", err)
	}
	next := meta.Sequence
	if next == 0 {
		next = 1
	}
	e.sequence.Store(next)
	e.hasher.Reset(meta.StateHash)

	logger.Info().Int64("sequence", next).Msg("engine resumed")
	return e, nil
}

// txContext is the per-command view handed to every handler.
type txContext struct {
	repo    *state.Repository
	ledger  *ledger.BalanceTracker
	now     int64 // unix seconds of the command timestamp
	ts      time.Time
	events  []event.DomainEvent
	touched map[state.PoolID]*state.Pool
}

func (tx *txContext) emit(evt event.DomainEvent) {
	tx.events = append(tx.events, evt)
}

// loadPool maps a missing record to ErrNoSuchPool.
func (tx *txContext) loadPool(id state.PoolID) (*state.Pool, error) {
	p, err := tx.repo.Pool(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pool %d: %w", id, ErrNoSuchPool)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (tx *txContext) touchedPools() []*state.Pool {
	pools := make([]*state.Pool, 0, len(tx.touched))
	for _, p := range tx.touched {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools
}

func (tx *txContext) savePool(p *state.Pool) error {
	if err := tx.repo.PutPool(p); err != nil {
		return err
	}
	tx.touched[p.ID] = p
	return nil
}

// ProcessCommand is the main processing pipeline: dedup, dispatch inside
// one store transaction, journal validation, state hash, commit, emit.
func (e *Engine) ProcessCommand(cmd event.Event) (*Result, error) {
	start := time.Now()
	eventType := cmd.EventType().String()
	idempotencyKey := cmd.IdempotencyKey()

	if e.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return &Result{Duplicate: true}, nil
	}

	txn, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer txn.Discard()

	seq := e.sequence.Load()
	ts := cmd.Time()
	tx := &txContext{
		repo: state.NewRepository(txn),
		ledger: ledger.NewBalanceTracker(txn, ledger.JournalContext{
			EventRef:  idempotencyKey,
			Sequence:  seq,
			Timestamp: ts.UnixMicro(),
		}),
		now:     ts.Unix(),
		ts:      ts,
		touched: make(map[state.PoolID]*state.Pool),
	}

	epoch, err := e.dispatch(tx, cmd)
	if err != nil {
		e.recordRejection(cmd, err)
		return nil, err
	}

	batch := tx.ledger.Batch()
	if err := ledger.NewInvariantValidator(tx.ledger).ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed journal batch: %v", err))
	}

	hashStart := time.Now()
	digest, err := e.computeStateDigest(tx)
	if err != nil {
		return nil, fmt.Errorf("state digest: %w", err)
	}
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.Next(seq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if err := tx.repo.PutMeta(&state.CoreMeta{Sequence: seq + 1, StateHash: stateHash}); err != nil {
		return nil, fmt.Errorf("store meta: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.hasher.Advance(stateHash)
	e.sequence.Store(seq + 1)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: idempotencyKey,
			EventType:      cmd.EventType(),
			PoolID:         cmd.Pool(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:  batch,
		Events: tx.events,
		Pools:  tx.touchedPools(),
	}
	e.emit(output)

	e.idempotency.MarkProcessed(eventType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(ts).Seconds())
		e.metrics.CoreSequence.Set(float64(seq + 1))
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	e.logger.Debug().
		Int64("sequence", seq).
		Str("event_type", eventType).
		Str("key", idempotencyKey).
		Int("journals", len(batch.Journals)).
		Msg("command applied")

	return &Result{
		Sequence:  seq,
		StateHash: stateHash,
		Epoch:     epoch,
		Events:    tx.events,
	}, nil
}

func (e *Engine) dispatch(tx *txContext, cmd event.Event) (*EpochResult, error) {
	switch c := cmd.(type) {
	case *event.CreatePool:
		return nil, e.handleCreatePool(tx, c)
	case *event.OrderSupply:
		return nil, e.handleOrderSupply(tx, c)
	case *event.OrderRedeem:
		return nil, e.handleOrderRedeem(tx, c)
	case *event.Collect:
		return nil, e.handleCollect(tx, c)
	case *event.CloseEpoch:
		return e.handleCloseEpoch(tx, c)
	case *event.SolveEpoch:
		return e.handleSolveEpoch(tx, c)
	case *event.Borrow:
		return nil, e.handleBorrow(tx, c)
	case *event.Payback:
		return nil, e.handlePayback(tx, c)
	case *event.Mint:
		return nil, e.handleMint(tx, c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (e *Engine) recordRejection(cmd event.Event, err error) {
	kind := KindOf(err)
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(cmd.EventType().String(), kind.String()).Inc()
	}

	logEvt := e.logger.Info()
	if kind == KindArithmetic || kind == KindUnknown {
		// Overflow means the fixed-point model no longer holds; operators
		// need to see it.
		logEvt = e.logger.Error()
		if kind == KindArithmetic && e.metrics != nil {
			e.metrics.CoreOverflow.Inc()
		}
	}
	logEvt.Err(err).
		Str("event_type", cmd.EventType().String()).
		Str("key", cmd.IdempotencyKey()).
		Str("kind", kind.String()).
		Msg("command rejected")
}

// emit hands output to persistence (blocking) and projections (drop when
// full; projections rebuild from the event log).
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// pool written by the command in id order, then every balance it moved
// in (currency, account) order.
func (e *Engine) computeStateDigest(tx *txContext) ([]byte, error) {
	ids := make([]state.PoolID, 0, len(tx.touched))
	for id := range tx.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var digest []byte
	for _, id := range ids {
		raw, err := json.Marshal(tx.touched[id])
		if err != nil {
			return nil, err
		}
		digest = append(digest, raw...)
	}

	type holding struct {
		currency ledger.CurrencyID
		account  ledger.AccountKey
	}
	seen := make(map[holding]bool)
	var holdings []holding
	for _, j := range tx.ledger.Batch().Journals {
		for _, acct := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if acct == ledger.IssuanceAccount {
				continue
			}
			h := holding{currency: j.Currency, account: acct}
			if !seen[h] {
				seen[h] = true
				holdings = append(holdings, h)
			}
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].currency != holdings[j].currency {
			return holdings[i].currency < holdings[j].currency
		}
		return holdings[i].account.AccountPath() < holdings[j].account.AccountPath()
	})

	for _, h := range holdings {
		bal, err := tx.ledger.FreeBalance(h.currency, h.account)
		if err != nil {
			return nil, err
		}
		line := fmt.Sprintf("%s|%s|%s;", h.currency, h.account.AccountPath(), bal)
		digest = append(digest, line...)
	}
	return digest, nil
}

// --- Read side ---

// View runs fn against a read-only transaction that is always discarded.
func (e *Engine) View(fn func(repo *state.Repository, balances ledger.Currencies) error) error {
	txn, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer txn.Discard()
	return fn(state.NewRepository(txn), ledger.NewBalanceTracker(txn, ledger.JournalContext{}))
}

// Pool loads a pool; ErrNoSuchPool when unknown.
func (e *Engine) Pool(id state.PoolID) (*state.Pool, error) {
	var out *state.Pool
	err := e.View(func(repo *state.Repository, _ ledger.Currencies) error {
		p, err := repo.Pool(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("pool %d: %w", id, ErrNoSuchPool)
		}
		out = p
		return err
	})
	return out, err
}

// WarmIdempotency preloads composite keys recovered from the event log.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// IdempotencyStats exposes dedup counters.
func (e *Engine) IdempotencyStats() IdempotencyStats {
	return e.idempotency.Stats()
}

// GetSequence returns the next sequence to be assigned.
func (e *Engine) GetSequence() int64 {
	return e.sequence.Load()
}

// GetStateHash returns the state hash chain tip. Writer goroutine only.
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}
