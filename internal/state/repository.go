package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"TrancheLedger/internal/store"

	"github.com/google/uuid"
)

var ErrOutcomeExists = errors.New("state: epoch outcome already recorded")

// Key layout. Numeric components are zero padded so prefix scans return
// records in numeric order.
func poolKey(id PoolID) []byte {
	return []byte(fmt.Sprintf("pool/%020d", id))
}

func orderPrefix(id PoolID) []byte {
	return []byte(fmt.Sprintf("order/%020d/", id))
}

func orderKey(id PoolID, tranche TrancheIndex, investor uuid.UUID) []byte {
	return []byte(fmt.Sprintf("order/%020d/%03d/%s", id, tranche, investor))
}

func outcomePrefix(id PoolID) []byte {
	return []byte(fmt.Sprintf("outcome/%020d/", id))
}

func outcomeKey(id PoolID, tranche TrancheIndex, epoch uint64) []byte {
	return []byte(fmt.Sprintf("outcome/%020d/%03d/%020d", id, tranche, epoch))
}

func settlementKey(id PoolID, tranche TrancheIndex, epoch uint64) []byte {
	return []byte(fmt.Sprintf("settle/%020d/%03d/%020d", id, tranche, epoch))
}

func targetsKey(id PoolID) []byte {
	return []byte(fmt.Sprintf("targets/%020d", id))
}

var metaKey = []byte("meta/core")

// IsMetaKey reports whether key holds the CoreMeta record.
func IsMetaKey(key []byte) bool {
	return string(key) == string(metaKey)
}

// CoreMeta is the engine's own durable progress: the next sequence and the
// state hash chain tip.
type CoreMeta struct {
	Sequence  int64    `json:"sequence"`
	StateHash [32]byte `json:"state_hash"`
}

// Repository is the typed view of the store for one transaction.
type Repository struct {
	txn store.Txn
}

func NewRepository(txn store.Txn) *Repository {
	return &Repository{txn: txn}
}

// Txn exposes the underlying transaction for collaborators that share it.
func (r *Repository) Txn() store.Txn {
	return r.txn
}

func (r *Repository) get(key []byte, v interface{}) error {
	raw, err := r.txn.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *Repository) put(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.txn.Set(key, raw)
}

// --- Pools ---

// Pool loads a pool; store.ErrNotFound when it does not exist.
func (r *Repository) Pool(id PoolID) (*Pool, error) {
	var p Pool
	if err := r.get(poolKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) PoolExists(id PoolID) (bool, error) {
	_, err := r.txn.Get(poolKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) PutPool(p *Pool) error {
	p.Version++
	return r.put(poolKey(p.ID), p)
}

// PoolIDs lists every pool in id order.
func (r *Repository) PoolIDs() ([]PoolID, error) {
	var ids []PoolID
	err := r.txn.Scan([]byte("pool/"), func(key, _ []byte) error {
		n, err := strconv.ParseUint(strings.TrimPrefix(string(key), "pool/"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse pool key %q: %w", key, err)
		}
		ids = append(ids, PoolID(n))
		return nil
	})
	return ids, err
}

// --- Orders ---

// Order returns the standing order, or a zero order stamped with its key
// when the investor never ordered.
func (r *Repository) Order(id PoolID, tranche TrancheIndex, investor uuid.UUID) (*Order, error) {
	o := Order{PoolID: id, Tranche: tranche, Investor: investor}
	err := r.get(orderKey(id, tranche, investor), &o)
	if errors.Is(err, store.ErrNotFound) {
		return &o, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) PutOrder(o *Order) error {
	return r.put(orderKey(o.PoolID, o.Tranche, o.Investor), o)
}

// Orders lists every order of a pool.
func (r *Repository) Orders(id PoolID) ([]*Order, error) {
	var out []*Order
	err := r.txn.Scan(orderPrefix(id), func(key, value []byte) error {
		var o Order
		if err := json.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// --- Epoch outcomes ---

func (r *Repository) EpochOutcome(id PoolID, tranche TrancheIndex, epoch uint64) (*EpochOutcome, error) {
	var o EpochOutcome
	if err := r.get(outcomeKey(id, tranche, epoch), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertEpochOutcome writes o unless an outcome already exists for its key.
func (r *Repository) InsertEpochOutcome(o *EpochOutcome) error {
	key := outcomeKey(o.PoolID, o.Tranche, o.Epoch)
	_, err := r.txn.Get(key)
	if err == nil {
		return fmt.Errorf("%w: pool=%d tranche=%d epoch=%d", ErrOutcomeExists, o.PoolID, o.Tranche, o.Epoch)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return r.put(key, o)
}

// EpochOutcomes lists a pool's outcomes ordered by tranche then epoch.
func (r *Repository) EpochOutcomes(id PoolID) ([]*EpochOutcome, error) {
	var out []*EpochOutcome
	err := r.txn.Scan(outcomePrefix(id), func(key, value []byte) error {
		var o EpochOutcome
		if err := json.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

// --- Settlements ---

// Settlement loads the open settlement of an executed epoch;
// store.ErrNotFound once every order collected it or nothing executed.
func (r *Repository) Settlement(id PoolID, tranche TrancheIndex, epoch uint64) (*Settlement, error) {
	var s Settlement
	if err := r.get(settlementKey(id, tranche, epoch), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PutSettlement stores s, or drops it once fully settled.
func (r *Repository) PutSettlement(s *Settlement) error {
	key := settlementKey(s.PoolID, s.Tranche, s.Epoch)
	if s.Settled() {
		return r.txn.Delete(key)
	}
	return r.put(key, s)
}

// --- Pending targets ---

func (r *Repository) PendingTargets(id PoolID) (*PendingTargets, error) {
	var t PendingTargets
	if err := r.get(targetsKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) PutPendingTargets(t *PendingTargets) error {
	return r.put(targetsKey(t.PoolID), t)
}

func (r *Repository) DeletePendingTargets(id PoolID) error {
	return r.txn.Delete(targetsKey(id))
}

// --- Core metadata ---

// Meta returns the engine progress record; a fresh store yields zero meta.
func (r *Repository) Meta() (*CoreMeta, error) {
	var m CoreMeta
	err := r.get(metaKey, &m)
	if errors.Is(err, store.ErrNotFound) {
		return &m, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) PutMeta(m *CoreMeta) error {
	return r.put(metaKey, m)
}
