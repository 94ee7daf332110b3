package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"raac/native/reserve"
	"raac/storage"
)

const reserveRecordVersion uint64 = 1

var (
	reserveDataPrefix  = []byte("reserve/data/")
	reserveIndexKeyRaw = []byte("reserve/index")

	// ErrCorruptRecord is returned when a stored reserve fails its checksum
	// or cannot be decoded.
	ErrCorruptRecord = errors.New("reserve store: corrupt record")
)

// ReserveDataKey returns the hashed storage key of a reserve record.
func ReserveDataKey(id string) []byte {
	id = normalizeReserveID(id)
	buf := make([]byte, len(reserveDataPrefix)+len(id))
	copy(buf, reserveDataPrefix)
	copy(buf[len(reserveDataPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

// ReserveIndexKey returns the storage key of the reserve id list.
func ReserveIndexKey() []byte {
	return ethcrypto.Keccak256(reserveIndexKeyRaw)
}

func normalizeReserveID(id string) string {
	return strings.TrimSpace(id)
}

type storedReserve struct {
	Version             uint64
	TotalLiquidity      *uint256.Int
	TotalUsage          *uint256.Int
	LiquidityIndex      *uint256.Int
	UsageIndex          *uint256.Int
	LastUpdateTimestamp uint64

	PrimeRate              *uint256.Int
	BaseRate               *uint256.Int
	OptimalRate            *uint256.Int
	MaxRate                *uint256.Int
	OptimalUtilizationRate *uint256.Int
	ProtocolFeeRate        *uint256.Int
	CurrentLiquidityRate   *uint256.Int
	CurrentUsageRate       *uint256.Int
}

// reserveEnvelope guards the encoded record with a blake3 digest so torn or
// tampered writes are detected on load.
type reserveEnvelope struct {
	Payload  []byte
	Checksum []byte
}

func u256(v uint256.Int) *uint256.Int { return new(uint256.Int).Set(&v) }

func newStoredReserve(data reserve.ReserveData, rates reserve.RateData) storedReserve {
	return storedReserve{
		Version:                reserveRecordVersion,
		TotalLiquidity:         u256(data.TotalLiquidity),
		TotalUsage:             u256(data.TotalUsage),
		LiquidityIndex:         u256(data.LiquidityIndex),
		UsageIndex:             u256(data.UsageIndex),
		LastUpdateTimestamp:    data.LastUpdateTimestamp,
		PrimeRate:              u256(rates.PrimeRate),
		BaseRate:               u256(rates.BaseRate),
		OptimalRate:            u256(rates.OptimalRate),
		MaxRate:                u256(rates.MaxRate),
		OptimalUtilizationRate: u256(rates.OptimalUtilizationRate),
		ProtocolFeeRate:        u256(rates.ProtocolFeeRate),
		CurrentLiquidityRate:   u256(rates.CurrentLiquidityRate),
		CurrentUsageRate:       u256(rates.CurrentUsageRate),
	}
}

func setIfPresent(dst *uint256.Int, src *uint256.Int) {
	if src != nil {
		dst.Set(src)
	}
}

func (s storedReserve) decode() (reserve.ReserveData, reserve.RateData) {
	var data reserve.ReserveData
	setIfPresent(&data.TotalLiquidity, s.TotalLiquidity)
	setIfPresent(&data.TotalUsage, s.TotalUsage)
	setIfPresent(&data.LiquidityIndex, s.LiquidityIndex)
	setIfPresent(&data.UsageIndex, s.UsageIndex)
	data.LastUpdateTimestamp = s.LastUpdateTimestamp

	var rates reserve.RateData
	setIfPresent(&rates.PrimeRate, s.PrimeRate)
	setIfPresent(&rates.BaseRate, s.BaseRate)
	setIfPresent(&rates.OptimalRate, s.OptimalRate)
	setIfPresent(&rates.MaxRate, s.MaxRate)
	setIfPresent(&rates.OptimalUtilizationRate, s.OptimalUtilizationRate)
	setIfPresent(&rates.ProtocolFeeRate, s.ProtocolFeeRate)
	setIfPresent(&rates.CurrentLiquidityRate, s.CurrentLiquidityRate)
	setIfPresent(&rates.CurrentUsageRate, s.CurrentUsageRate)
	return data, rates
}

// ReserveStore persists reserve engines in a key-value database. It
// implements reserve.Persister.
type ReserveStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewReserveStore wraps db.
func NewReserveStore(db storage.Database) *ReserveStore {
	return &ReserveStore{db: db}
}

// PutReserve encodes and writes the reserve, registering the id in the index
// the first time it is seen.
func (s *ReserveStore) PutReserve(id string, data reserve.ReserveData, rates reserve.RateData) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("reserve store: database not configured")
	}
	id = normalizeReserveID(id)
	if id == "" {
		return fmt.Errorf("reserve store: reserve id required")
	}
	payload, err := rlp.EncodeToBytes(newStoredReserve(data, rates))
	if err != nil {
		return fmt.Errorf("reserve store: encode %s: %w", id, err)
	}
	sum := blake3.Sum256(payload)
	encoded, err := rlp.EncodeToBytes(reserveEnvelope{Payload: payload, Checksum: sum[:]})
	if err != nil {
		return fmt.Errorf("reserve store: encode envelope %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Index first: a listed id without a record loads as absent, while a
	// record written before a failed index update would outlive the abort.
	if err := s.addToIndex(id); err != nil {
		return err
	}
	if err := s.db.Put(ReserveDataKey(id), encoded); err != nil {
		return fmt.Errorf("reserve store: write %s: %w", id, err)
	}
	return nil
}

// GetReserve loads a reserve. The boolean is false when no record exists.
func (s *ReserveStore) GetReserve(id string) (reserve.ReserveData, reserve.RateData, bool, error) {
	if s == nil || s.db == nil {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("reserve store: database not configured")
	}
	id = normalizeReserveID(id)
	raw, err := s.db.Get(ReserveDataKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return reserve.ReserveData{}, reserve.RateData{}, false, nil
	}
	if err != nil {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("reserve store: read %s: %w", id, err)
	}
	var envelope reserveEnvelope
	if err := rlp.DecodeBytes(raw, &envelope); err != nil {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, id, err)
	}
	sum := blake3.Sum256(envelope.Payload)
	if !bytes.Equal(sum[:], envelope.Checksum) {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("%w: %s: checksum mismatch", ErrCorruptRecord, id)
	}
	var stored storedReserve
	if err := rlp.DecodeBytes(envelope.Payload, &stored); err != nil {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, id, err)
	}
	if stored.Version != reserveRecordVersion {
		return reserve.ReserveData{}, reserve.RateData{}, false, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptRecord, id, stored.Version)
	}
	data, rates := stored.decode()
	return data, rates, true, nil
}

// LoadEngine restores the engine for id from storage.
func (s *ReserveStore) LoadEngine(id string) (*reserve.Engine, bool, error) {
	data, rates, ok, err := s.GetReserve(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	engine, err := reserve.Restore(normalizeReserveID(id), data, rates)
	if err != nil {
		return nil, false, fmt.Errorf("reserve store: restore %s: %w", id, err)
	}
	return engine, true, nil
}

// ReserveIDs lists every stored reserve in lexical order.
func (s *ReserveStore) ReserveIDs() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("reserve store: database not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex()
}

// DeleteReserve removes the record and its index entry.
func (s *ReserveStore) DeleteReserve(id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("reserve store: database not configured")
	}
	id = normalizeReserveID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(ReserveDataKey(id)); err != nil {
		return fmt.Errorf("reserve store: delete %s: %w", id, err)
	}
	ids, err := s.loadIndex()
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return s.writeIndex(filtered)
}

func (s *ReserveStore) loadIndex() ([]string, error) {
	raw, err := s.db.Get(ReserveIndexKey())
	if errors.Is(err, storage.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve store: read index: %w", err)
	}
	var ids []string
	if err := rlp.DecodeBytes(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: index: %v", ErrCorruptRecord, err)
	}
	return ids, nil
}

func (s *ReserveStore) writeIndex(ids []string) error {
	encoded, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return fmt.Errorf("reserve store: encode index: %w", err)
	}
	if err := s.db.Put(ReserveIndexKey(), encoded); err != nil {
		return fmt.Errorf("reserve store: write index: %w", err)
	}
	return nil
}

func (s *ReserveStore) addToIndex(id string) error {
	ids, err := s.loadIndex()
	if err != nil {
		return err
	}
	pos := sort.SearchStrings(ids, id)
	if pos < len(ids) && ids[pos] == id {
		return nil
	}
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return s.writeIndex(ids)
}
