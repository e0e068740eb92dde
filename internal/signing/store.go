package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const preparedKeyPrefix = "prepared-tx:"

// Store keeps prepared-but-unsigned transactions for a short TTL. A
// transaction can be consumed exactly once; submitting the same signed
// bytes twice finds nothing the second time.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Put(ctx context.Context, prepared *PreparedTransaction) error {
	data, err := json.Marshal(prepared)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, preparedKeyPrefix+prepared.TransactionID, data, s.ttl).Err()
}

// Consume atomically fetches and deletes the prepared transaction.
func (s *Store) Consume(ctx context.Context, transactionID string) (*PreparedTransaction, error) {
	data, err := s.rdb.GetDel(ctx, preparedKeyPrefix+transactionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, fmt.Errorf("prepared-tx store: %w", err)
	}

	var prepared PreparedTransaction
	if err := json.Unmarshal(data, &prepared); err != nil {
		return nil, fmt.Errorf("prepared-tx store: %w", err)
	}
	return &prepared, nil
}
