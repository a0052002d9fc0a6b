package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const banKeyPrefix = "ban/"

// BanRecord is one persisted ban, keyed by the peer's base58 ID.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds, 0 = permanent
}

func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore keeps ban records in the node database so bans outlive
// restarts.
type BanStore struct {
	db storage.DB
}

func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(id string) []byte {
	return []byte(banKeyPrefix + id)
}

func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get(banKey(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put(banKey(rec.ID), data)
}

func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach visits every stored ban. Records that fail to decode are
// skipped rather than aborting the walk.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach([]byte(banKeyPrefix), func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired drops every ban whose expiry has passed, plus any record
// that no longer decodes. Returns how many were removed.
func (bs *BanStore) PruneExpired() (int, error) {
	now := time.Now().Unix()

	var doomed [][]byte
	err := bs.db.ForEach([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err == nil {
			if rec.ExpiresAt == 0 || now < rec.ExpiresAt {
				return nil
			}
		}
		doomed = append(doomed, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan bans: %w", err)
	}

	for _, key := range doomed {
		if err := bs.db.Delete(key); err != nil {
			return 0, fmt.Errorf("delete expired ban: %w", err)
		}
	}
	return len(doomed), nil
}
