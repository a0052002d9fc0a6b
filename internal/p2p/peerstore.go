package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	peerPrefix     = "peer/"
	stalePeerAge   = 24 * time.Hour
	persistEvery   = 5 * time.Minute
	maxStoredPeers = 500
)

// PeerRecord is one remembered peer, enough to redial it after a restart
// without waiting on discovery.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"` // dht, mdns, seed or gossip
}

// PeerStore persists known peers in the node database.
type PeerStore struct {
	db storage.DB
}

func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerKey(id string) []byte {
	return []byte(peerPrefix + id)
}

// Save writes or refreshes a record. New peers beyond maxStoredPeers
// are dropped on the floor; refreshes of known peers always go through.
func (s *PeerStore) Save(rec PeerRecord) error {
	key := peerKey(rec.ID)

	known, err := s.db.Has(key)
	if err != nil {
		return fmt.Errorf("peer lookup: %w", err)
	}
	if !known {
		count, err := s.Count()
		if err != nil {
			return fmt.Errorf("peer count: %w", err)
		}
		if count >= maxStoredPeers {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode peer record: %w", err)
	}
	return s.db.Put(key, data)
}

func (s *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := s.db.Get(peerKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("load peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every stored record, skipping any that fail to decode.
func (s *PeerStore) LoadAll() ([]PeerRecord, error) {
	var recs []PeerRecord
	err := s.db.ForEach([]byte(peerPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err == nil {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk peer records: %w", err)
	}
	return recs, nil
}

func (s *PeerStore) Delete(id peer.ID) error {
	return s.db.Delete(peerKey(id.String()))
}

// PruneStale drops peers not seen within threshold, along with records
// that no longer decode. Returns how many were removed.
func (s *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()

	var doomed [][]byte
	err := s.db.ForEach([]byte(peerPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err == nil && rec.LastSeen >= cutoff {
			return nil
		}
		doomed = append(doomed, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan peers: %w", err)
	}

	for _, key := range doomed {
		if err := s.db.Delete(key); err != nil {
			return 0, fmt.Errorf("drop stale peer: %w", err)
		}
	}
	return len(doomed), nil
}

// Count returns the number of stored records.
func (s *PeerStore) Count() (int, error) {
	n := 0
	err := s.db.ForEach([]byte(peerPrefix), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("peer count: %w", err)
	}
	return n, nil
}
