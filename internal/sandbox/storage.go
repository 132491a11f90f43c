// Package sandbox captures messages into a bbolt database instead of delivering them.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/mail"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("sandbox")
	bucketIndex    = []byte("sandbox_index") // id -> message key
)

// Capture sources
const (
	SourceTransport = "transport" // dry-run campaign
	SourceSink      = "sink"      // received by the capture relay
)

// Message is a captured message
type Message struct {
	ID           string    `json:"id"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	Source       string    `json:"source"`
	From         string    `json:"from"`
	To           []string  `json:"to"`
	Subject      string    `json:"subject"`
	Data         []byte    `json:"data,omitempty"`
	Size         int       `json:"size"`
	CapturedAt   time.Time `json:"captured_at"`
	ClientIP     string    `json:"client_ip,omitempty"`
	AuthUser     string    `json:"auth_user,omitempty"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages ordered by capture time.
type Storage struct {
	db     *bolt.DB
	ownsDB bool
}

// Open opens (or creates) a dedicated database file.
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox database: %w", err)
	}

	s, err := NewStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStorage uses an already open database.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database if Open created it.
func (s *Storage) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Save stores a message. Subject and Size are derived from Data when unset.
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	if msg.CapturedAt.IsZero() {
		msg.CapturedAt = time.Now()
	}
	if msg.Subject == "" {
		msg.Subject = extractSubject(msg.Data)
	}
	if msg.Size == 0 {
		msg.Size = len(msg.Data)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := makeIndexKey(msg.CapturedAt, msg.ID)
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(msg.ID), key)
	})
}

// Get retrieves a message by ID. Returns nil, nil when absent.
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return nil
		}
		v := tx.Bucket(bucketMessages).Get(key)
		if v == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(v, msg)
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	CampaignID string
	Source     string
	To         string
	Limit      int
	Offset     int
}

func (f ListFilter) match(m *Message) bool {
	if f.CampaignID != "" && m.CampaignID != f.CampaignID {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if f.To != "" {
		found := false
		for _, to := range m.To {
			if to == f.To {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns matching messages, newest first, without their bodies.
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if !filter.match(&msg) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Delete removes a message by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketMessages).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// Clear removes messages of a campaign (all when empty) older than olderThan
// (any age when zero). Returns the number removed.
func (s *Storage) Clear(ctx context.Context, campaignID string, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		index := tx.Bucket(bucketIndex)

		type victim struct{ key, id []byte }
		var victims []victim

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if campaignID != "" && msg.CampaignID != campaignID {
				continue
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				continue
			}
			victims = append(victims, victim{key: bytes.Clone(k), id: []byte(msg.ID)})
		}

		for _, v := range victims {
			if err := bucket.Delete(v.key); err != nil {
				return err
			}
			if err := index.Delete(v.id); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarizes the capture store
type Stats struct {
	Total      int64            `json:"total"`
	ByCampaign map[string]int64 `json:"by_campaign"`
	BySource   map[string]int64 `json:"by_source"`
	Simulated  int64            `json:"simulated_errors"`
	OldestAt   time.Time        `json:"oldest_at,omitempty"`
	NewestAt   time.Time        `json:"newest_at,omitempty"`
	TotalSize  int64            `json:"total_size"`
}

// Stats returns capture statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCampaign: make(map[string]int64),
		BySource:   make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			stats.Total++
			stats.TotalSize += int64(msg.Size)
			if msg.CampaignID != "" {
				stats.ByCampaign[msg.CampaignID]++
			}
			stats.BySource[msg.Source]++
			if msg.SimulatedErr != "" {
				stats.Simulated++
			}

			if stats.OldestAt.IsZero() || msg.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = msg.CapturedAt
			}
			if msg.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

// keyTimeFormat is fixed width so keys sort chronologically.
const keyTimeFormat = "2006-01-02T15:04:05.000000000Z"

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(keyTimeFormat) + ":" + id)
}

func extractSubject(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		return decoded
	}
	return subject
}
