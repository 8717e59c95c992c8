package subscription

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const outboxBucket = "pending_provider_calls"

// Action is a deferred provider call.
type Action string

const (
	ActionActivate Action = "activate"
	ActionSuspend  Action = "suspend"
	ActionCancel   Action = "cancel"
)

// Pending is a provider call that could not be made because the provider
// was unavailable. Entries are keyed by agreement id: a newer intent for the
// same agreement replaces the older one.
type Pending struct {
	AgreementID   string    `json:"agreement_id"`
	OrderID       string    `json:"order_id,omitempty"`
	Action        Action    `json:"action"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Outbox is a bolt file holding pending provider calls.
type Outbox struct {
	db *bolt.DB
}

// OpenOutbox opens (or creates) the outbox file.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outboxBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Close releases the file lock.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores p, replacing any pending call for the same agreement.
func (o *Outbox) Put(p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).Put([]byte(p.AgreementID), data)
	})
}

// Get returns the pending call for an agreement.
func (o *Outbox) Get(agreementID string) (Pending, bool, error) {
	var (
		p     Pending
		found bool
	)
	err := o.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(outboxBucket)).Get([]byte(agreementID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &p)
	})
	return p, found, err
}

// Delete removes the pending call for an agreement. Missing keys are not an error.
func (o *Outbox) Delete(agreementID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).Delete([]byte(agreementID))
	})
}

// List returns every pending call ordered by agreement id.
func (o *Outbox) List() ([]Pending, error) {
	items := []Pending{}
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).ForEach(func(_, v []byte) error {
			var p Pending
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			items = append(items, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Settle writes back the outcome of replaying p: the entry is removed when
// done, otherwise p replaces it. Nothing is written when the stored entry is
// no longer the one p was read from, because a newer intent was parked or the
// entry was cleared meanwhile. It reports whether it wrote.
func (o *Outbox) Settle(p Pending, done bool) (bool, error) {
	var written bool
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outboxBucket))
		v := b.Get([]byte(p.AgreementID))
		if v == nil {
			return nil
		}
		var cur Pending
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		if !cur.EnqueuedAt.Equal(p.EnqueuedAt) {
			return nil
		}
		written = true
		if done {
			return b.Delete([]byte(p.AgreementID))
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.AgreementID), data)
	})
	return written, err
}
