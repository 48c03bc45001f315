// Package store keeps the reminder schedule, dose history and fill log in a
// bbolt file.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/event"
)

const (
	bucketReminders = "reminders"
	bucketDoses     = "doses"
	bucketFills     = "fills"

	// doseTimeLayout is fixed width so keys sort chronologically.
	doseTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrInvalidReminder is returned for a reminder with an out-of-range field.
var ErrInvalidReminder = errors.New("store: invalid reminder")

// Reminder is a daily dose time for one slot.
type Reminder struct {
	Slot   int `json:"slot"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (r Reminder) String() string {
	return fmt.Sprintf("slot %d at %02d:%02d", r.Slot, r.Hour, r.Minute)
}

func (r Reminder) validate() error {
	if r.Slot < 1 || r.Slot > protocol.NumSlots {
		return fmt.Errorf("%w: slot %d", ErrInvalidReminder, r.Slot)
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: time %02d:%02d", ErrInvalidReminder, r.Hour, r.Minute)
	}
	return nil
}

func (r Reminder) key() []byte {
	return []byte(fmt.Sprintf("%d/%02d:%02d", r.Slot, r.Hour, r.Minute))
}

// Dose is one medication-taken report from the device.
type Dose struct {
	Slot int       `json:"slot"`
	At   time.Time `json:"at"`
}

// Fill records when a slot was last refilled.
type Fill struct {
	Slot int       `json:"slot"`
	At   time.Time `json:"at"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp doses and fills.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store is a bbolt-backed medication store. Safe for concurrent use.
type Store struct {
	db    *bolt.DB
	clock clockwork.Clock
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketReminders, bucketDoses, bucketFills} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init: %w", err)
	}

	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// SetReminder adds a reminder. Setting the same slot and time twice is a no-op.
func (s *Store) SetReminder(r Reminder) error {
	if err := r.validate(); err != nil {
		return err
	}
	return s.put(bucketReminders, r.key(), r)
}

// DeleteReminders removes every reminder of slot and reports how many went.
func (s *Store) DeleteReminders(slot int) (int, error) {
	prefix := []byte(strconv.Itoa(slot) + "/")
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketReminders)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: delete reminders for slot %d: %w", slot, err)
	}
	return n, nil
}

// Reminders returns every reminder ordered by slot, then time.
func (s *Store) Reminders() ([]Reminder, error) {
	var out []Reminder
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReminders)).ForEach(func(_, v []byte) error {
			var r Reminder
			if err := jsoniter.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode reminder: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: reminders: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.Hour*60+a.Minute < b.Hour*60+b.Minute
	})
	return out, nil
}

// RecordDose logs that the dose in slot was taken at the given time.
func (s *Store) RecordDose(slot int, at time.Time) error {
	key := fmt.Sprintf("%s/%d", at.UTC().Format(doseTimeLayout), slot)
	return s.put(bucketDoses, []byte(key), Dose{Slot: slot, At: at.UTC()})
}

// Doses returns the doses taken at or after since, oldest first.
func (s *Store) Doses(since time.Time) ([]Dose, error) {
	var out []Dose
	from := []byte(since.UTC().Format(doseTimeLayout))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketDoses)).Cursor()
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			var d Dose
			if err := jsoniter.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode dose %s: %w", k, err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: doses: %w", err)
	}
	return out, nil
}

// RecordFill stamps slot as refilled now.
func (s *Store) RecordFill(slot int) error {
	if slot < 1 || slot > protocol.NumSlots {
		return fmt.Errorf("store: record fill: invalid slot %d", slot)
	}
	f := Fill{Slot: slot, At: s.clock.Now().UTC()}
	return s.put(bucketFills, []byte(strconv.Itoa(slot)), f)
}

// Fills returns the last fill of every slot that has one, by slot.
func (s *Store) Fills() ([]Fill, error) {
	var out []Fill
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFills)).ForEach(func(_, v []byte) error {
			var f Fill
			if err := jsoniter.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode fill: %w", err)
			}
			out = append(out, f)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: fills: %w", err)
	}
	return out, nil
}

// HandleEvent records medication-taken events from the bus.
func (s *Store) HandleEvent(ev event.Event) {
	taken, ok := ev.(event.MedicationTaken)
	if !ok {
		return
	}
	if err := s.RecordDose(taken.Slot, s.clock.Now()); err != nil {
		slog.Error("[STORE] record dose", "slot", taken.Slot, "error", err)
		return
	}
	slog.Info("[STORE] dose recorded", "slot", taken.Slot)
}

func (s *Store) put(bucket string, key []byte, v any) error {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", bucket, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("store: write %s: %w", bucket, err)
	}
	return nil
}
