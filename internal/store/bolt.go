package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	downloadsBucket    = []byte("downloads")
	sessionsBucket     = []byte("sessions")
	openSessionsBucket = []byte("open_sessions")
	statsBucket        = []byte("stats")

	statsKey = []byte("global")
)

// BoltStore keeps everything in a single bbolt file. bbolt serializes writers,
// so every mutation below is atomic with respect to the others.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	s := &BoltStore{db: db, now: time.Now}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{downloadsBucket, sessionsBucket, openSessionsBucket, statsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		if tx.Bucket(statsBucket).Get(statsKey) == nil {
			return putJSON(tx.Bucket(statsBucket), statsKey, Stats{LastUpdated: s.now()})
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) AddDownload(_ context.Context, d *Download) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(downloadsBucket)
		if d.ID == 0 {
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			d.ID = id
		}
		if d.AddedAt.IsZero() {
			d.AddedAt = s.now()
		}
		return putJSON(bucket, itob(d.ID), d)
	})
}

func (s *BoltStore) SaveDownload(_ context.Context, d *Download) error {
	if d.ID == 0 {
		return fmt.Errorf("save download without id: %w", ErrNotFound)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(downloadsBucket), itob(d.ID), d)
	})
}

func (s *BoltStore) UpdateProgress(_ context.Context, id uint64, p Progress) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getDownload(tx, id)
		if err != nil {
			return err
		}
		previous := rec.Downloaded
		rec.Downloaded = p.Downloaded
		if p.TotalSize > 0 {
			rec.TotalSize = p.TotalSize
		}
		if p.Status != "" {
			rec.Status = p.Status
		}
		if err := putJSON(tx.Bucket(downloadsBucket), itob(id), rec); err != nil {
			return err
		}
		now := s.now()
		sess, err := getOpenSession(tx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			sess = &Session{ID: uuid.NewString(), DownloadID: id, StartTime: now, StartBytes: previous}
			if err := tx.Bucket(openSessionsBucket).Put(itob(id), []byte(sess.ID)); err != nil {
				return err
			}
		}
		sess.DownloadedBytes = max(0, p.Downloaded-sess.StartBytes)
		sess.AverageSpeed = sessionSpeed(sess, now)
		return putJSON(tx.Bucket(sessionsBucket), []byte(sess.ID), sess)
	})
}

func (s *BoltStore) SetStatus(_ context.Context, id uint64, status Status, errMsg string, closeSession bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getDownload(tx, id)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.Error = errMsg
		if err := putJSON(tx.Bucket(downloadsBucket), itob(id), rec); err != nil {
			return err
		}
		if closeSession {
			return s.closeSession(tx, id)
		}
		return nil
	})
}

func (s *BoltStore) CompleteDownload(_ context.Context, id uint64, totalSize int64, averageSpeed float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getDownload(tx, id)
		if err != nil {
			return err
		}
		if rec.Status == StatusCompleted {
			return nil
		}
		now := s.now()
		rec.Status = StatusCompleted
		rec.TotalSize = totalSize
		rec.Downloaded = totalSize
		rec.CompletedAt = &now
		rec.AverageSpeed = averageSpeed
		rec.Error = ""
		if err := putJSON(tx.Bucket(downloadsBucket), itob(id), rec); err != nil {
			return err
		}
		if err := s.closeSession(tx, id); err != nil {
			return err
		}
		var stats Stats
		if err := getJSON(tx.Bucket(statsBucket), statsKey, &stats); err != nil {
			return err
		}
		stats.TotalDownloads++
		stats.TotalDownloadedBytes += totalSize
		stats.AverageSpeed = runningMean(stats.AverageSpeed, stats.TotalDownloads, averageSpeed)
		stats.LastUpdated = now
		return putJSON(tx.Bucket(statsBucket), statsKey, stats)
	})
}

func (s *BoltStore) GetDownload(_ context.Context, id uint64) (*Download, error) {
	var rec *Download
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getDownload(tx, id)
		return err
	})
	return rec, err
}

func (s *BoltStore) History(_ context.Context) ([]Download, error) {
	var all []Download
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(downloadsBucket).ForEach(func(k, v []byte) error {
			var d Download
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode download %d: %w", btoi(k), err)
			}
			all = append(all, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortHistory(all)
	return all, nil
}

func (s *BoltStore) Active(ctx context.Context) ([]Download, error) {
	all, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, d := range all {
		if d.Status.Active() {
			active = append(active, d)
		}
	}
	return active, nil
}

func (s *BoltStore) Sessions(_ context.Context, downloadID uint64) ([]Session, error) {
	var sessions []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.DownloadID == downloadID {
				sessions = append(sessions, sess)
			}
			return nil
		})
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions, err
}

func (s *BoltStore) Stats(_ context.Context) (Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(statsBucket), statsKey, &stats)
	})
	return stats, err
}

func (s *BoltStore) RecomputeAverageSpeed(_ context.Context) (Stats, error) {
	var stats Stats
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var sum float64
		var n int
		err := tx.Bucket(downloadsBucket).ForEach(func(_, v []byte) error {
			var d Download
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Status == StatusCompleted && d.AverageSpeed > 0 {
				sum += d.AverageSpeed
				n++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := getJSON(tx.Bucket(statsBucket), statsKey, &stats); err != nil {
			return err
		}
		if n > 0 {
			stats.AverageSpeed = sum / float64(n)
		}
		stats.LastUpdated = s.now()
		return putJSON(tx.Bucket(statsBucket), statsKey, stats)
	})
	return stats, err
}

func (s *BoltStore) closeSession(tx *bbolt.Tx, downloadID uint64) error {
	sess, err := getOpenSession(tx, downloadID)
	if err != nil || sess == nil {
		return err
	}
	now := s.now()
	sess.EndTime = &now
	sess.AverageSpeed = sessionSpeed(sess, now)
	if err := putJSON(tx.Bucket(sessionsBucket), []byte(sess.ID), sess); err != nil {
		return err
	}
	return tx.Bucket(openSessionsBucket).Delete(itob(downloadID))
}

func getDownload(tx *bbolt.Tx, id uint64) (*Download, error) {
	var d Download
	if err := getJSON(tx.Bucket(downloadsBucket), itob(id), &d); err != nil {
		return nil, fmt.Errorf("download %d: %w", id, err)
	}
	return &d, nil
}

func getOpenSession(tx *bbolt.Tx, downloadID uint64) (*Session, error) {
	sessionID := tx.Bucket(openSessionsBucket).Get(itob(downloadID))
	if sessionID == nil {
		return nil, nil
	}
	var sess Session
	if err := getJSON(tx.Bucket(sessionsBucket), sessionID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func getJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data := bucket.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func sortHistory(all []Download) {
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].AddedAt.Equal(all[j].AddedAt) {
			return all[i].AddedAt.After(all[j].AddedAt)
		}
		return all[i].ID > all[j].ID
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
