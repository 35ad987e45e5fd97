/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package dss

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

const databaseFileName = "phobos.db"

// Buckets hierarchy:
//	- v1:
//		- media
//		- devices
//		- locks/device
//		- locks/medium
//		- logs
var (
	v1RootBucket  = []byte("v1")
	mediaBucket   = []byte("media")
	devicesBucket = []byte("devices")
	locksBucket   = []byte("locks")
	logsBucket    = []byte("logs")
)

// Database is the embedded bbolt-backed DSS store.
type Database struct {
	db *bolt.DB
}

// NewDatabase creates a new or opens an existing database file.
func NewDatabase(rootDir string) (*Database, error) {
	f := filepath.Join(rootDir, databaseFileName)
	if err := ensureDirectory(filepath.Dir(f)); err != nil {
		return nil, err
	}

	opts := bolt.Options{Timeout: time.Second * 4}

	db, err := bolt.Open(f, 0600, &opts)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db}
	if err := d.initDatabase(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return d, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}

	return nil
}

func (db *Database) initDatabase() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(v1RootBucket)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{mediaBucket, devicesBucket, logsBucket} {
			if _, err := bk.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "bucket %s", name)
			}
		}
		locks, err := bk.CreateBucketIfNotExists(locksBucket)
		if err != nil {
			return errors.Wrapf(err, "bucket %s", locksBucket)
		}
		for _, lt := range []LockType{LockDevice, LockMedium} {
			if _, err := locks.CreateBucketIfNotExists([]byte(lt)); err != nil {
				return errors.Wrapf(err, "bucket locks/%s", lt)
			}
		}
		return nil
	})
}

// Close releases the underlying bolt handle.
func (db *Database) Close() error {
	if err := db.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close boltdb")
	}
	return nil
}

func (db *Database) Media() MediaStore { return &boltMedia{db: db.db} }

func (db *Database) Devices() DeviceStore { return &boltDevices{db: db.db} }

func (db *Database) Locks() LockStore { return &boltLocks{db: db.db} }

func (db *Database) Logs() LogStore { return &boltLogs{db: db.db} }

func getBucket(tx *bolt.Tx, name []byte) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(name)
}

func getLockBucket(tx *bolt.Tx, lt LockType) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(locksBucket).Bucket([]byte(lt))
}

func putObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshall key %s", key)
	}

	if err := bucket.Put([]byte(key), value); err != nil {
		return errors.Wrapf(err, "put key %s", key)
	}

	return nil
}

func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	if obj == nil {
		return errdefs.ErrInvalidArgument
	}

	value := bucket.Get([]byte(key))
	if value == nil {
		return errdefs.ErrNotFound
	}

	if err := json.Unmarshal(value, obj); err != nil {
		return errors.Wrapf(err, "unmarshall %s", key)
	}

	return nil
}

type boltMedia struct {
	db *bolt.DB
}

func (s *boltMedia) Get(_ context.Context, f MediaFilter) ([]types.Medium, error) {
	var out []types.Medium
	err := s.db.View(func(tx *bolt.Tx) error {
		return getBucket(tx, mediaBucket).ForEach(func(_, v []byte) error {
			var m types.Medium
			if err := json.Unmarshal(v, &m); err != nil {
				return errors.Wrap(err, "unmarshall medium")
			}
			if mediumMatches(&m, f) {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

func mediumMatches(m *types.Medium, f MediaFilter) bool {
	if f.Family != "" && m.ID.Family != f.Family {
		return false
	}
	if f.Name != "" && m.ID.Name != f.Name {
		return false
	}
	if f.Library != "" && m.ID.Library != f.Library {
		return false
	}
	if f.AdminStatus != "" && m.AdminStatus != f.AdminStatus {
		return false
	}
	if f.PutAccess != nil && m.PutAccess != *f.PutAccess {
		return false
	}
	if f.GetAccess != nil && m.GetAccess != *f.GetAccess {
		return false
	}
	return true
}

func (s *boltMedia) GetOne(_ context.Context, id types.ResourceID) (*types.Medium, error) {
	var m types.Medium
	err := s.db.View(func(tx *bolt.Tx) error {
		return getObject(getBucket(tx, mediaBucket), id.String(), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *boltMedia) Set(_ context.Context, m *types.Medium) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putObject(getBucket(tx, mediaBucket), m.ID.String(), m)
	})
}

func (s *boltMedia) Update(_ context.Context, id types.ResourceID, u MediumUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := getBucket(tx, mediaBucket)
		var m types.Medium
		if err := getObject(bucket, id.String(), &m); err != nil {
			return err
		}
		if u.Space != nil {
			m.Space = *u.Space
		}
		if u.LogcWritten != nil {
			m.LogcWritten = *u.LogcWritten
		}
		if u.NbObjects != nil {
			m.NbObjects = *u.NbObjects
		}
		if u.FsStatus != nil {
			m.FsStatus = *u.FsStatus
		}
		if u.FsLabel != nil {
			m.FsLabel = *u.FsLabel
		}
		if u.AdminStatus != nil {
			m.AdminStatus = *u.AdminStatus
		}
		return putObject(bucket, id.String(), &m)
	})
}

type boltDevices struct {
	db *bolt.DB
}

func (s *boltDevices) Get(_ context.Context, f DeviceFilter) ([]types.Device, error) {
	var out []types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return getBucket(tx, devicesBucket).ForEach(func(_, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return errors.Wrap(err, "unmarshall device")
			}
			if deviceMatches(&d, f) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func deviceMatches(d *types.Device, f DeviceFilter) bool {
	if f.Family != "" && d.ID.Family != f.Family {
		return false
	}
	if f.Name != "" && d.ID.Name != f.Name {
		return false
	}
	if f.Host != "" && d.Host != f.Host {
		return false
	}
	if f.AdminStatus != "" && d.AdminStatus != f.AdminStatus {
		return false
	}
	return true
}

func (s *boltDevices) GetOne(_ context.Context, id types.ResourceID) (*types.Device, error) {
	var d types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return getObject(getBucket(tx, devicesBucket), id.String(), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *boltDevices) Set(_ context.Context, d *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putObject(getBucket(tx, devicesBucket), d.ID.String(), d)
	})
}

func (s *boltDevices) UpdateAdminStatus(_ context.Context, id types.ResourceID, st types.AdminStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := getBucket(tx, devicesBucket)
		var d types.Device
		if err := getObject(bucket, id.String(), &d); err != nil {
			return err
		}
		d.AdminStatus = st
		return putObject(bucket, id.String(), &d)
	})
}

type boltLocks struct {
	db *bolt.DB
}

func (s *boltLocks) Acquire(_ context.Context, lt LockType, id types.ResourceID, hostname string, pid int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := getLockBucket(tx, lt)
		var cur types.Lock
		if err := getObject(bucket, id.String(), &cur); err == nil {
			if cur.OwnedBy(hostname, pid) {
				return nil
			}
			return errors.Wrapf(errdefs.ErrBusy, "%s %s held by %s:%d",
				lt, id, cur.Hostname, cur.Owner)
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		lock := types.Lock{Hostname: hostname, Owner: pid, Timestamp: time.Now().UTC()}
		return putObject(bucket, id.String(), &lock)
	})
}

func (s *boltLocks) Release(_ context.Context, lt LockType, id types.ResourceID, hostname string, pid int, force bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := getLockBucket(tx, lt)
		var cur types.Lock
		if err := getObject(bucket, id.String(), &cur); err != nil {
			return err
		}
		if !force && !cur.OwnedBy(hostname, pid) {
			return errors.Wrapf(errdefs.ErrAlreadyLocked, "%s %s held by %s:%d",
				lt, id, cur.Hostname, cur.Owner)
		}
		return bucket.Delete([]byte(id.String()))
	})
}

func (s *boltLocks) Status(_ context.Context, lt LockType, id types.ResourceID) (types.Lock, error) {
	var cur types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		err := getObject(getLockBucket(tx, lt), id.String(), &cur)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
	return cur, err
}

func (s *boltLocks) Clean(_ context.Context, lt LockType, hostname string, pid int) ([]types.ResourceID, error) {
	var cleaned []types.ResourceID
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := getLockBucket(tx, lt)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var cur types.Lock
			if err := json.Unmarshal(v, &cur); err != nil {
				return errors.Wrap(err, "unmarshall lock")
			}
			if cur.Hostname != hostname {
				return nil
			}
			if pid > 0 && cur.Owner != pid {
				return nil
			}
			stale = append(stale, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			if id, err := parseResourceID(string(k)); err == nil {
				cleaned = append(cleaned, id)
			}
		}
		return nil
	})
	return cleaned, err
}

type boltLogs struct {
	db *bolt.DB
}

func (s *boltLogs) Emit(_ context.Context, rec LogRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := getBucket(tx, logsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := rec.Time.Format(time.RFC3339Nano) + "#" + itoa(seq)
		return putObject(bucket, key, &rec)
	})
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
