// Package store implements durable persistence for loan ceremony state:
// a loan's terms and lifecycle state, its registered pre-signed
// templates, and the partial signatures submitted against them. It
// generalizes channeldb/db.go's versioned-bucket bbolt database —
// same Open/Wipe/syncVersions shape, same top-level bucket-per-entity
// layout — from lnd's channel/graph state to this system's loan/
// template/signature state.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"go.etcd.io/bbolt"

	"github.com/reconquest-labs/escrowcore/build"
)

const (
	dbFileName       = "escrow.db"
	dbFilePermission = 0600
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

var byteOrder = binary.BigEndian

var (
	loansBucket      = []byte("loans")
	templatesBucket  = []byte("templates")  // nested: templatesBucket/<loanID>/<templateType>
	signaturesBucket = []byte("signatures") // nested: signaturesBucket/<loanID>/<templateType>/<role>
	ltvEventsBucket  = []byte("ltv-events") // nested: ltvEventsBucket/<loanID>, keyed by BigEndian(unixNano)
	metaBucket       = []byte("meta")
)

var topLevelBuckets = [][]byte{
	loansBucket, templatesBucket, signaturesBucket, ltvEventsBucket, metaBucket,
}

// migration mutates the key/bucket structure of a prior database version
// into the next.
type migration func(tx *bbolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions holds every schema version in ascending order. The base
// version requires no migration; append future versions here as the
// schema evolves, following channeldb's own append-only history.
var dbVersions = []version{
	{number: 0, migration: nil},
}

// Meta tracks the schema version actually on disk.
type Meta struct {
	DbVersionNumber uint32
}

var metaKey = []byte("meta")

// ErrMetaNotFound is returned when no Meta record has been written yet,
// i.e. this is a freshly created database.
var ErrMetaNotFound = fmt.Errorf("store: meta not found")

// DB is the durable store backing a ceremony.Coordinator.
type DB struct {
	*bbolt.DB
	path string
}

// Open opens (creating if necessary) the escrow database rooted at
// dbPath, applying any pending schema migrations.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("store: creating db dir: %w", err)
	}

	path := filepath.Join(dbPath, dbFileName)
	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening bbolt db: %w", err)
	}

	db := &DB{DB: bdb, path: dbPath}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}

	if err := db.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("store: syncing schema version: %w", err)
	}

	return db, nil
}

// Ping confirms the database is still reachable, for healthcheck's
// periodic observation loop. bbolt has no connection to lose once
// opened, so this only verifies the meta bucket is still readable.
func (d *DB) Ping(ctx context.Context) error {
	return d.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucket) == nil {
			return fmt.Errorf("store: meta bucket missing")
		}
		return nil
	})
}

// Wipe deletes every bucket's contents in a single atomic transaction,
// leaving the empty bucket structure intact. Intended for tests.
func (d *DB) Wipe() error {
	return d.Update(func(tx *bbolt.Tx) error {
		for _, name := range topLevelBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) syncVersions(versions []version) error {
	meta, err := d.fetchMeta()
	if err != nil {
		if err == ErrMetaNotFound {
			meta = &Meta{}
		} else {
			return err
		}
	}

	latest := getLatestDBVersion(versions)
	if meta.DbVersionNumber == latest {
		return nil
	}

	log.Infof("store: migrating schema from version %d to %d", meta.DbVersionNumber, latest)

	migrations, versionNumbers := getMigrationsToApply(versions, meta.DbVersionNumber)
	return d.Update(func(tx *bbolt.Tx) error {
		for i, m := range migrations {
			if m == nil {
				continue
			}
			log.Infof("store: applying migration #%d", versionNumbers[i])
			if err := m(tx); err != nil {
				return fmt.Errorf("migration #%d: %w", versionNumbers[i], err)
			}
		}
		meta.DbVersionNumber = latest
		return d.putMetaTx(tx, meta)
	})
}

func (d *DB) fetchMeta() (*Meta, error) {
	var meta *Meta
	err := d.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		raw := b.Get(metaKey)
		if raw == nil {
			return ErrMetaNotFound
		}
		var m Meta
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		meta = &m
		return nil
	})
	return meta, err
}

func (d *DB) putMetaTx(tx *bbolt.Tx, meta *Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Bucket(metaBucket).Put(metaKey, raw)
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

func getMigrationsToApply(versions []version, current uint32) ([]migration, []uint32) {
	migrations := make([]migration, 0, len(versions))
	numbers := make([]uint32, 0, len(versions))
	for _, v := range versions {
		if v.number > current {
			migrations = append(migrations, v.migration)
			numbers = append(numbers, v.number)
		}
	}
	return migrations, numbers
}

func loanKey(loanID int64) []byte {
	key := make([]byte, 8)
	byteOrder.PutUint64(key, uint64(loanID))
	return key
}
