package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

var (
	keyRoot    = []byte("root")
	keyFiles   = []byte("files")
	keySymbols = []byte("symbols")
)

// Snapshot persists index state in a bbolt file. Each tenant gets a bucket
// holding one nested bucket per project.
type Snapshot struct {
	db *bbolt.DB
}

// snapshotState is the persisted form of one project
type snapshotState struct {
	Root    string
	Files   map[string]types.FileEntry
	Symbols map[string]*fileSymbols
}

// OpenSnapshot opens or creates the snapshot file
func OpenSnapshot(path string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close closes the snapshot file
func (s *Snapshot) Close() error {
	return s.db.Close()
}

func projectKey(projectID int64) []byte {
	return []byte(strconv.FormatInt(projectID, 10))
}

// Save replaces the stored state of a project
func (s *Snapshot) Save(ref ProjectRef, state *snapshotState) error {
	files, err := json.Marshal(state.Files)
	if err != nil {
		return err
	}
	symbols, err := json.Marshal(state.Symbols)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		tb, err := tx.CreateBucketIfNotExists([]byte(ref.TenantID))
		if err != nil {
			return err
		}
		pb, err := tb.CreateBucketIfNotExists(projectKey(ref.ProjectID))
		if err != nil {
			return err
		}
		if err := pb.Put(keyRoot, []byte(state.Root)); err != nil {
			return err
		}
		if err := pb.Put(keyFiles, files); err != nil {
			return err
		}
		return pb.Put(keySymbols, symbols)
	})
}

// Load returns the stored state of a project, or nil when none exists
func (s *Snapshot) Load(ref ProjectRef) (*snapshotState, error) {
	var state *snapshotState
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb := tx.Bucket([]byte(ref.TenantID))
		if tb == nil {
			return nil
		}
		pb := tb.Bucket(projectKey(ref.ProjectID))
		if pb == nil {
			return nil
		}
		st := &snapshotState{Root: string(pb.Get(keyRoot))}
		if data := pb.Get(keyFiles); data != nil {
			if err := json.Unmarshal(data, &st.Files); err != nil {
				return fmt.Errorf("decode files: %w", err)
			}
		}
		if data := pb.Get(keySymbols); data != nil {
			if err := json.Unmarshal(data, &st.Symbols); err != nil {
				return fmt.Errorf("decode symbols: %w", err)
			}
		}
		state = st
		return nil
	})
	return state, err
}

// Delete removes a project's stored state
func (s *Snapshot) Delete(ref ProjectRef) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket([]byte(ref.TenantID))
		if tb == nil {
			return nil
		}
		err := tb.DeleteBucket(projectKey(ref.ProjectID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
