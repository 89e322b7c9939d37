package testcase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	caseKeyPrefix    = "case/"
	projectKeyPrefix = "project/"
)

// Store persists test cases in badger. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs replaces the UUID generator.
func WithIDs(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) a persistent store at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", path, err)
	}
	return open(badger.DefaultOptions(path), opts)
}

// OpenInMemory opens a store whose data is lost on Close.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), opts)
}

func open(bopts badger.Options, opts []Option) (*Store, error) {
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{
		db:     db,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTestCase stores in as a new test case created by userID and returns
// it with its generated ID and timestamps.
func (s *Store) CreateTestCase(ctx context.Context, userID string, in CreateInput) (*TestCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, errors.New("test case name is required")
	}

	now := s.now().UTC()
	tc := &TestCase{
		ID:          s.newID(),
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		Steps:       in.Steps,
		ProjectID:   in.ProjectID,
		SuiteID:     in.SuiteID,
		Tags:        in.Tags,
		Priority:    in.Priority,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tc.Steps == nil {
		tc.Steps = []TestStep{}
	}
	if tc.Tags == nil {
		tc.Tags = []string{}
	}

	data, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("marshal test case: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(caseKey(tc.ID), data); err != nil {
			return err
		}
		if tc.ProjectID != "" {
			return txn.Set(projectKey(tc.ProjectID, tc.ID), nil)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store test case: %w", err)
	}

	s.logger.Info("test case stored", "id", tc.ID, "name", tc.Name, "steps", len(tc.Steps), "projectId", tc.ProjectID)
	return tc, nil
}

// Get returns the test case with the given ID or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*TestCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tc TestCase
	err := s.db.View(func(txn *badger.Txn) error {
		return getCase(txn, id, &tc)
	})
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// List returns the test cases of a project, or every test case when
// projectID is empty, oldest first.
func (s *Store) List(ctx context.Context, projectID string) ([]TestCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cases := []TestCase{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if projectID != "" {
			opts.PrefetchValues = false
			opts.Prefix = []byte(projectKeyPrefix + projectID + "/")
		} else {
			opts.Prefix = []byte(caseKeyPrefix)
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var tc TestCase
			if projectID != "" {
				id := string(item.Key()[len(opts.Prefix):])
				if err := getCase(txn, id, &tc); err != nil {
					return err
				}
			} else {
				err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &tc)
				})
				if err != nil {
					return fmt.Errorf("decode test case %s: %w", item.Key(), err)
				}
			}
			cases = append(cases, tc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
	return cases, nil
}

func getCase(txn *badger.Txn, id string, tc *TestCase) error {
	item, err := txn.Get(caseKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load test case %s: %w", id, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, tc); err != nil {
			return fmt.Errorf("decode test case %s: %w", id, err)
		}
		return nil
	})
}

func caseKey(id string) []byte {
	return []byte(caseKeyPrefix + id)
}

func projectKey(projectID, id string) []byte {
	return []byte(projectKeyPrefix + projectID + "/" + id)
}
