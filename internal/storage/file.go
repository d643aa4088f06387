package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "rentbot/pkg/logx"
)

// fileStore is a dependency-free registry backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot of all records)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journalFile  *os.File

	jobs   map[string]JobRecord
	writes int
}

type journalRecord struct {
	Op  string     `json:"op"` // "put", "del", "next"
	ID  string     `json:"job_id"`
	Job *JobRecord `json:"job,omitempty"`
	At  *time.Time `json:"at,omitempty"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	jobs := map[string]JobRecord{}
	_ = loadSnapshot(snapPath, jobs)
	_ = replayJournal(journalPath, jobs)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalPath:  journalPath,
		journalFile:  jf,
		jobs:         jobs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Final compact keeps restart cheap; best-effort.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) PutJob(ctx context.Context, rec JobRecord) error {
	_ = ctx
	rec = rec.Normalize()
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("registry closed")
	}
	if err := s.appendLocked(journalRecord{Op: "put", ID: rec.ID, Job: &rec}); err != nil {
		return err
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *fileStore) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	return rec, ok, nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("registry closed")
	}
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.jobs, id)
	return nil
}

func (s *fileStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) UpdateNextRun(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("registry closed")
	}
	rec, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "next", ID: id, At: &at}); err != nil {
		return err
	}
	rec.NextRun = at
	s.jobs[id] = rec
	return nil
}

// appendLocked writes one journal record and compacts periodically.
func (s *fileStore) appendLocked(jr journalRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(jr); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("registry compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	recs := make([]JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	// Journal content is now captured by the snapshot; truncate it.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 0); err != nil {
		return err
	}
	return nil
}

func loadSnapshot(path string, into map[string]JobRecord) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var recs []JobRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, rec := range recs {
		into[rec.ID] = rec.Normalize()
	}
	return nil
}

func replayJournal(path string, into map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var jr journalRecord
		if err := json.Unmarshal([]byte(line), &jr); err != nil {
			// Tail corruption after a crash: stop replaying, keep what we have.
			return nil
		}
		switch jr.Op {
		case "put":
			if jr.Job != nil {
				into[jr.Job.ID] = jr.Job.Normalize()
			}
		case "del":
			delete(into, jr.ID)
		case "next":
			if rec, ok := into[jr.ID]; ok && jr.At != nil {
				rec.NextRun = jr.At.UTC()
				into[jr.ID] = rec
			}
		}
	}
	return sc.Err()
}
