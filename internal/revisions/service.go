// Package revisions keeps a git history of every template's serialized
// payload. Each template gets its own repository under the base directory
// with a single main branch; every draft save and submit commits the payload
// as payload.json.
package revisions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evalsync/api/internal/schema"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const payloadFile = "payload.json"

// RevisionInfo describes one commit in a template's history.
type RevisionInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureTemplateRepo initializes the repository for a template with its
// first payload. Calling it again for an existing template is a no-op.
func (s *Service) EnsureTemplateRepo(templateID string, initial schema.Payload, author string) error {
	lock := s.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(templateID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	raw, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, payloadFile), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial payload: %w", err)
	}
	if _, err := worktree.Add(payloadFile); err != nil {
		return fmt.Errorf("git add initial payload: %w", err)
	}
	hash, err := worktree.Commit("Import template baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial payload: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitPayload records a new payload revision on main.
func (s *Service) CommitPayload(templateID string, payload schema.Payload, author, message string) (RevisionInfo, error) {
	lock := s.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(templateID))
	if err != nil {
		return RevisionInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return RevisionInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return RevisionInfo{}, fmt.Errorf("marshal payload: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, payloadFile), append(raw, '\n'), 0o644); err != nil {
		return RevisionInfo{}, fmt.Errorf("write payload: %w", err)
	}
	if _, err := worktree.Add(payloadFile); err != nil {
		return RevisionInfo{}, fmt.Errorf("git add payload: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return RevisionInfo{}, fmt.Errorf("commit payload: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return RevisionInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevisionInfo(commitObj), nil
}

// GetPayloadByHash returns the payload as it was at the given revision.
// Abbreviated hashes are resolved.
func (s *Service) GetPayloadByHash(templateID, hash string) (schema.Payload, error) {
	lock := s.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(templateID))
	if err != nil {
		return schema.Payload{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return schema.Payload{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return schema.Payload{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readPayloadFromCommit(commitObj)
}

// History lists revisions from newest to oldest, up to limit (0 = all).
func (s *Service) History(templateID string, limit int) ([]RevisionInfo, error) {
	lock := s.templateLock(templateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(templateID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]RevisionInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevisionInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(templateID string) string {
	return filepath.Join(s.baseDir, templateID)
}

func (s *Service) templateLock(templateID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[templateID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[templateID] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.evalsync.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readPayloadFromCommit(commitObj *object.Commit) (schema.Payload, error) {
	file, err := commitObj.File(payloadFile)
	if err != nil {
		return schema.Payload{}, fmt.Errorf("load %s from commit: %w", payloadFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return schema.Payload{}, fmt.Errorf("open payload reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return schema.Payload{}, fmt.Errorf("read payload bytes: %w", err)
	}

	var payload schema.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return schema.Payload{}, fmt.Errorf("decode commit payload: %w", err)
	}
	return payload, nil
}

func toRevisionInfo(commitObj *object.Commit) RevisionInfo {
	return RevisionInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
