package commitsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LinkState tracks how far the two-step cross-system write has progressed.
type LinkState string

const (
	// LinkPending: the fingerprint is claimed, nothing created yet.
	LinkPending LinkState = "pending"
	// LinkCreated: the target item exists but the back-reference is not written.
	LinkCreated LinkState = "created"
	// LinkLinked: both sides reference each other.
	LinkLinked LinkState = "linked"
)

// Link is the stored form of the bond between one task and one issue.
type Link struct {
	Fingerprint  string    `json:"fingerprint"`
	State        LinkState `json:"state"`
	ContainerIDA string    `json:"containerIdA,omitempty"`
	ItemIDA      string    `json:"itemIdA,omitempty"`
	OwnerB       string    `json:"ownerB,omitempty"`
	RepoB        string    `json:"repoB,omitempty"`
	ItemNumberB  int       `json:"itemNumberB,omitempty"`
	ItemURLB     string    `json:"itemUrlB,omitempty"`
	ClaimedAt    time.Time `json:"claimedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// LinkStore is the keyed idempotency record. Claim must be an atomic
// insert-if-absent for every implementation.
type LinkStore interface {
	// Claim inserts link when its fingerprint is absent and reports true.
	// When present it returns the stored record and false.
	Claim(ctx context.Context, link Link) (Link, bool, error)
	// Save overwrites the record for link.Fingerprint.
	Save(ctx context.Context, link Link) error
	Get(ctx context.Context, fingerprint string) (Link, error)
	// Reclaim takes over a pending record abandoned by an earlier delivery.
	// It replaces the record with link only while the stored one is still
	// pending with stale.ClaimedAt, and reports whether it did.
	Reclaim(ctx context.Context, stale Link, link Link) (bool, error)
	// Release drops a claim so a later delivery can retry from scratch.
	Release(ctx context.Context, fingerprint string) error
	Close() error
}

func IssueFingerprint(issueURL string) string {
	return "github:" + strings.TrimSpace(issueURL)
}

func TaskFingerprint(taskID string) string {
	return "todo:" + strings.TrimSpace(taskID)
}

func validLink(link Link) bool {
	return strings.TrimSpace(link.Fingerprint) != ""
}

// reclaimable reports whether current is still the pending claim a caller
// saw as stale.
func reclaimable(current, stale Link) bool {
	return current.State == LinkPending && current.ClaimedAt.Equal(stale.ClaimedAt)
}

// freshClaim prepares link to replace a stale claim.
func freshClaim(link Link, now time.Time) Link {
	link.State = LinkPending
	link.ClaimedAt = time.Time{}
	return stampLink(link, now)
}

func stampLink(link Link, now time.Time) Link {
	if link.State == "" {
		link.State = LinkPending
	}
	if link.ClaimedAt.IsZero() {
		link.ClaimedAt = now
	}
	link.UpdatedAt = now
	return link
}

type InMemoryLinkStore struct {
	mu    sync.Mutex
	links map[string]Link
	clock func() time.Time
}

func NewInMemoryLinkStore() *InMemoryLinkStore {
	return &InMemoryLinkStore{links: map[string]Link{}, clock: time.Now}
}

func (s *InMemoryLinkStore) Claim(_ context.Context, link Link) (Link, bool, error) {
	if !validLink(link) {
		return Link{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[link.Fingerprint]; ok {
		return existing, false, nil
	}
	link = stampLink(link, s.clock().UTC())
	s.links[link.Fingerprint] = link
	return link, true, nil
}

func (s *InMemoryLinkStore) Save(_ context.Context, link Link) error {
	if !validLink(link) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.Fingerprint] = stampLink(link, s.clock().UTC())
	return nil
}

func (s *InMemoryLinkStore) Reclaim(_ context.Context, stale Link, link Link) (bool, error) {
	if !validLink(link) || stale.Fingerprint != link.Fingerprint {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.links[link.Fingerprint]
	if !ok || !reclaimable(current, stale) {
		return false, nil
	}
	s.links[link.Fingerprint] = freshClaim(link, s.clock().UTC())
	return true, nil
}

func (s *InMemoryLinkStore) Get(_ context.Context, fingerprint string) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[fingerprint]
	if !ok {
		return Link{}, ErrNotFound
	}
	return link, nil
}

func (s *InMemoryLinkStore) Release(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, fingerprint)
	return nil
}

// Fingerprints lists stored fingerprints in order. Used by tests and the CLI.
func (s *InMemoryLinkStore) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.links))
	for fp := range s.links {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

func (s *InMemoryLinkStore) Close() error {
	return nil
}

// FileLinkStore persists records as one JSON document. Claims are atomic
// within a single process only.
type FileLinkStore struct {
	path  string
	mu    sync.Mutex
	links map[string]Link
	clock func() time.Time
}

type fileLinkStoreState struct {
	Links []Link `json:"links"`
}

func NewFileLinkStore(path string) (*FileLinkStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileLinkStore{path: path, links: map[string]Link{}, clock: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileLinkStore) Claim(_ context.Context, link Link) (Link, bool, error) {
	if !validLink(link) {
		return Link{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[link.Fingerprint]; ok {
		return existing, false, nil
	}
	link = stampLink(link, s.clock().UTC())
	s.links[link.Fingerprint] = link
	if err := s.saveLocked(); err != nil {
		delete(s.links, link.Fingerprint)
		return Link{}, false, err
	}
	return link, true, nil
}

func (s *FileLinkStore) Save(_ context.Context, link Link) error {
	if !validLink(link) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.links[link.Fingerprint]
	s.links[link.Fingerprint] = stampLink(link, s.clock().UTC())
	if err := s.saveLocked(); err != nil {
		if had {
			s.links[link.Fingerprint] = previous
		} else {
			delete(s.links, link.Fingerprint)
		}
		return err
	}
	return nil
}

func (s *FileLinkStore) Reclaim(_ context.Context, stale Link, link Link) (bool, error) {
	if !validLink(link) || stale.Fingerprint != link.Fingerprint {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.links[link.Fingerprint]
	if !ok || !reclaimable(current, stale) {
		return false, nil
	}
	s.links[link.Fingerprint] = freshClaim(link, s.clock().UTC())
	if err := s.saveLocked(); err != nil {
		s.links[link.Fingerprint] = current
		return false, err
	}
	return true, nil
}

func (s *FileLinkStore) Get(_ context.Context, fingerprint string) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[fingerprint]
	if !ok {
		return Link{}, ErrNotFound
	}
	return link, nil
}

func (s *FileLinkStore) Release(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.links[fingerprint]
	if !had {
		return nil
	}
	delete(s.links, fingerprint)
	if err := s.saveLocked(); err != nil {
		s.links[fingerprint] = previous
		return err
	}
	return nil
}

func (s *FileLinkStore) Close() error {
	return nil
}

func (s *FileLinkStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var state fileLinkStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, link := range state.Links {
		if validLink(link) {
			s.links[link.Fingerprint] = link
		}
	}
	return nil
}

func (s *FileLinkStore) saveLocked() error {
	state := fileLinkStoreState{Links: make([]Link, 0, len(s.links))}
	for _, link := range s.links {
		state.Links = append(state.Links, link)
	}
	sort.Slice(state.Links, func(i, j int) bool {
		return state.Links[i].Fingerprint < state.Links[j].Fingerprint
	})
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
