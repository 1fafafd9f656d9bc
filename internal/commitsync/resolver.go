package commitsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/commitsync/internal/graph"
)

// Directory is the container hierarchy of the task service.
type Directory interface {
	ListGroups(ctx context.Context) ([]graph.Group, error)
	ListContainers(ctx context.Context, groupID string) ([]graph.Container, error)
	CreateContainer(ctx context.Context, groupID, name string) (graph.Container, error)
	GetContainer(ctx context.Context, id string) (graph.Container, error)
}

// RepoRef names a repository on the issue tracker.
type RepoRef struct {
	Owner string `json:"owner" yaml:"owner"`
	Repo  string `json:"repo" yaml:"repo"`
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Repo
}

func (r RepoRef) key() string {
	return strings.ToLower(strings.TrimSpace(r.Owner)) + "/" + strings.ToLower(strings.TrimSpace(r.Repo))
}

// Mapping binds one task container to one repository.
type Mapping struct {
	ContainerID string `json:"containerId" yaml:"containerId"`
	Owner       string `json:"owner" yaml:"owner"`
	Repo        string `json:"repo" yaml:"repo"`
}

// MappingTable is the bidirectional container <-> repository index.
// Entries are seeded from configuration or learned by name resolution.
type MappingTable struct {
	mu          sync.RWMutex
	byRepo      map[string]string
	byContainer map[string]RepoRef
}

func NewMappingTable(seed []Mapping) (*MappingTable, error) {
	t := &MappingTable{
		byRepo:      map[string]string{},
		byContainer: map[string]RepoRef{},
	}
	for _, m := range seed {
		if err := t.Put(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Put records m. A container or repository already bound to something else
// is rejected so renames never silently rebind.
func (t *MappingTable) Put(m Mapping) error {
	ref := RepoRef{Owner: strings.TrimSpace(m.Owner), Repo: strings.TrimSpace(m.Repo)}
	containerID := strings.TrimSpace(m.ContainerID)
	if containerID == "" || ref.Owner == "" || ref.Repo == "" {
		return fmt.Errorf("%w: mapping needs container id, owner and repo", ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byRepo[ref.key()]; ok && existing != containerID {
		return fmt.Errorf("%w: %s already mapped to container %s", ErrInvalidInput, ref, existing)
	}
	if existing, ok := t.byContainer[containerID]; ok && existing.key() != ref.key() {
		return fmt.Errorf("%w: container %s already mapped to %s", ErrInvalidInput, containerID, existing)
	}
	t.byRepo[ref.key()] = containerID
	t.byContainer[containerID] = ref
	return nil
}

func (t *MappingTable) Container(ref RepoRef) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byRepo[ref.key()]
	return id, ok
}

func (t *MappingTable) Repo(containerID string) (RepoRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.byContainer[containerID]
	return ref, ok
}

func (t *MappingTable) Entries() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Mapping, 0, len(t.byContainer))
	for id, ref := range t.byContainer {
		out = append(out, Mapping{ContainerID: id, Owner: ref.Owner, Repo: ref.Repo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// Resolver maps repositories to task containers and back. Group names
// correspond to owners and container names to repositories, compared
// case-insensitively.
type Resolver struct {
	dir      Directory
	table    *MappingTable
	flight   singleflight.Group
	logger   *slog.Logger
	noCreate bool
}

type ResolverOptions struct {
	Directory Directory
	Table     *MappingTable
	Logger    *slog.Logger
	// DisableCreate turns off creation of missing containers.
	DisableCreate bool
}

func NewResolver(opts ResolverOptions) *Resolver {
	table := opts.Table
	if table == nil {
		table, _ = NewMappingTable(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: opts.Directory, table: table, logger: logger, noCreate: opts.DisableCreate}
}

func (r *Resolver) Table() *MappingTable {
	return r.table
}

// ResolveTarget returns the container for owner/repo, creating the
// container inside the owner's group when it does not exist yet. A missing
// group is ErrResolution; groups are never created.
func (r *Resolver) ResolveTarget(ctx context.Context, owner, repo string) (string, error) {
	ref := RepoRef{Owner: strings.TrimSpace(owner), Repo: strings.TrimSpace(repo)}
	if ref.Owner == "" || ref.Repo == "" {
		return "", fmt.Errorf("%w: owner and repo are required", ErrResolution)
	}
	if id, ok := r.table.Container(ref); ok {
		return id, nil
	}
	v, err, _ := r.flight.Do("target:"+ref.key(), func() (any, error) {
		if id, ok := r.table.Container(ref); ok {
			return id, nil
		}
		return r.resolveTargetByName(ctx, ref)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolveTargetByName(ctx context.Context, ref RepoRef) (string, error) {
	groups, err := r.dir.ListGroups(ctx)
	if err != nil {
		return "", err
	}
	var group *graph.Group
	for i := range groups {
		if strings.EqualFold(strings.TrimSpace(groups[i].Name), ref.Owner) {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return "", fmt.Errorf("%w: no group named %q", ErrResolution, ref.Owner)
	}
	containers, err := r.dir.ListContainers(ctx, group.ID)
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if strings.EqualFold(strings.TrimSpace(c.Name), ref.Repo) {
			r.learn(c.ID, RepoRef{Owner: group.Name, Repo: c.Name})
			return c.ID, nil
		}
	}
	if r.noCreate {
		return "", fmt.Errorf("%w: no container named %q in group %q", ErrResolution, ref.Repo, group.Name)
	}
	created, err := r.dir.CreateContainer(ctx, group.ID, ref.Repo)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", ref.Repo, err)
	}
	r.logger.Info("created task container", "group", group.Name, "container", ref.Repo, "container_id", created.ID)
	r.learn(created.ID, RepoRef{Owner: group.Name, Repo: ref.Repo})
	return created.ID, nil
}

// ResolveSource returns the repository for a container. A container with
// no parent group is not mapped.
func (r *Resolver) ResolveSource(ctx context.Context, containerID string) (RepoRef, error) {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return RepoRef{}, fmt.Errorf("%w: container id is required", ErrResolution)
	}
	if ref, ok := r.table.Repo(containerID); ok {
		return ref, nil
	}
	v, err, _ := r.flight.Do("source:"+containerID, func() (any, error) {
		return r.resolveSourceByName(ctx, containerID)
	})
	if err != nil {
		return RepoRef{}, err
	}
	return v.(RepoRef), nil
}

func (r *Resolver) resolveSourceByName(ctx context.Context, containerID string) (RepoRef, error) {
	container, err := r.dir.GetContainer(ctx, containerID)
	if err != nil {
		return RepoRef{}, err
	}
	groupKey := strings.TrimSpace(container.ParentGroupKey)
	if groupKey == "" {
		return RepoRef{}, fmt.Errorf("%w: container %s has no parent group", ErrResolution, containerID)
	}
	groups, err := r.dir.ListGroups(ctx)
	if err != nil {
		return RepoRef{}, err
	}
	for _, g := range groups {
		if g.GroupKey == groupKey {
			ref := RepoRef{Owner: strings.TrimSpace(g.Name), Repo: strings.TrimSpace(container.Name)}
			if ref.Owner == "" || ref.Repo == "" {
				break
			}
			r.learn(containerID, ref)
			return ref, nil
		}
	}
	return RepoRef{}, fmt.Errorf("%w: parent group of container %s not found", ErrResolution, containerID)
}

func (r *Resolver) learn(containerID string, ref RepoRef) {
	if err := r.table.Put(Mapping{ContainerID: containerID, Owner: ref.Owner, Repo: ref.Repo}); err != nil {
		r.logger.Warn("mapping not recorded", "container_id", containerID, "repo", ref.String(), "error", err)
	}
}

// Containers lists every container of every group, for linear scans.
func (r *Resolver) Containers(ctx context.Context) ([]graph.Container, error) {
	groups, err := r.dir.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var out []graph.Container
	for _, g := range groups {
		containers, err := r.dir.ListContainers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, containers...)
	}
	return out, nil
}
