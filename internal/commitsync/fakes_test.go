package commitsync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/commitsync/internal/capability"
	"github.com/agentworkforce/commitsync/internal/github"
	"github.com/agentworkforce/commitsync/internal/graph"
)

// fakeTasks is an in-memory task service.
type fakeTasks struct {
	mu         sync.Mutex
	groups     []graph.Group
	containers map[string][]graph.Container
	tasks      map[string]graph.Task
	order      []string
	seq        int

	createContainerCalls int
	createTaskCalls      int
	updateTaskCalls      int
	failUpdate           error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{containers: map[string][]graph.Container{}, tasks: map[string]graph.Task{}}
}

func (f *fakeTasks) addGroup(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, graph.Group{ID: id, Name: name, GroupKey: "key-" + id})
}

func (f *fakeTasks) addContainer(groupID, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := ""
	if groupID != "" {
		parent = "key-" + groupID
	}
	f.containers[groupID] = append(f.containers[groupID], graph.Container{ID: id, Name: name, ParentGroupKey: parent})
}

func (f *fakeTasks) addTask(task graph.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	f.order = append(f.order, task.ID)
}

func (f *fakeTasks) task(id string) graph.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeTasks) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeTasks) ListGroups(context.Context) ([]graph.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.Group(nil), f.groups...), nil
}

func (f *fakeTasks) ListContainers(_ context.Context, groupID string) ([]graph.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.Container(nil), f.containers[groupID]...), nil
}

func (f *fakeTasks) CreateContainer(_ context.Context, groupID, name string) (graph.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createContainerCalls++
	f.seq++
	c := graph.Container{ID: "folder-" + strconv.Itoa(f.seq), Name: name, ParentGroupKey: "key-" + groupID}
	f.containers[groupID] = append(f.containers[groupID], c)
	return c, nil
}

func (f *fakeTasks) GetContainer(_ context.Context, id string) (graph.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.containers {
		for _, c := range list {
			if c.ID == id {
				return c, nil
			}
		}
	}
	return graph.Container{}, &capability.Error{Status: http.StatusNotFound, Body: "container not found"}
}

func (f *fakeTasks) ListTasks(_ context.Context, containerID string) ([]graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Task
	for _, id := range f.order {
		if t, ok := f.tasks[id]; ok && t.ParentFolderID == containerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return graph.Task{}, &capability.Error{Status: http.StatusNotFound, Body: "task not found"}
	}
	return t, nil
}

func (f *fakeTasks) CreateTask(_ context.Context, containerID, title, body, status string) (graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createTaskCalls++
	f.seq++
	t := graph.Task{
		ID:             "task-" + strconv.Itoa(f.seq),
		Title:          title,
		Body:           graph.ItemBody{ContentType: "text", Content: body},
		Status:         status,
		ParentFolderID: containerID,
	}
	f.tasks[t.ID] = t
	f.order = append(f.order, t.ID)
	return t, nil
}

func (f *fakeTasks) UpdateTask(_ context.Context, id string, patch graph.TaskPatch) (graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateTaskCalls++
	if f.failUpdate != nil {
		return graph.Task{}, f.failUpdate
	}
	t, ok := f.tasks[id]
	if !ok {
		return graph.Task{}, &capability.Error{Status: http.StatusNotFound, Body: "task not found"}
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Body != nil {
		t.Body.Content = *patch.Body
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	f.tasks[id] = t
	return t, nil
}

// fakeIssues is an in-memory issue tracker.
type fakeIssues struct {
	mu     sync.Mutex
	issues map[string]github.Issue
	next   int

	createCalls   int
	setStateCalls int
	failCreate    error
}

func newFakeIssues() *fakeIssues {
	return &fakeIssues{issues: map[string]github.Issue{}, next: 1}
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (f *fakeIssues) CreateIssue(_ context.Context, owner, repo, title, body string) (github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate != nil {
		return github.Issue{}, f.failCreate
	}
	number := f.next
	f.next++
	issue := github.Issue{
		Number:  number,
		Title:   title,
		Body:    body,
		State:   IssueOpen,
		HTMLURL: fmt.Sprintf("https://github.com/%s/%s/issues/%d", owner, repo, number),
	}
	f.issues[issueKey(owner, repo, number)] = issue
	return issue, nil
}

func (f *fakeIssues) GetIssue(_ context.Context, owner, repo string, number int) (github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueKey(owner, repo, number)]
	if !ok {
		return github.Issue{}, &capability.Error{Status: http.StatusNotFound, Body: "issue not found"}
	}
	return issue, nil
}

func (f *fakeIssues) SetIssueState(_ context.Context, owner, repo string, number int, state string) (github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateCalls++
	key := issueKey(owner, repo, number)
	issue, ok := f.issues[key]
	if !ok {
		return github.Issue{}, &capability.Error{Status: http.StatusNotFound, Body: "issue not found"}
	}
	issue.State = state
	f.issues[key] = issue
	return issue, nil
}

func (f *fakeIssues) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.issues))
	for _, issue := range f.issues {
		out = append(out, issue.HTMLURL)
	}
	sort.Strings(out)
	return out
}

// fakeSubscriptions records renewals and fails the ids in failing.
type fakeSubscriptions struct {
	mu      sync.Mutex
	failing map[string]bool
	renewed map[string]time.Time
}

func (f *fakeSubscriptions) RenewSubscription(_ context.Context, id string, expiresAt time.Time) (graph.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return graph.Subscription{}, &capability.Error{Status: http.StatusNotFound, Body: "subscription gone"}
	}
	if f.renewed == nil {
		f.renewed = map[string]time.Time{}
	}
	f.renewed[id] = expiresAt
	return graph.Subscription{ID: id, ExpirationDateTime: expiresAt}, nil
}
