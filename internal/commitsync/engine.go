package commitsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/commitsync/internal/capability"
	"github.com/agentworkforce/commitsync/internal/github"
	"github.com/agentworkforce/commitsync/internal/graph"
)

// TaskService is the subset of the task service the engine mutates.
type TaskService interface {
	Directory
	ListTasks(ctx context.Context, containerID string) ([]graph.Task, error)
	GetTask(ctx context.Context, id string) (graph.Task, error)
	CreateTask(ctx context.Context, containerID, title, body, status string) (graph.Task, error)
	UpdateTask(ctx context.Context, id string, patch graph.TaskPatch) (graph.Task, error)
}

// IssueService is the subset of the issue tracker the engine mutates.
type IssueService interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string) (github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	SetIssueState(ctx context.Context, owner, repo string, number int, state string) (github.Issue, error)
}

type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeUpdated      Outcome = "updated"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeUnmapped     Outcome = "unmapped"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNoLinkedItem Outcome = "no_linked_item"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

const (
	SourceIssues = "github"
	SourceTasks  = "graph"
)

// Result describes what one event did. It is logged, returned to the
// webhook handler and published to activity observers.
type Result struct {
	Source      string    `json:"source"`
	Event       string    `json:"event"`
	Outcome     Outcome   `json:"outcome"`
	DeliveryID  string    `json:"deliveryId,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	IssueURL    string    `json:"issueUrl,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

type Observer func(Result)

type EngineOptions struct {
	Tasks       TaskService
	Issues      IssueService
	Links       LinkStore
	Guard       *Guard
	Resolver    *Resolver
	ClientState string
	Logger      *slog.Logger
	Observer    Observer
	Clock       func() time.Time
	// ClaimTTL is how long a pending claim may sit before another delivery
	// takes it over. It should not be shorter than the dispatch timeout.
	ClaimTTL time.Duration
}

const (
	// DefaultClaimTTL matches the default dispatch timeout.
	DefaultClaimTTL = DefaultDispatchTimeout
	releaseTimeout  = 10 * time.Second
)

// Engine applies issue events to tasks and task notifications to issues.
type Engine struct {
	tasks       TaskService
	issues      IssueService
	links       LinkStore
	guard       *Guard
	resolver    *Resolver
	clientState string
	logger      *slog.Logger
	observer    Observer
	clock       func() time.Time
	claimTTL    time.Duration
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Tasks == nil || opts.Issues == nil {
		return nil, fmt.Errorf("%w: task and issue services are required", ErrInvalidInput)
	}
	links := opts.Links
	if links == nil {
		links = NewInMemoryLinkStore()
	}
	guard := opts.Guard
	if guard == nil {
		guard = NewGuard(DefaultIssuesHost)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(ResolverOptions{Directory: opts.Tasks, Logger: logger})
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Engine{
		tasks:       opts.Tasks,
		issues:      opts.Issues,
		links:       links,
		guard:       guard,
		resolver:    resolver,
		clientState: opts.ClientState,
		logger:      logger,
		observer:    opts.Observer,
		clock:       clock,
		claimTTL:    claimTTL,
	}, nil
}

func (e *Engine) Links() LinkStore {
	return e.links
}

func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// HandleIssueEvent applies one issues webhook. Benign outcomes come back
// with a nil error; a non-nil error always means OutcomeFailed.
func (e *Engine) HandleIssueEvent(ctx context.Context, ev IssueEvent) (Result, error) {
	res := Result{
		Source:      SourceIssues,
		Event:       ev.Action,
		DeliveryID:  ev.DeliveryID,
		Fingerprint: IssueFingerprint(ev.URL),
		IssueURL:    ev.URL,
	}
	phase, ok := ActionToPhase(ev.Action)
	if !ok {
		res.Outcome = OutcomeIgnored
		return e.finish(res, nil)
	}
	var err error
	if ev.Action == "opened" {
		res, err = e.createTaskForIssue(ctx, res, ev)
	} else {
		res, err = e.applyIssuePhase(ctx, res, ev, phase)
	}
	return e.finish(res, err)
}

func (e *Engine) createTaskForIssue(ctx context.Context, res Result, ev IssueEvent) (Result, error) {
	owner, repo := strings.TrimSpace(ev.Owner), strings.TrimSpace(ev.Repo)
	if owner == "" || repo == "" {
		ref, err := e.guard.ParseIssueURL(ev.URL)
		if err != nil {
			return res, err
		}
		owner, repo = ref.Owner, ref.Repo
	}
	claim := Link{
		Fingerprint: res.Fingerprint,
		OwnerB:      owner,
		RepoB:       repo,
		ItemNumberB: ev.Number,
		ItemURLB:    ev.URL,
	}
	existing, won, err := e.claim(ctx, claim)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", res.Fingerprint, err)
	}
	if !won {
		res.TaskID = existing.ItemIDA
		return res, skipped("issue already linked (" + string(existing.State) + ")")
	}

	containerID, err := e.resolver.ResolveTarget(ctx, owner, repo)
	if err != nil {
		e.release(ctx, res.Fingerprint)
		return res, err
	}
	status, err := PhaseToNativeStatus(PhasePlan, SystemTasks)
	if err != nil {
		e.release(ctx, res.Fingerprint)
		return res, err
	}
	task, err := e.tasks.CreateTask(ctx, containerID, ev.Title, e.guard.Embed(ev.Body, ev.URL), status)
	if err != nil {
		e.release(ctx, res.Fingerprint)
		return res, fmt.Errorf("create task: %w", err)
	}
	res.TaskID = task.ID

	claim.State = LinkLinked
	claim.ContainerIDA = containerID
	claim.ItemIDA = task.ID
	if err := e.links.Save(ctx, claim); err != nil {
		e.logger.Error("link record not saved", "fingerprint", claim.Fingerprint, "task_id", task.ID, "error", err)
	}
	mirror := claim
	mirror.Fingerprint = TaskFingerprint(task.ID)
	if _, _, err := e.links.Claim(ctx, mirror); err != nil {
		e.logger.Warn("task link record not claimed", "fingerprint", mirror.Fingerprint, "error", err)
	}
	res.Outcome = OutcomeCreated
	return res, nil
}

func (e *Engine) applyIssuePhase(ctx context.Context, res Result, ev IssueEvent, phase Phase) (Result, error) {
	task, found, err := e.locateTask(ctx, ev.URL)
	if err != nil {
		return res, err
	}
	if !found {
		res.Outcome = OutcomeNoLinkedItem
		return res, nil
	}
	res.TaskID = task.ID
	if e.taskMatchesPhase(task, phase) {
		res.Outcome = OutcomeUnchanged
		return res, nil
	}
	status, err := PhaseToNativeStatus(phase, SystemTasks)
	if err != nil {
		return res, err
	}
	if _, err := e.tasks.UpdateTask(ctx, task.ID, graph.TaskPatch{Status: &status}); err != nil {
		return res, fmt.Errorf("update task status: %w", err)
	}
	res.Outcome = OutcomeUpdated
	res.Detail = task.Status + " -> " + status
	return res, nil
}

// taskMatchesPhase compares through the issue vocabulary, so a task in
// progress is left alone when its issue is reopened.
func (e *Engine) taskMatchesPhase(task graph.Task, phase Phase) bool {
	current, ok := NativeStatusToPhase(task.Status, SystemTasks)
	if !ok {
		return false
	}
	have, err := PhaseToNativeStatus(current, SystemIssues)
	if err != nil {
		return false
	}
	want, err := PhaseToNativeStatus(phase, SystemIssues)
	if err != nil {
		return false
	}
	return have == want
}

// locateTask finds the task that links issueURL: the link record first,
// then a scan of every container.
func (e *Engine) locateTask(ctx context.Context, issueURL string) (graph.Task, bool, error) {
	fp := IssueFingerprint(issueURL)
	link, err := e.links.Get(ctx, fp)
	switch {
	case err == nil && link.ItemIDA != "":
		task, getErr := e.tasks.GetTask(ctx, link.ItemIDA)
		if getErr == nil {
			return task, true, nil
		}
		if !isNotFound(getErr) {
			return graph.Task{}, false, getErr
		}
		e.logger.Warn("linked task is gone, scanning", "fingerprint", fp, "task_id", link.ItemIDA)
	case err != nil && !errors.Is(err, ErrNotFound):
		e.logger.Warn("link lookup failed, scanning", "fingerprint", fp, "error", err)
	}

	containers, err := e.resolver.Containers(ctx)
	if err != nil {
		return graph.Task{}, false, err
	}
	for _, c := range containers {
		tasks, err := e.tasks.ListTasks(ctx, c.ID)
		if err != nil {
			return graph.Task{}, false, err
		}
		for _, t := range tasks {
			if linked, ok := e.guard.LinkedURL(t.Body.Content); ok && linked == issueURL {
				if t.ParentFolderID == "" {
					t.ParentFolderID = c.ID
				}
				e.remember(ctx, fp, t, issueURL)
				return t, true, nil
			}
		}
	}
	return graph.Task{}, false, nil
}

func (e *Engine) remember(ctx context.Context, fp string, task graph.Task, issueURL string) {
	link := Link{Fingerprint: fp, State: LinkLinked, ContainerIDA: task.ParentFolderID, ItemIDA: task.ID, ItemURLB: issueURL}
	if ref, err := e.guard.ParseIssueURL(issueURL); err == nil {
		link.OwnerB, link.RepoB, link.ItemNumberB = ref.Owner, ref.Repo, ref.Number
	}
	if err := e.links.Save(ctx, link); err != nil {
		e.logger.Warn("link record not saved", "fingerprint", fp, "error", err)
	}
}

// HandleTaskNotification applies one change notification entry.
func (e *Engine) HandleTaskNotification(ctx context.Context, n TaskNotification) (Result, error) {
	res := Result{
		Source:      SourceTasks,
		Event:       n.ChangeType,
		DeliveryID:  n.ID,
		TaskID:      n.TaskID,
		Fingerprint: TaskFingerprint(n.TaskID),
	}
	if !e.clientStateMatches(n.ClientState) {
		res.Outcome = OutcomeRejected
		return e.finish(res, ErrWebhookAuth)
	}
	if strings.TrimSpace(n.TaskID) == "" {
		return e.finish(res, skipped("notification carries no task id"))
	}
	var err error
	switch n.ChangeType {
	case "created":
		res, err = e.taskCreated(ctx, res, n.TaskID)
	case "updated":
		res, err = e.taskUpdated(ctx, res, n.TaskID)
	default:
		res.Outcome = OutcomeIgnored
	}
	return e.finish(res, err)
}

func (e *Engine) clientStateMatches(got string) bool {
	if e.clientState == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(e.clientState)) == 1
}

func (e *Engine) taskCreated(ctx context.Context, res Result, taskID string) (Result, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return res, fmt.Errorf("get task: %w", err)
	}
	if linked, ok := e.guard.LinkedURL(task.Body.Content); ok {
		res.IssueURL = linked
		return res, skipped("task already linked")
	}
	ref, err := e.resolver.ResolveSource(ctx, task.ParentFolderID)
	if err != nil {
		return res, err
	}
	return e.createIssueForTask(ctx, res, task, ref)
}

// createIssueForTask is the two-step cross-system write. The link record
// tracks progress so a retry resumes instead of creating a second issue.
func (e *Engine) createIssueForTask(ctx context.Context, res Result, task graph.Task, ref RepoRef) (Result, error) {
	link := Link{
		Fingerprint:  TaskFingerprint(task.ID),
		ContainerIDA: task.ParentFolderID,
		ItemIDA:      task.ID,
		OwnerB:       ref.Owner,
		RepoB:        ref.Repo,
	}
	existing, won, err := e.claim(ctx, link)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", link.Fingerprint, err)
	}
	if !won {
		switch {
		case existing.State == LinkCreated && existing.ItemURLB != "":
			res.IssueURL = existing.ItemURLB
			return e.writeBackReference(ctx, res, task, existing)
		case existing.State == LinkLinked:
			res.IssueURL = existing.ItemURLB
			return res, skipped("task already linked")
		default:
			return res, skipped("issue creation already in flight")
		}
	}

	issue, err := e.issues.CreateIssue(ctx, ref.Owner, ref.Repo, task.Title, task.Body.Content)
	if err != nil {
		e.release(ctx, link.Fingerprint)
		return res, fmt.Errorf("create issue: %w", err)
	}
	issueURL := strings.TrimSpace(issue.HTMLURL)
	if issueURL == "" {
		issueURL = e.guard.IssueURL(ref.Owner, ref.Repo, issue.Number)
	}
	res.IssueURL = issueURL
	link.State = LinkCreated
	link.ItemNumberB = issue.Number
	link.ItemURLB = issueURL
	// The opened webhook for this issue may already be on its way.
	e.claimEcho(ctx, link)
	if err := e.links.Save(ctx, link); err != nil {
		e.logger.Error("link record not saved", "fingerprint", link.Fingerprint, "issue_url", issueURL, "error", err)
	}
	return e.writeBackReference(ctx, res, task, link)
}

// claimEcho records the issue side as linked so its opened webhook is
// skipped instead of creating a second task.
func (e *Engine) claimEcho(ctx context.Context, link Link) {
	echo := link
	echo.Fingerprint = IssueFingerprint(link.ItemURLB)
	echo.State = LinkLinked
	if _, _, err := e.links.Claim(ctx, echo); err != nil {
		e.logger.Warn("issue link record not claimed", "fingerprint", echo.Fingerprint, "error", err)
	}
}

func (e *Engine) writeBackReference(ctx context.Context, res Result, task graph.Task, link Link) (Result, error) {
	e.claimEcho(ctx, link)

	body := e.guard.Embed(task.Body.Content, link.ItemURLB)
	if _, err := e.tasks.UpdateTask(ctx, task.ID, graph.TaskPatch{Body: &body}); err != nil {
		return res, fmt.Errorf("write back-reference: %w", err)
	}
	link.State = LinkLinked
	if err := e.links.Save(ctx, link); err != nil {
		e.logger.Error("link record not saved", "fingerprint", link.Fingerprint, "error", err)
	}
	res.Outcome = OutcomeCreated
	return res, nil
}

func (e *Engine) taskUpdated(ctx context.Context, res Result, taskID string) (Result, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return res, fmt.Errorf("get task: %w", err)
	}
	issueURL, ok := e.guard.LinkedURL(task.Body.Content)
	if !ok {
		link, getErr := e.links.Get(ctx, TaskFingerprint(taskID))
		if getErr == nil && link.State == LinkCreated && link.ItemURLB != "" {
			res.IssueURL = link.ItemURLB
			return e.writeBackReference(ctx, res, task, link)
		}
		return res, skipped("task not linked")
	}
	res.IssueURL = issueURL
	phase, ok := NativeStatusToPhase(task.Status, SystemTasks)
	if !ok {
		res.Outcome = OutcomeIgnored
		res.Detail = "unknown task status " + task.Status
		return res, nil
	}
	state, err := PhaseToNativeStatus(phase, SystemIssues)
	if err != nil {
		return res, err
	}
	ref, err := e.guard.ParseIssueURL(issueURL)
	if err != nil {
		return res, err
	}
	issue, err := e.issues.GetIssue(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return res, fmt.Errorf("get issue: %w", err)
	}
	if issue.State == state {
		res.Outcome = OutcomeUnchanged
		return res, nil
	}
	if _, err := e.issues.SetIssueState(ctx, ref.Owner, ref.Repo, ref.Number, state); err != nil {
		return res, fmt.Errorf("set issue state: %w", err)
	}
	res.Outcome = OutcomeUpdated
	res.Detail = issue.State + " -> " + state
	return res, nil
}

// claim inserts link. A pending record older than the claim TTL belongs
// to a delivery that died before releasing it and is taken over.
func (e *Engine) claim(ctx context.Context, link Link) (Link, bool, error) {
	existing, won, err := e.links.Claim(ctx, link)
	if err != nil || won {
		return existing, won, err
	}
	if existing.State != LinkPending || e.clock().Sub(existing.ClaimedAt) < e.claimTTL {
		return existing, false, nil
	}
	reclaimed, err := e.links.Reclaim(ctx, existing, link)
	if err != nil {
		return existing, false, err
	}
	if reclaimed {
		e.logger.Warn("abandoned claim taken over", "fingerprint", link.Fingerprint, "claimed_at", existing.ClaimedAt)
	}
	return existing, reclaimed, nil
}

// release runs even when ctx is already done, since the failure that
// triggered it is often the cancellation itself.
func (e *Engine) release(ctx context.Context, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.links.Release(ctx, fingerprint); err != nil {
		e.logger.Warn("claim not released", "fingerprint", fingerprint, "error", err)
	}
}

// finish folds benign errors into outcomes, logs and notifies observers.
func (e *Engine) finish(res Result, err error) (Result, error) {
	res.At = e.clock().UTC()
	var skip *SkipError
	switch {
	case err == nil:
	case errors.As(err, &skip):
		res.Outcome = OutcomeSkipped
		res.Detail = skip.Reason
		err = nil
	case errors.Is(err, ErrResolution):
		res.Outcome = OutcomeUnmapped
		res.Detail = err.Error()
		err = nil
	case errors.Is(err, ErrWebhookAuth):
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeFailed
		res.Detail = err.Error()
	}

	attrs := []any{
		"source", res.Source,
		"event", res.Event,
		"outcome", string(res.Outcome),
	}
	if res.DeliveryID != "" {
		attrs = append(attrs, "delivery_id", res.DeliveryID)
	}
	if res.Fingerprint != "" {
		attrs = append(attrs, "fingerprint", res.Fingerprint)
	}
	if res.TaskID != "" {
		attrs = append(attrs, "task_id", res.TaskID)
	}
	if res.IssueURL != "" {
		attrs = append(attrs, "issue_url", res.IssueURL)
	}
	switch res.Outcome {
	case OutcomeFailed:
		e.logger.Error("sync failed", append(attrs, "error", err)...)
	case OutcomeRejected:
		e.logger.Warn("notification rejected: client state mismatch", attrs...)
	default:
		if res.Detail != "" {
			attrs = append(attrs, "detail", res.Detail)
		}
		e.logger.Info("sync handled", attrs...)
	}
	if e.observer != nil {
		e.observer(res)
	}
	return res, err
}

func isNotFound(err error) bool {
	var capErr *capability.Error
	return errors.As(err, &capErr) && capErr.Status == http.StatusNotFound
}
