// Package reconcile heals drift between the project roster and the
// cluster's managed namespaces. The two systems fail independently and
// share no transaction, so periodic diff-and-repair is the consistency
// model.
package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// HealthStatus is the drift report: orphan namespaces exist only in the
// cluster, ghost projects exist only in the database. A cluster listing
// failure degrades the report instead of erroring so health endpoints
// stay up.
type HealthStatus struct {
	Healthy            bool     `json:"healthy"`
	ProjectCount       int      `json:"project_count"`
	NamespaceCount     int      `json:"namespace_count"`
	OrphanedNamespaces []string `json:"orphaned_namespaces"`
	GhostProjects      []string `json:"ghost_projects"`
	ClusterError       string   `json:"cluster_error,omitempty"`
}

// Options select which repairs to run. DryRun defaults to true through
// DefaultOptions; nothing mutates unless explicitly asked.
type Options struct {
	DryRun              bool `json:"dry_run"`
	DeleteOrphans       bool `json:"delete_orphans"`
	RecreateMissing     bool `json:"recreate_missing"`
	DeleteGhostProjects bool `json:"delete_ghost_projects"`
}

func DefaultOptions() Options { return Options{DryRun: true} }

// Action is one attempted (or planned, under dry-run) repair. A skip is
// recorded with a reason instead of being silently dropped.
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Done   bool   `json:"done"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Before  HealthStatus `json:"before"`
	DryRun  bool         `json:"dry_run"`
	Actions []Action     `json:"actions"`
	Errors  []string     `json:"errors,omitempty"`
}

const (
	ActionDeleteNamespace = "delete_namespace"
	ActionCreateNamespace = "create_namespace"
	ActionDeleteProject   = "delete_project"
	ActionSkipProject     = "skip_project"
)

type Reconciler struct {
	gw          *cluster.Gateway
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	bus         *events.Bus
}

func NewReconciler(gw *cluster.Gateway, projects repository.ProjectRepository, deployments repository.DeploymentRepository, bus *events.Bus) *Reconciler {
	return &Reconciler{gw: gw, projects: projects, deployments: deployments, bus: bus}
}

// GetHealthStatus diffs the project roster against the cluster's managed
// namespaces.
func (r *Reconciler) GetHealthStatus(ctx context.Context) (*HealthStatus, error) {
	projects, err := r.projects.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{ProjectCount: len(projects)}
	namespaces, err := r.gw.ListManagedNamespaces(ctx)
	if err != nil {
		status.ClusterError = err.Error()
		logger.L().Warn("reconcile: list managed namespaces failed", zap.Error(err))
		return status, nil
	}
	status.NamespaceCount = len(namespaces)

	byNamespace := make(map[string]models.Project, len(projects))
	for _, p := range projects {
		byNamespace[p.Namespace] = p
	}
	inCluster := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		inCluster[ns] = true
		if _, owned := byNamespace[ns]; !owned {
			status.OrphanedNamespaces = append(status.OrphanedNamespaces, ns)
		}
	}
	for _, p := range projects {
		if !inCluster[p.Namespace] {
			status.GhostProjects = append(status.GhostProjects, p.Namespace)
		}
	}

	status.Healthy = len(status.OrphanedNamespaces) == 0 && len(status.GhostProjects) == 0
	return status, nil
}

// Reconcile runs the selected repairs with best-effort batch semantics:
// each item is attempted independently and failures are recorded, never
// propagated mid-pass. Projects with a build or rollout in flight are
// skipped so reconciliation cannot yank a namespace out from under the
// pipeline.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (*Result, error) {
	if opts.RecreateMissing && opts.DeleteGhostProjects {
		return nil, appErr.New(appErr.CodeInvalid, "recreate_missing and delete_ghost_projects are mutually exclusive")
	}

	before, err := r.GetHealthStatus(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{Before: *before, DryRun: opts.DryRun}
	if before.ClusterError != "" {
		result.Errors = append(result.Errors, before.ClusterError)
		return result, nil
	}

	projects, err := r.projects.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	byNamespace := make(map[string]models.Project, len(projects))
	for _, p := range projects {
		byNamespace[p.Namespace] = p
	}

	if opts.DeleteOrphans {
		for _, ns := range before.OrphanedNamespaces {
			result.record(opts.DryRun, ActionDeleteNamespace, ns, func() error {
				return r.gw.DeleteNamespace(ctx, ns)
			})
		}
	}

	for _, ns := range before.GhostProjects {
		project, ok := byNamespace[ns]
		if !ok {
			continue
		}
		if r.busy(ctx, project.ID) {
			logger.L().Info("reconcile: skipping project with active deployments",
				zap.String("namespace", ns), zap.String("project_id", project.ID.String()))
			result.Actions = append(result.Actions, Action{
				Kind:   ActionSkipProject,
				Target: ns,
				Reason: "deployment in flight",
			})
			continue
		}
		switch {
		case opts.RecreateMissing:
			projectID := project.ID.String()
			result.record(opts.DryRun, ActionCreateNamespace, ns, func() error {
				return r.gw.EnsureNamespace(ctx, ns, projectID)
			})
		case opts.DeleteGhostProjects:
			projectID := project.ID
			result.record(opts.DryRun, ActionDeleteProject, ns, func() error {
				return r.projects.Delete(ctx, projectID)
			})
		}
	}

	for _, a := range result.Actions {
		if a.Error != "" {
			result.Errors = append(result.Errors, a.Kind+" "+a.Target+": "+a.Error)
		}
	}

	if !opts.DryRun && len(result.Actions) > 0 {
		r.bus.Publish("reconcile:system:report", result)
	}
	logger.L().Info("reconciliation pass complete",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("actions", len(result.Actions)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// busy reports whether the project has a deployment in building or
// deploying; such projects are excluded from repairs.
func (r *Reconciler) busy(ctx context.Context, projectID uuid.UUID) bool {
	n, err := r.deployments.CountActiveByProject(ctx, projectID)
	if err != nil {
		logger.L().Warn("reconcile: count active deployments failed",
			zap.String("project_id", projectID.String()), zap.Error(err))
		// Fail safe: treat an unknown state as busy.
		return true
	}
	return n > 0
}

// record runs the mutation unless dry-run, and appends the per-item outcome.
func (res *Result) record(dryRun bool, kind, target string, mutate func() error) {
	action := Action{Kind: kind, Target: target}
	if dryRun {
		res.Actions = append(res.Actions, action)
		return
	}
	if err := mutate(); err != nil {
		action.Error = err.Error()
	} else {
		action.Done = true
	}
	res.Actions = append(res.Actions, action)
}
