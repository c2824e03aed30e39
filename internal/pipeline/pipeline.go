package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"
)

const logsUnavailable = "(no logs available)"

// Options configure pipeline timing and cluster-facing names.
type Options struct {
	Registry      string
	BuilderImage  string
	CloneImage    string
	IngressDomain string
	PollInterval  time.Duration
	BuildTimeout  time.Duration
}

// Pipeline turns a commit into a running workload: trigger a one-shot build
// job, watch it to completion, then materialize the workload. It owns every
// Deployment status transition and emits an event for each one.
type Pipeline struct {
	gw          *cluster.Gateway
	deployments repository.DeploymentRepository
	bus         *events.Bus
	notifier    collab.Notifier

	registry      string
	builderImage  string
	cloneImage    string
	ingressDomain string
	pollInterval  time.Duration
	buildTimeout  time.Duration
}

func NewPipeline(gw *cluster.Gateway, deployments repository.DeploymentRepository, bus *events.Bus, notifier collab.Notifier, opts Options) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 30 * time.Minute
	}
	return &Pipeline{
		gw:            gw,
		deployments:   deployments,
		bus:           bus,
		notifier:      notifier,
		registry:      opts.Registry,
		builderImage:  opts.BuilderImage,
		cloneImage:    opts.CloneImage,
		ingressDomain: opts.IngressDomain,
		pollInterval:  opts.PollInterval,
		buildTimeout:  opts.BuildTimeout,
	}
}

// BuildHandle identifies an in-flight build job and its transient objects.
type BuildHandle struct {
	JobName       string
	Namespace     string
	SecretName    string
	OverlaySecret string
	ImageRef      string
}

// WatchResult is the outcome of watching one build job.
type WatchResult struct {
	Success  bool
	ImageRef string
	Logs     string
}

// RunResult is the outcome of a full pipeline run.
type RunResult struct {
	Success  bool
	ImageRef string
}

// StatusPayload is the event payload for deployment status channels.
type StatusPayload struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
	ImageTag  string `json:"image_tag,omitempty"`
}

func statusChannel(deploymentID uuid.UUID) string {
	return fmt.Sprintf("deployment:%s:status", deploymentID)
}

// transition moves the deployment forward and emits the status event.
// A precondition that no longer matches (racing writer) emits nothing.
func (p *Pipeline) transition(ctx context.Context, dep *models.Deployment, from []string, to, imageTag string) {
	changed, err := p.deployments.TransitionStatus(ctx, dep.ID, from, to)
	if err != nil {
		logger.L().Error("deployment status transition failed",
			zap.String("deployment_id", dep.ID.String()), zap.String("to", to), zap.Error(err))
		return
	}
	if !changed {
		logger.L().Warn("deployment status transition skipped, precondition moved",
			zap.String("deployment_id", dep.ID.String()), zap.String("to", to))
		return
	}
	dep.Status = to
	p.bus.Publish(statusChannel(dep.ID), StatusPayload{
		ID:        dep.ID.String(),
		ServiceID: dep.ServiceID.String(),
		Status:    to,
		ImageTag:  imageTag,
	})
}

// TriggerBuild writes the transient credential secret, submits the build
// job, and moves the deployment to building. On submission failure the
// secret is deleted best-effort, the deployment is failed with the error in
// its log, and the error is returned.
func (p *Pipeline) TriggerBuild(ctx context.Context, svc *models.Service, dep *models.Deployment, commit string, creds collab.BuildCredentials, namespace string, overlay map[string]string) (*BuildHandle, error) {
	if dep.Status == models.DeploymentLive {
		return nil, appErr.New(appErr.CodeConflict, "deployment is already live")
	}

	short := dep.ID.String()[:8]
	handle := &BuildHandle{
		JobName:    "build-" + short,
		Namespace:  namespace,
		SecretName: "build-creds-" + short,
		ImageRef:   p.imageRef(namespace, svc.Name, commit),
	}

	submit := func() error {
		if err := p.gw.CreateSecret(ctx, namespace, handle.SecretName, buildSecretData(creds, p.registry)); err != nil {
			return err
		}

		spec := jobSpec{
			name:         handle.JobName,
			namespace:    namespace,
			serviceID:    svc.ID.String(),
			repoHostPath: repoHostPath(svc.RepoURL),
			branch:       svc.Branch,
			commit:       commit,
			imageRef:     handle.ImageRef,
			credSecret:   handle.SecretName,
		}
		if len(overlay) > 0 {
			handle.OverlaySecret = "build-overlay-" + short
			data, items := overlaySecretData(overlay)
			if err := p.gw.CreateSecret(ctx, namespace, handle.OverlaySecret, data); err != nil {
				return err
			}
			spec.overlaySecret = handle.OverlaySecret
			spec.overlayItems = items
		}
		return p.gw.CreateJob(ctx, namespace, p.buildJob(spec))
	}

	if err := submit(); err != nil {
		if cleanupErr := p.gw.DeleteSecret(ctx, namespace, handle.SecretName); cleanupErr != nil {
			logger.L().Warn("cleanup transient secret failed", zap.String("secret", handle.SecretName), zap.Error(cleanupErr))
		}
		if handle.OverlaySecret != "" {
			if cleanupErr := p.gw.DeleteSecret(ctx, namespace, handle.OverlaySecret); cleanupErr != nil {
				logger.L().Warn("cleanup overlay secret failed", zap.String("secret", handle.OverlaySecret), zap.Error(cleanupErr))
			}
		}
		if logErr := p.deployments.AppendBuildLogs(ctx, dep.ID, fmt.Sprintf("build submission failed: %v\n", err)); logErr != nil {
			logger.L().Error("record submission failure failed", zap.Error(logErr))
		}
		p.transition(ctx, dep, []string{models.DeploymentPending, models.DeploymentBuilding}, models.DeploymentFailed, "")
		return nil, err
	}

	p.transition(ctx, dep, []string{models.DeploymentPending}, models.DeploymentBuilding, "")
	logger.L().Info("build job submitted",
		zap.String("deployment_id", dep.ID.String()),
		zap.String("job", handle.JobName),
		zap.String("namespace", namespace),
		zap.String("image", handle.ImageRef),
	)
	return handle, nil
}

// WatchBuild polls the job until success, terminal failure, or the wall
// clock timeout. "Job not found yet" is transient submission lag and is
// retried; a job that disappears after it has been seen was deleted out of
// band (the cancel path) and settles the watch as a failure immediately.
// Logs are always captured and recorded; cleanup never escalates.
func (p *Pipeline) WatchBuild(ctx context.Context, namespace string, handle *BuildHandle, deploymentID uuid.UUID) (*WatchResult, error) {
	deadline := time.Now().Add(p.buildTimeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	dep := &models.Deployment{ID: deploymentID}
	var status *cluster.JobStatus
	var seen bool
	for {
		js, err := p.gw.GetJobStatus(ctx, namespace, handle.JobName)
		switch {
		case err == nil:
			status = js
			seen = true
		case appErr.IsCode(err, appErr.CodeNotFound):
			if seen {
				logger.L().Info("build job removed mid-watch",
					zap.String("deployment_id", deploymentID.String()),
					zap.String("job", handle.JobName),
				)
				logs := p.captureJobLogs(ctx, namespace, handle.JobName)
				logs += "\nbuild job was removed before completion\n"
				p.recordBuildOutcome(ctx, deploymentID, logs, "")
				if svcID, err := p.serviceIDOf(ctx, deploymentID); err == nil {
					dep.ServiceID = svcID
				}
				p.transition(ctx, dep, []string{models.DeploymentBuilding}, models.DeploymentFailed, "")
				p.cleanupBuild(ctx, namespace, handle)
				return &WatchResult{Success: false, Logs: logs}, nil
			}
			// Submission-to-visibility lag; keep polling until it shows up.
		default:
			logger.L().Warn("poll build job failed", zap.String("job", handle.JobName), zap.Error(err))
		}

		if status != nil && status.Complete() {
			logs := p.captureJobLogs(ctx, namespace, handle.JobName)
			imageRef := imageFromArgs(status.MainArgs)
			if imageRef == "" {
				imageRef = handle.ImageRef
			}
			p.recordBuildOutcome(ctx, deploymentID, logs, imageRef)
			if svcID, err := p.serviceIDOf(ctx, deploymentID); err == nil {
				dep.ServiceID = svcID
			}
			p.transition(ctx, dep, []string{models.DeploymentBuilding}, models.DeploymentDeploying, imageRef)
			p.cleanupBuild(ctx, namespace, handle)
			return &WatchResult{Success: true, ImageRef: imageRef, Logs: logs}, nil
		}
		if status != nil && status.Exhausted() {
			logs := p.captureJobLogs(ctx, namespace, handle.JobName)
			p.recordBuildOutcome(ctx, deploymentID, logs, "")
			if svcID, err := p.serviceIDOf(ctx, deploymentID); err == nil {
				dep.ServiceID = svcID
			}
			p.transition(ctx, dep, []string{models.DeploymentBuilding}, models.DeploymentFailed, "")
			p.cleanupBuild(ctx, namespace, handle)
			return &WatchResult{Success: false, Logs: logs}, nil
		}

		if time.Now().After(deadline) {
			logs := p.captureJobLogs(ctx, namespace, handle.JobName)
			logs += fmt.Sprintf("\nbuild timed out after %s\n", p.buildTimeout)
			p.recordBuildOutcome(ctx, deploymentID, logs, "")
			if svcID, err := p.serviceIDOf(ctx, deploymentID); err == nil {
				dep.ServiceID = svcID
			}
			p.transition(ctx, dep, []string{models.DeploymentBuilding}, models.DeploymentFailed, "")
			p.cleanupBuild(ctx, namespace, handle)
			return &WatchResult{Success: false, Logs: logs}, nil
		}

		select {
		case <-ctx.Done():
			return nil, appErr.Wrap(ctx.Err(), appErr.CodeDeadline, "build watch cancelled")
		case <-ticker.C:
		}
	}
}

// Deploy applies the optional volume claim, then workload, service, and
// ingress in order. Conflicts from prior partial runs are resolved by
// replacement, never by keeping a stale spec. Any step failure fails the
// deployment, records the error, and propagates.
func (p *Pipeline) Deploy(ctx context.Context, svc *models.Service, dep *models.Deployment, imageRef, namespace string, envVars map[string]string) error {
	fail := func(step string, err error) error {
		if logErr := p.deployments.AppendBuildLogs(ctx, dep.ID, fmt.Sprintf("deploy failed at %s: %v\n", step, err)); logErr != nil {
			logger.L().Error("record deploy failure failed", zap.Error(logErr))
		}
		p.transition(ctx, dep, []string{models.DeploymentPending, models.DeploymentBuilding, models.DeploymentDeploying}, models.DeploymentFailed, "")
		return err
	}

	if svc.StorageSize != "" {
		size, err := resource.ParseQuantity(svc.StorageSize)
		if err != nil {
			return fail("volume claim", appErr.Wrap(err, appErr.CodeInvalid, "invalid storage size"))
		}
		if err := p.gw.ApplyPVC(ctx, p.pvcManifest(svc, namespace, size)); err != nil {
			return fail("volume claim", err)
		}
	}
	if err := p.gw.ApplyDeployment(ctx, p.workloadManifest(svc, namespace, imageRef, envVars)); err != nil {
		return fail("workload", err)
	}
	if err := p.gw.ApplyService(ctx, p.serviceManifest(svc, namespace)); err != nil {
		return fail("service", err)
	}
	if err := p.gw.ApplyIngress(ctx, p.ingressManifest(svc, namespace)); err != nil {
		return fail("ingress", err)
	}

	if err := p.deployments.SetImageTag(ctx, dep.ID, imageRef); err != nil {
		logger.L().Error("set image tag failed", zap.String("deployment_id", dep.ID.String()), zap.Error(err))
	}
	p.transition(ctx, dep, []string{models.DeploymentPending, models.DeploymentDeploying}, models.DeploymentLive, imageRef)
	logger.L().Info("deployment live",
		zap.String("deployment_id", dep.ID.String()),
		zap.String("image", imageRef),
		zap.String("namespace", namespace),
	)
	return nil
}

// Run orchestrates the common case end to end. Services with a pre-built
// image skip the build entirely. The notifier is invoked exactly once per
// run; its failures never change the result.
func (p *Pipeline) Run(ctx context.Context, svc *models.Service, dep *models.Deployment, creds collab.BuildCredentials, namespace string, envVars map[string]string) (result *RunResult, err error) {
	defer func() {
		notice := collab.DeploymentNotice{
			DeploymentID: dep.ID.String(),
			ServiceID:    svc.ID.String(),
			ServiceName:  svc.Name,
			Status:       dep.Status,
			URL:          fmt.Sprintf("https://%s.%s", svc.Name, p.ingressDomain),
		}
		if result != nil {
			notice.ImageTag = result.ImageRef
		}
		if notifyErr := p.notifier.DeploymentCompleted(ctx, notice); notifyErr != nil {
			logger.L().Warn("deployment notification failed", zap.String("deployment_id", dep.ID.String()), zap.Error(notifyErr))
		}
	}()

	// Fast path: a fixed image deploys without a build.
	if !svc.HasSourceRepo() {
		if deployErr := p.Deploy(ctx, svc, dep, svc.ImageURL, namespace, envVars); deployErr != nil {
			return &RunResult{Success: false}, deployErr
		}
		return &RunResult{Success: true, ImageRef: svc.ImageURL}, nil
	}

	p.warnOnPortMismatch(ctx, svc, dep)

	handle, err := p.TriggerBuild(ctx, svc, dep, dep.CommitSHA, creds, namespace, nil)
	if err != nil {
		return &RunResult{Success: false}, err
	}
	watch, err := p.WatchBuild(ctx, namespace, handle, dep.ID)
	if err != nil {
		return &RunResult{Success: false}, err
	}
	if !watch.Success {
		return &RunResult{Success: false}, nil
	}
	if deployErr := p.Deploy(ctx, svc, dep, watch.ImageRef, namespace, envVars); deployErr != nil {
		return &RunResult{Success: false, ImageRef: watch.ImageRef}, deployErr
	}
	return &RunResult{Success: true, ImageRef: watch.ImageRef}, nil
}

// warnOnPortMismatch appends a non-fatal warning when the build recipe
// exposes a different port than the service is configured for.
func (p *Pipeline) warnOnPortMismatch(ctx context.Context, svc *models.Service, dep *models.Deployment) {
	files := map[string]string{}
	if len(svc.GeneratedFiles) > 0 {
		if err := json.Unmarshal(svc.GeneratedFiles, &files); err != nil {
			return
		}
	}
	dockerfile, ok := files["Dockerfile"]
	if !ok {
		return
	}
	exposed := exposedPort(dockerfile)
	if exposed == 0 || exposed == svc.Port {
		return
	}
	warning := fmt.Sprintf("warning: Dockerfile exposes port %d but service is configured for %d\n", exposed, svc.Port)
	if err := p.deployments.AppendBuildLogs(ctx, dep.ID, warning); err != nil {
		logger.L().Warn("record port mismatch warning failed", zap.Error(err))
	}
}

// captureJobLogs combines init and main container logs of the job's pod.
// Missing per-container logs get a placeholder; capture is never fatal.
func (p *Pipeline) captureJobLogs(ctx context.Context, namespace, jobName string) string {
	pods, err := p.gw.ListPods(ctx, namespace, "job-name="+jobName)
	if err != nil || len(pods) == 0 {
		if err != nil {
			logger.L().Warn("list build pods failed", zap.String("job", jobName), zap.Error(err))
		}
		return logsUnavailable
	}
	pod := pods[len(pods)-1].Name

	var b strings.Builder
	for _, container := range []string{cloneContainer, buildContainer} {
		logs, err := p.gw.PodLogs(ctx, namespace, pod, container, 0, false)
		if err != nil || logs == "" {
			logs = logsUnavailable
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", container, logs)
	}
	return b.String()
}

func (p *Pipeline) recordBuildOutcome(ctx context.Context, deploymentID uuid.UUID, logs, imageRef string) {
	if err := p.deployments.SetBuildLogs(ctx, deploymentID, logs); err != nil {
		logger.L().Error("record build logs failed", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
	}
	if imageRef != "" {
		if err := p.deployments.SetImageTag(ctx, deploymentID, imageRef); err != nil {
			logger.L().Error("record image tag failed", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
		}
	}
}

// cleanupBuild deletes the job and its transient secrets. Failures are
// logged and swallowed; they never change the build outcome.
func (p *Pipeline) cleanupBuild(ctx context.Context, namespace string, handle *BuildHandle) {
	if err := p.gw.DeleteJob(ctx, namespace, handle.JobName); err != nil {
		logger.L().Warn("cleanup build job failed", zap.String("job", handle.JobName), zap.Error(err))
	}
	if err := p.gw.DeleteSecret(ctx, namespace, handle.SecretName); err != nil {
		logger.L().Warn("cleanup credential secret failed", zap.String("secret", handle.SecretName), zap.Error(err))
	}
	if handle.OverlaySecret != "" {
		if err := p.gw.DeleteSecret(ctx, namespace, handle.OverlaySecret); err != nil {
			logger.L().Warn("cleanup overlay secret failed", zap.String("secret", handle.OverlaySecret), zap.Error(err))
		}
	}
}

func (p *Pipeline) serviceIDOf(ctx context.Context, deploymentID uuid.UUID) (uuid.UUID, error) {
	var d models.Deployment
	if err := p.deployments.GetByID(ctx, deploymentID, &d); err != nil {
		return uuid.Nil, err
	}
	return d.ServiceID, nil
}

func (p *Pipeline) imageRef(namespace, serviceName, commit string) string {
	tag := commit
	if len(tag) > 12 {
		tag = tag[:12]
	}
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s/%s:%s", p.registry, namespace, serviceName, tag)
}

func imageFromArgs(args []string) string {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--destination="); ok {
			return v
		}
	}
	return ""
}

// repoHostPath strips the scheme so the clone script can inject a token.
func repoHostPath(repoURL string) string {
	s := strings.TrimPrefix(repoURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimSuffix(s, "/")
}

func exposedPort(dockerfile string) int {
	for _, line := range strings.Split(dockerfile, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && strings.EqualFold(fields[0], "EXPOSE") {
			port := 0
			if _, err := fmt.Sscanf(strings.SplitN(fields[1], "/", 2)[0], "%d", &port); err == nil {
				return port
			}
		}
	}
	return 0
}
