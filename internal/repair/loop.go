package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Repairer runs bounded, model-assisted repair campaigns against failed
// deployments. One session is strictly sequential: each attempt depends on
// the previous attempt's build log.
type Repairer struct {
	gw          *cluster.Gateway
	sessions    repository.DebugSessionRepository
	attempts    repository.DebugAttemptRepository
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	model       collab.ModelClient
	source      collab.SourceClient
	pipe        *pipeline.Pipeline
	bus         *events.Bus
}

func NewRepairer(
	gw *cluster.Gateway,
	sessions repository.DebugSessionRepository,
	attempts repository.DebugAttemptRepository,
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	model collab.ModelClient,
	source collab.SourceClient,
	pipe *pipeline.Pipeline,
	bus *events.Bus,
) *Repairer {
	return &Repairer{
		gw:          gw,
		sessions:    sessions,
		attempts:    attempts,
		services:    services,
		deployments: deployments,
		model:       model,
		source:      source,
		pipe:        pipe,
		bus:         bus,
	}
}

// SessionPayload is the event payload for session status channels.
type SessionPayload struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	MaxAttempts  int    `json:"max_attempts"`
	Explanation  string `json:"explanation,omitempty"`
}

func sessionChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:status", sessionID)
}

func (r *Repairer) emit(session *models.DebugSession, explanation string) {
	r.bus.Publish(sessionChannel(session.ID), SessionPayload{
		ID:           session.ID.String(),
		DeploymentID: session.DeploymentID.String(),
		Status:       session.Status,
		Attempt:      session.CurrentAttempt,
		MaxAttempts:  session.MaxAttempts,
		Explanation:  explanation,
	})
}

// StartSession opens a repair campaign for a failed deployment. At most one
// running session may exist per service; the check here plus the partial
// unique index on the table enforce it. The service's current generated
// files are snapshotted for rollback before any attempt mutates them.
func (r *Repairer) StartSession(ctx context.Context, dep *models.Deployment, svc *models.Service, maxAttempts int) (*models.DebugSession, error) {
	if dep.Status != models.DeploymentFailed {
		return nil, appErr.New(appErr.CodeInvalid, "only failed deployments can be repaired")
	}
	var existing models.DebugSession
	err := r.sessions.GetRunningByService(ctx, svc.ID, &existing)
	if err == nil {
		return nil, appErr.New(appErr.CodeConflict, "a repair session is already running for this service").
			WithMeta("session_id", existing.ID.String())
	}
	if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}

	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	session := &models.DebugSession{
		ID:            uuid.New(),
		DeploymentID:  dep.ID,
		ServiceID:     svc.ID,
		Status:        models.SessionRunning,
		MaxAttempts:   maxAttempts,
		OriginalFiles: svc.GeneratedFiles,
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	logger.L().Info("repair session started",
		zap.String("session_id", session.ID.String()),
		zap.String("deployment_id", dep.ID.String()),
		zap.Int("max_attempts", maxAttempts),
	)
	r.emit(session, "")
	return session, nil
}

// RunLoop drives the session to a terminal state. Each iteration asks the
// model for a patch, rebuilds through the pipeline with the patch applied as
// an ephemeral overlay, and feeds the outcome into the next iteration. An
// unexpected error fails the session with the error text and propagates.
func (r *Repairer) RunLoop(ctx context.Context, session *models.DebugSession, svc *models.Service, dep *models.Deployment, creds collab.BuildCredentials, namespace string) (err error) {
	defer func() {
		if err != nil {
			r.failSession(ctx, session, err.Error())
		}
	}()

	files, err := decodeFiles(svc.GeneratedFiles)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "decode generated files failed")
	}
	envVars, err := decodeEnv(svc.EnvVars)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "decode env vars failed")
	}
	r.mergeSourceFiles(ctx, svc, dep.CommitSHA, files)

	pods, podsErr := r.gw.ListPods(ctx, namespace, "app="+svc.Name)
	if podsErr != nil {
		logger.L().Warn("list pods for phase classification failed", zap.Error(podsErr))
	}
	phase := DeterminePhase(dep, pods)

	buildLogs := dep.BuildLogs
	var prior []collab.AttemptSummary

	for attempt := 1; attempt <= session.MaxAttempts; attempt++ {
		// A cancel can land between attempts; check before spending another
		// model call and build on a session nobody wants finished.
		if r.cancelled(ctx, session.ID) {
			logger.L().Info("repair session cancelled, loop stopping",
				zap.String("session_id", session.ID.String()), zap.Int("attempt", attempt))
			return nil
		}
		if err := r.sessions.SetAttempt(ctx, session.ID, attempt); err != nil {
			return err
		}
		session.CurrentAttempt = attempt
		r.emit(session, "")
		logger.L().Info("repair attempt",
			zap.String("session_id", session.ID.String()),
			zap.Int("attempt", attempt),
			zap.String("phase", phase),
		)

		rc := GatherDiagnostics(ctx, r.gw, svc, dep, phase, namespace)
		rc.BuildLogs = buildLogs
		rc.Files = files
		rc.PriorAttempts = prior

		proposal, err := r.model.ProposeFix(ctx, rc)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeUnavailable, "repair model call failed")
		}

		changesJSON, _ := json.Marshal(proposal.FileChanges)
		attemptRow := &models.DebugAttempt{
			ID:            uuid.New(),
			SessionID:     session.ID,
			AttemptNumber: attempt,
			Explanation:   proposal.Explanation,
			FileChanges:   changesJSON,
			TokensUsed:    proposal.TokensUsed,
		}
		if err := r.attempts.Create(ctx, attemptRow); err != nil {
			return err
		}

		// A declined fix is a deliberate early exit, not an error.
		if proposal.NeedsManualFix || len(proposal.FileChanges) == 0 {
			r.finishSession(ctx, session, models.SessionFailed, nil, proposal.Explanation)
			return nil
		}

		for _, fc := range proposal.FileChanges {
			files[fc.Path] = fc.Content
		}
		prior = append(prior, collab.AttemptSummary{
			Number:       attempt,
			Explanation:  proposal.Explanation,
			ChangedPaths: changedPaths(proposal.FileChanges),
		})

		rebuild := &models.Deployment{
			ID:        uuid.New(),
			ServiceID: svc.ID,
			CommitSHA: dep.CommitSHA,
			Status:    models.DeploymentPending,
		}
		if err := r.deployments.Create(ctx, rebuild); err != nil {
			return err
		}

		handle, err := r.pipe.TriggerBuild(ctx, svc, rebuild, dep.CommitSHA, creds, namespace, files)
		if err != nil {
			logger.L().Warn("repair rebuild submission failed",
				zap.String("session_id", session.ID.String()), zap.Int("attempt", attempt), zap.Error(err))
			buildLogs = err.Error()
			prior[len(prior)-1].BuildLogTail = buildLogs
			if resErr := r.attempts.SetResult(ctx, attemptRow.ID, false, buildLogs); resErr != nil {
				logger.L().Error("record attempt result failed", zap.Error(resErr))
			}
			continue
		}
		if err := r.sessions.SetJobHandle(ctx, session.ID, handle.JobName, namespace); err != nil {
			logger.L().Error("record job handle failed", zap.Error(err))
		}

		watch, err := r.pipe.WatchBuild(ctx, namespace, handle, rebuild.ID)
		if clearErr := r.sessions.ClearJobHandle(ctx, session.ID); clearErr != nil {
			logger.L().Error("clear job handle failed", zap.Error(clearErr))
		}
		if err != nil {
			// Cancelled out from under us: the session status already moved,
			// leave it alone.
			if r.cancelled(ctx, session.ID) {
				return nil
			}
			return err
		}

		if resErr := r.attempts.SetResult(ctx, attemptRow.ID, watch.Success, watch.Logs); resErr != nil {
			logger.L().Error("record attempt result failed", zap.Error(resErr))
		}

		if watch.Success {
			winning, _ := json.Marshal(files)
			if err := r.services.UpdateGeneratedFiles(ctx, svc.ID, winning); err != nil {
				logger.L().Error("persist repaired files failed", zap.Error(err))
			}
			if err := r.pipe.Deploy(ctx, svc, rebuild, watch.ImageRef, namespace, envVars); err != nil {
				return err
			}
			r.finishSession(ctx, session, models.SessionSucceeded, winning, proposal.Explanation)
			return nil
		}

		// A failed watch is also how a cancel surfaces: Cancel deletes the
		// job and the watch settles on its absence.
		if r.cancelled(ctx, session.ID) {
			logger.L().Info("repair session cancelled, loop stopping",
				zap.String("session_id", session.ID.String()), zap.Int("attempt", attempt))
			return nil
		}

		buildLogs = watch.Logs
		prior[len(prior)-1].BuildLogTail = tailOf(buildLogs, 2000)
	}

	// Attempts exhausted. Ask the model for a closing summary; a synthesis
	// failure still ends the session.
	explanation := "automatic repair exhausted all attempts"
	rc := collab.RepairContext{
		Phase:         phase,
		ServiceName:   svc.Name,
		BuildLogs:     buildLogs,
		Files:         files,
		PriorAttempts: prior,
	}
	if summary, sumErr := r.model.Summarize(ctx, rc); sumErr == nil && summary != "" {
		explanation = summary
	} else if sumErr != nil {
		logger.L().Warn("final summary failed", zap.String("session_id", session.ID.String()), zap.Error(sumErr))
	}
	r.finishSession(ctx, session, models.SessionFailed, nil, explanation)
	return nil
}

// Cancel terminates a running session. The in-flight build job, if any, is
// deleted asynchronously; cancellation returns promptly regardless.
func (r *Repairer) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	var session models.DebugSession
	if err := r.sessions.GetByID(ctx, sessionID, &session); err != nil {
		return err
	}
	if session.Status != models.SessionRunning {
		return appErr.New(appErr.CodeConflict, "session is not running")
	}

	if session.ActiveJobName != "" {
		jobName, jobNS := session.ActiveJobName, session.ActiveJobNamespace
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.gw.DeleteJob(dctx, jobNS, jobName); err != nil {
				logger.L().Warn("cancel: delete build job failed", zap.String("job", jobName), zap.Error(err))
			}
		}()
	}

	changed, err := r.sessions.TransitionStatus(ctx, sessionID, []string{models.SessionRunning}, models.SessionCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return appErr.New(appErr.CodeConflict, "session already terminal")
	}
	if err := r.sessions.ClearJobHandle(ctx, sessionID); err != nil {
		logger.L().Warn("cancel: clear job handle failed", zap.Error(err))
	}
	session.Status = models.SessionCancelled
	r.emit(&session, "")
	logger.L().Info("repair session cancelled", zap.String("session_id", sessionID.String()))
	return nil
}

// Rollback restores the pre-session file snapshot after a failed session.
func (r *Repairer) Rollback(ctx context.Context, sessionID uuid.UUID) error {
	var session models.DebugSession
	if err := r.sessions.GetByID(ctx, sessionID, &session); err != nil {
		return err
	}
	if session.Status != models.SessionFailed {
		return appErr.New(appErr.CodeConflict, "only failed sessions can be rolled back")
	}
	if len(session.OriginalFiles) == 0 || string(session.OriginalFiles) == "null" {
		return appErr.New(appErr.CodeInvalid, "session has no original files to restore")
	}

	if err := r.services.UpdateGeneratedFiles(ctx, session.ServiceID, session.OriginalFiles); err != nil {
		return err
	}
	changed, err := r.sessions.TransitionStatus(ctx, sessionID, []string{models.SessionFailed}, models.SessionRolledBack)
	if err != nil {
		return err
	}
	if !changed {
		return appErr.New(appErr.CodeConflict, "session status moved during rollback")
	}
	session.Status = models.SessionRolledBack
	r.emit(&session, "")
	logger.L().Info("repair session rolled back", zap.String("session_id", sessionID.String()))
	return nil
}

// finishSession records the terminal outcome and emits the final event.
// A cancel that won the race leaves the session untouched.
func (r *Repairer) finishSession(ctx context.Context, session *models.DebugSession, status string, fileChanges datatypes.JSON, explanation string) {
	if err := r.sessions.SetOutcome(ctx, session.ID, fileChanges, explanation); err != nil {
		logger.L().Error("record session outcome failed", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
	changed, err := r.sessions.TransitionStatus(ctx, session.ID, []string{models.SessionRunning}, status)
	if err != nil {
		logger.L().Error("session status transition failed", zap.String("session_id", session.ID.String()), zap.Error(err))
		return
	}
	if !changed {
		logger.L().Warn("session already terminal, outcome not applied", zap.String("session_id", session.ID.String()))
		return
	}
	session.Status = status
	session.FinalExplanation = explanation
	r.emit(session, explanation)
	logger.L().Info("repair session finished",
		zap.String("session_id", session.ID.String()),
		zap.String("status", status),
		zap.Int("attempts", session.CurrentAttempt),
	)
}

func (r *Repairer) failSession(ctx context.Context, session *models.DebugSession, explanation string) {
	r.finishSession(ctx, session, models.SessionFailed, nil, explanation)
}

func (r *Repairer) cancelled(ctx context.Context, sessionID uuid.UUID) bool {
	var s models.DebugSession
	if err := r.sessions.GetByID(context.WithoutCancel(ctx), sessionID, &s); err != nil {
		return false
	}
	return s.Status == models.SessionCancelled
}

// buildRelevantFiles are repo paths worth showing the model alongside the
// generated files. Fetching the whole tree would blow the context budget.
var buildRelevantFiles = map[string]struct{}{
	"Dockerfile":       {},
	"go.mod":           {},
	"package.json":     {},
	"requirements.txt": {},
	"pyproject.toml":   {},
	"Makefile":         {},
}

// mergeSourceFiles pulls build-relevant files from the service's repository
// at the failed commit into the model context. Generated files win on path
// collisions; every fetch is best-effort.
func (r *Repairer) mergeSourceFiles(ctx context.Context, svc *models.Service, commit string, files map[string]string) {
	if r.source == nil || !svc.HasSourceRepo() {
		return
	}
	repo, err := r.source.ResolveRepo(ctx, svc.RepoURL)
	if err != nil {
		logger.L().Warn("resolve source repo failed", zap.String("repo", svc.RepoURL), zap.Error(err))
		return
	}
	ref := commit
	if ref == "" {
		ref = repo.DefaultBranch
	}
	tree, err := r.source.ListTree(ctx, repo.Owner, repo.Name, ref)
	if err != nil {
		logger.L().Warn("list source tree failed", zap.String("repo", svc.RepoURL), zap.Error(err))
		return
	}
	for _, path := range tree {
		if _, want := buildRelevantFiles[path]; !want {
			continue
		}
		if _, exists := files[path]; exists {
			continue
		}
		content, err := r.source.FetchFile(ctx, repo.Owner, repo.Name, path, ref)
		if err != nil {
			logger.L().Warn("fetch source file failed", zap.String("path", path), zap.Error(err))
			continue
		}
		files[path] = content
	}
}

func decodeFiles(raw datatypes.JSON) (map[string]string, error) {
	files := map[string]string{}
	if len(raw) == 0 || string(raw) == "null" {
		return files, nil
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func decodeEnv(raw datatypes.JSON) (map[string]string, error) {
	env := map[string]string{}
	if len(raw) == 0 || string(raw) == "null" {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env, nil
}

func changedPaths(changes []collab.FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	return paths
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
