package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

const diagnosticsLogTail = 200

// GatherDiagnostics assembles the structured context handed to the repair
// model. Every individual fetch is best-effort: a failure is logged and the
// field left empty, so diagnostics never abort the loop.
func GatherDiagnostics(ctx context.Context, gw *cluster.Gateway, svc *models.Service, dep *models.Deployment, phase, namespace string) collab.RepairContext {
	rc := collab.RepairContext{
		Phase:       phase,
		ServiceName: svc.Name,
		BuildLogs:   dep.BuildLogs,
	}
	if phase == PhaseBuild {
		return rc
	}

	selector := "app=" + svc.Name
	pods, err := gw.ListPods(ctx, namespace, selector)
	if err != nil {
		logger.L().Warn("diagnostics: list pods failed", zap.String("service", svc.Name), zap.Error(err))
	}
	rc.PodState = formatPodState(pods)

	events, err := gw.ListEvents(ctx, namespace, "")
	if err != nil {
		logger.L().Warn("diagnostics: list events failed", zap.String("namespace", namespace), zap.Error(err))
	}
	for _, e := range events {
		if e.Type == "Normal" {
			continue
		}
		rc.ClusterEvents = append(rc.ClusterEvents, fmt.Sprintf("%s %s %s: %s (x%d)", e.Type, e.Object, e.Reason, e.Message, e.Count))
	}

	if workload, err := gw.GetDeployment(ctx, namespace, svc.Name); err == nil {
		if spec, err := json.MarshalIndent(workload.Spec.Template.Spec, "", "  "); err == nil {
			rc.WorkloadSpec = string(spec)
		}
	} else {
		logger.L().Warn("diagnostics: get workload failed", zap.String("service", svc.Name), zap.Error(err))
	}

	if pod := primaryPod(pods); pod != nil {
		logs, err := gw.PodLogs(ctx, namespace, pod.Name, "", diagnosticsLogTail, pod.Restarts > 0)
		if err != nil {
			logger.L().Warn("diagnostics: pod logs failed", zap.String("pod", pod.Name), zap.Error(err))
		}
		rc.PodLogs = logs
	}
	return rc
}

// primaryPod picks the pod whose logs matter most: the first unhealthy one,
// falling back to the first pod.
func primaryPod(pods []cluster.PodHealth) *cluster.PodHealth {
	for i := range pods {
		if pods[i].CrashLooping() || !pods[i].Ready {
			return &pods[i]
		}
	}
	if len(pods) > 0 {
		return &pods[0]
	}
	return nil
}

func formatPodState(pods []cluster.PodHealth) string {
	if len(pods) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range pods {
		fmt.Fprintf(&b, "%s phase=%s ready=%t restarts=%d", p.Name, p.Phase, p.Ready, p.Restarts)
		if p.WaitingReason != "" {
			fmt.Fprintf(&b, " waiting=%s", p.WaitingReason)
		}
		if p.TerminatedReason != "" {
			fmt.Fprintf(&b, " terminated=%s", p.TerminatedReason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
