package repair

import (
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/models"
)

// Failure phases. The phase selects which diagnostics to gather and shapes
// the repair prompt; it does not change loop mechanics.
const (
	PhaseBuild   = "build"
	PhaseStartup = "startup"
	PhaseRuntime = "runtime"
	PhaseHealth  = "health"
)

const restartThreshold = 3

// DeterminePhase classifies where a failed deployment went wrong. Pure
// function over the deployment row and the workload's pod health.
//
// build: the deployment failed before an image was ever produced.
// startup: pods are crash-looping or erroring out of the gate.
// runtime: pods restarted repeatedly without settling.
// health: pods run but never become ready.
func DeterminePhase(dep *models.Deployment, pods []cluster.PodHealth) string {
	if dep.ImageTag == "" {
		return PhaseBuild
	}
	if len(pods) == 0 {
		return PhaseStartup
	}
	for _, p := range pods {
		if p.CrashLooping() {
			return PhaseStartup
		}
	}
	for _, p := range pods {
		if p.Restarts >= restartThreshold {
			return PhaseRuntime
		}
	}
	for _, p := range pods {
		if p.Phase == "Running" && !p.Ready {
			return PhaseHealth
		}
	}
	return PhaseRuntime
}
