// Package tasks defines the queue task types and their handlers. One task
// is one pipeline run or one full repair campaign.
package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task type names routed by the worker mux.
const (
	TypeDeploymentRun = "deployment:run"
	TypeDebugRun      = "debug:run"
)

// DeployPayload is the payload for deployment:run tasks.
type DeployPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// RepairPayload is the payload for debug:run tasks.
type RepairPayload struct {
	SessionID string `json:"session_id"`
}

func NewDeploymentRunTask(deploymentID string) (*asynq.Task, error) {
	pb, err := json.Marshal(DeployPayload{DeploymentID: deploymentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeploymentRun, pb), nil
}

func NewDebugRunTask(sessionID string) (*asynq.Task, error) {
	pb, err := json.Marshal(RepairPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDebugRun, pb), nil
}
