package cluster

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// JobStatus is the job state decoded once at the gateway boundary so
// orchestration code never touches raw API objects.
type JobStatus struct {
	Name         string
	Active       int32
	Succeeded    int32
	Failed       int32
	BackoffLimit int32
	// MainArgs are the declared arguments of the job's main container; the
	// pipeline extracts the resolved image destination from them.
	MainArgs []string
}

// Complete reports whether the job finished successfully.
func (s *JobStatus) Complete() bool { return s.Succeeded > 0 }

// Exhausted reports whether the job's failure count reached its backoff
// limit, i.e. the job will not retry again.
func (s *JobStatus) Exhausted() bool { return s.Failed > s.BackoffLimit }

func decodeJobStatus(job *batchv1.Job) *JobStatus {
	s := &JobStatus{
		Name:      job.Name,
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
	}
	if job.Spec.BackoffLimit != nil {
		s.BackoffLimit = *job.Spec.BackoffLimit
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			s.Succeeded = max32(s.Succeeded, 1)
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			s.Failed = max32(s.Failed, s.BackoffLimit+1)
		}
	}
	if containers := job.Spec.Template.Spec.Containers; len(containers) > 0 {
		s.MainArgs = containers[0].Args
	}
	return s
}

// PodHealth is the pod state decoded at the gateway boundary.
type PodHealth struct {
	Name             string
	Phase            string
	Ready            bool
	Restarts         int32
	WaitingReason    string
	TerminatedReason string
}

// CrashLooping reports whether the pod is stuck in a crash/error wait state.
func (p PodHealth) CrashLooping() bool {
	switch p.WaitingReason {
	case "CrashLoopBackOff", "Error", "ErrImagePull", "ImagePullBackOff", "CreateContainerError":
		return true
	}
	return p.TerminatedReason == "Error"
}

func decodePodHealth(pod *corev1.Pod) PodHealth {
	h := PodHealth{Name: pod.Name, Phase: string(pod.Status.Phase)}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			h.Ready = true
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		h.Restarts += cs.RestartCount
		if cs.State.Waiting != nil && h.WaitingReason == "" {
			h.WaitingReason = cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && h.TerminatedReason == "" {
			h.TerminatedReason = cs.State.Terminated.Reason
		}
	}
	return h
}

// EventRecord is a single cluster event relevant to diagnostics.
type EventRecord struct {
	Type    string
	Reason  string
	Message string
	Count   int32
	Object  string
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
