// Package runner executes analysis tasks on remote agents. The scheduler
// core treats the task payload as opaque; the runner hands it to the agent
// advertised by the assigned resource and relays progress back.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// ProgressReporter mirrors the executor-side reporter so the runner package
// does not import the scheduler package.
type ProgressReporter interface {
	ReportProgress(fraction float64)
	PhaseCompleted(name string)
	SetSnapshot(blob []byte)
}

// taskRequest is the submission body posted to the agent.
type taskRequest struct {
	JobId                  string `json:"jobId"`
	PayloadRef             string `json:"payloadRef"`
	MinAcceleratorMemoryMb int64  `json:"minAcceleratorMemoryMb"`
	ResourceHeavy          bool   `json:"resourceHeavy"`
}

// taskStatus is the agent's view of one running task.
type taskStatus struct {
	State           string   `json:"state"` // running, completed, failed
	Progress        float64  `json:"progress"`
	CompletedPhases []string `json:"completedPhases"`
	Snapshot        []byte   `json:"snapshot,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// HTTPRunner drives a task on the agent exposed by the resource's endpoint:
// it submits the task, polls status until a terminal state, and stops the
// task when the context is cancelled.
type HTTPRunner struct {
	client        *http.Client
	pollInterval  time.Duration
	submitRetries uint
}

func NewHTTPRunner(requestTimeout time.Duration, pollInterval time.Duration) *HTTPRunner {
	return &HTTPRunner{
		client:        &http.Client{Timeout: requestTimeout},
		pollInterval:  pollInterval,
		submitRetries: 3,
	}
}

func (r *HTTPRunner) Run(
	ctx context.Context,
	job *schedulerobjects.Job,
	resource *schedulerobjects.Resource,
	reporter ProgressReporter,
) error {
	if resource.Endpoint == "" {
		return errors.Errorf("resource %s advertises no agent endpoint", resource.Id)
	}
	if err := r.submit(ctx, job, resource); err != nil {
		return err
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	var lastPhases int
	for {
		select {
		case <-ctx.Done():
			r.stop(job, resource)
			return ctx.Err()
		case <-ticker.C:
			status, err := r.status(ctx, job, resource)
			if err != nil {
				// One missed poll is not a task failure; the heartbeat sweep
				// catches dead agents.
				log.WithField("jobId", job.Id).Debugf("status poll failed: %v", err)
				continue
			}
			reporter.ReportProgress(status.Progress)
			for ; lastPhases < len(status.CompletedPhases); lastPhases++ {
				reporter.PhaseCompleted(status.CompletedPhases[lastPhases])
			}
			if len(status.Snapshot) > 0 {
				reporter.SetSnapshot(status.Snapshot)
			}
			switch status.State {
			case "completed":
				return nil
			case "failed":
				return errors.New(status.Error)
			}
		}
	}
}

func (r *HTTPRunner) submit(ctx context.Context, job *schedulerobjects.Job, resource *schedulerobjects.Resource) error {
	body, err := json.Marshal(taskRequest{
		JobId:                  job.Id,
		PayloadRef:             job.Requirements.PayloadRef,
		MinAcceleratorMemoryMb: job.Requirements.MinAcceleratorMemoryMb,
		ResourceHeavy:          job.Requirements.ResourceHeavy,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return retry.Do(
		func() error {
			request, err := http.NewRequestWithContext(
				ctx, http.MethodPost, resource.Endpoint+"/tasks", bytes.NewReader(body),
			)
			if err != nil {
				return errors.WithStack(err)
			}
			request.Header.Set("Content-Type", "application/json")
			response, err := r.client.Do(request)
			if err != nil {
				return errors.WithStack(err)
			}
			defer response.Body.Close()
			if response.StatusCode >= 300 {
				return errors.Errorf("agent rejected task submission with status %d", response.StatusCode)
			}
			return nil
		},
		retry.Attempts(r.submitRetries),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (r *HTTPRunner) status(ctx context.Context, job *schedulerobjects.Job, resource *schedulerobjects.Resource) (*taskStatus, error) {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodGet, taskUrl(resource, job), nil,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	response, err := r.client.Do(request)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return nil, errors.Errorf("agent returned status %d", response.StatusCode)
	}
	status := &taskStatus{}
	if err := json.NewDecoder(response.Body).Decode(status); err != nil {
		return nil, errors.WithStack(err)
	}
	return status, nil
}

// stop tells the agent to abandon the task at its next safe point. Best
// effort: the context driving the run is already cancelled, so the request
// gets its own short deadline.
func (r *HTTPRunner) stop(job *schedulerobjects.Job, resource *schedulerobjects.Resource) {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, taskUrl(resource, job), nil)
	if err != nil {
		return
	}
	response, err := r.client.Do(request)
	if err != nil {
		log.WithField("jobId", job.Id).Debugf("failed to stop task on agent: %v", err)
		return
	}
	response.Body.Close()
}

func taskUrl(resource *schedulerobjects.Resource, job *schedulerobjects.Job) string {
	return fmt.Sprintf("%s/tasks/%s", resource.Endpoint, job.Id)
}
