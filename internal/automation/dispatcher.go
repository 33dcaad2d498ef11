package automation

import (
	"context"
	"fmt"

	"go-soknad-automation/internal/logger"
	"go-soknad-automation/internal/skyvern"
)

// Agent is the subset of the agent API the dispatcher drives.
type Agent interface {
	CreateTask(ctx context.Context, req skyvern.TaskRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*skyvern.Task, error)
	CancelTask(ctx context.Context, taskID string) error
	SubmitTOTP(ctx context.Context, code skyvern.TOTPCode) error
	CreateCredential(ctx context.Context, cred skyvern.Credential) (string, error)
}

// Runner is what workflows need from the automation layer.
type Runner interface {
	Start(ctx context.Context, spec TaskSpec) (string, error)
	Status(ctx context.Context, taskID string) (TaskUpdate, error)
	Cancel(ctx context.Context, taskID string) error
	SubmitCode(ctx context.Context, taskID, identifier, code string) error
	StoreCredential(ctx context.Context, domain, username, secret string) (string, error)
}

type Kind string

const (
	KindApplication  Kind = "application"
	KindRegistration Kind = "registration"
)

// TaskSpec is a goal plus structured field data for one agent run.
type TaskSpec struct {
	Kind           Kind
	URL            string
	Goal           string
	Payload        map[string]any
	TOTPIdentifier string
	MaxSteps       int
}

type Options struct {
	WebhookURL    string
	TOTPURL       string
	ProxyLocation string
	MaxSteps      int
}

type Dispatcher struct {
	agent Agent
	opts  Options
	log   *logger.Logger
}

var _ Runner = (*Dispatcher)(nil)

func NewDispatcher(agent Agent, opts Options, log *logger.Logger) *Dispatcher {
	return &Dispatcher{agent: agent, opts: opts, log: log.With("component", "dispatcher")}
}

func (d *Dispatcher) Start(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.URL == "" {
		return "", fmt.Errorf("start %s task: empty url", spec.Kind)
	}
	req := skyvern.TaskRequest{
		URL:                 spec.URL,
		NavigationGoal:      spec.Goal,
		NavigationPayload:   spec.Payload,
		WebhookCallbackURL:  d.opts.WebhookURL,
		TOTPVerificationURL: d.opts.TOTPURL,
		TOTPIdentifier:      spec.TOTPIdentifier,
		MaxSteps:            spec.MaxSteps,
		MaxRetriesPerStep:   8,
		WaitBeforeActionMS:  2000,
		ProxyLocation:       d.opts.ProxyLocation,
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = d.opts.MaxSteps
	}
	switch spec.Kind {
	case KindRegistration:
		req.DataExtractionGoal = skyvern.RegistrationExtractionGoal
		req.DataExtractionSchema = skyvern.RegistrationSchema()
		req.MaxRetriesPerStep = 5
		req.WaitBeforeActionMS = 1500
	default:
		req.DataExtractionGoal = skyvern.ApplicationExtractionGoal
		req.DataExtractionSchema = skyvern.ApplicationSchema()
	}

	taskID, err := d.agent.CreateTask(ctx, req)
	if err != nil {
		return "", err
	}
	d.log.Info("task dispatched", "task_id", taskID, "kind", spec.Kind, "url", spec.URL)
	return taskID, nil
}

func (d *Dispatcher) Status(ctx context.Context, taskID string) (TaskUpdate, error) {
	t, err := d.agent.GetTask(ctx, taskID)
	if err != nil {
		return TaskUpdate{}, err
	}
	return FromTask(t), nil
}

func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	return d.agent.CancelTask(ctx, taskID)
}

func (d *Dispatcher) SubmitCode(ctx context.Context, taskID, identifier, code string) error {
	return d.agent.SubmitTOTP(ctx, skyvern.TOTPCode{TaskID: taskID, Identifier: identifier, Content: code})
}

func (d *Dispatcher) StoreCredential(ctx context.Context, domain, username, secret string) (string, error) {
	return d.agent.CreateCredential(ctx, skyvern.Credential{
		Name:     domain,
		URL:      "https://" + domain,
		Username: username,
		Password: secret,
	})
}
