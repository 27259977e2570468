package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// TrackPolicy bundles the polling parameters every tracking workflow runs
// with. Values come from TRACK_INITIAL_INTERVAL, TRACK_MAX_INTERVAL and
// TRACK_MAX_AGE.
type TrackPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAge          time.Duration
}

// reconcileScheduleID identifies the single reconciliation schedule.
const reconcileScheduleID = "reconcile-open-transactions"

// Client starts and manages tracking workflows. It implements the
// orchestrator's Tracker interface.
type Client struct {
	client    client.Client
	taskQueue string
	policy    TrackPolicy
	logger    *slog.Logger
}

// NewClient creates a new Temporal client for the tracker.
func NewClient(host, namespace, taskQueue string, policy TrackPolicy, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker")

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		policy:    policy,
		logger:    logger,
	}, nil
}

// Track starts the tracking workflow for a transaction. The workflow ID is
// derived from the transaction ID, so tracking the same transaction twice
// attaches to the running workflow instead of starting a second one.
func (c *Client) Track(ctx context.Context, txID string) error {
	options := client.StartWorkflowOptions{
		ID:        TrackingWorkflowID(txID),
		TaskQueue: c.taskQueue,
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, TrackTransactionWorkflow, TrackTransactionInput{
		TxID:            txID,
		InitialInterval: c.policy.InitialInterval,
		MaxInterval:     c.policy.MaxInterval,
		MaxAge:          c.policy.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("start tracking workflow for %s: %w", txID, err)
	}

	c.logger.Info("tracking workflow started",
		"tx_id", txID,
		"workflow_id", options.ID,
		"run_id", run.GetRunID(),
	)
	return nil
}

// EnsureReconcileSchedule creates the periodic reconciliation schedule if it
// does not already exist. Safe to call on every startup.
func (c *Client) EnsureReconcileSchedule(ctx context.Context, interval time.Duration) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: reconcileScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "reconcile-open-transactions-run",
			Workflow:  "ReconcileWorkflow",
			TaskQueue: c.taskQueue,
			Args: []interface{}{ReconcileInput{
				NotCheckedFor:   interval,
				Limit:           100,
				InitialInterval: c.policy.InitialInterval,
				MaxInterval:     c.policy.MaxInterval,
				MaxAge:          c.policy.MaxAge,
			}},
		},
	})
	if err != nil {
		if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			c.logger.Debug("reconcile schedule already exists", "schedule_id", reconcileScheduleID)
			return nil
		}
		return fmt.Errorf("create reconcile schedule: %w", err)
	}

	c.logger.Info("reconcile schedule created",
		"schedule_id", reconcileScheduleID,
		"interval", interval,
	)
	return nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
