// Package cron turns scheduled jobs into synthetic inbound messages so
// agents can run heartbeats and reminders through the normal pipeline.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/sessions"
)

// Job is one scheduled prompt.
type Job struct {
	ID      string
	Expr    string
	AgentID string
	Message string
	Channel string // reply destination channel; empty = internal only
	To      string
}

// Handler receives the synthetic inbound for one job run.
type Handler func(ctx context.Context, mc *bus.MsgContext)

// Scheduler fires jobs at their cron instants. Each run gets a fresh
// session key so runs never share state.
type Scheduler struct {
	jobs    []Job
	handler Handler
	gron    *gronx.Gronx
}

// NewScheduler validates the job expressions and builds a scheduler.
func NewScheduler(jobs []Job, handler Handler) (*Scheduler, error) {
	g := gronx.New()
	for _, j := range jobs {
		if j.ID == "" || j.Message == "" {
			return nil, fmt.Errorf("cron job %q: id and message required", j.ID)
		}
		if !g.IsValid(j.Expr) {
			return nil, fmt.Errorf("cron job %q: invalid expression %q", j.ID, j.Expr)
		}
	}
	return &Scheduler{jobs: jobs, handler: handler, gron: g}, nil
}

// Run blocks, firing jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for _, job := range s.jobs {
		go s.runJob(ctx, job)
	}
	<-ctx.Done()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	for {
		next, err := gronx.NextTick(job.Expr, false)
		if err != nil {
			slog.Error("cron.next_tick_failed", "job", job.ID, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		s.fire(ctx, job)
	}
}

// fire builds the synthetic inbound for one run and hands it to the
// handler.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	runID := uuid.NewString()
	agentID := job.AgentID
	if agentID == "" {
		agentID = "default"
	}
	mc := &bus.MsgContext{
		Body:       job.Message,
		From:       "cron:" + job.ID,
		To:         job.To,
		SessionKey: sessions.BuildCronKey(agentID, job.ID, runID),
		ChatType:   string(sessions.ChatCron),
		Provider:   "cron",
		Surface:    "native",
		MessageSid: runID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if job.Channel != "" {
		mc.OriginatingChannel = job.Channel
		mc.OriginatingTo = job.To
	}
	slog.Info("cron.fired", "job", job.ID, "run", runID)
	s.handler(ctx, mc)
}
