package genai

import (
	"context"
	"errors"
	"log"
	"time"

	"opsdrill/internal/engine"
)

const defaultReviewTimeout = 3 * time.Minute
const reviewQueueDepth = 64

type reviewJob struct {
	PlanID string
	Input  PlanInput
}

// Reviewer drains submitted plans through the grading service and writes the
// verdict back as a plan transition. One worker is enough; grading is not the
// bottleneck of an exercise.
type Reviewer struct {
	engine  engine.Engine
	service Service
	timeout time.Duration
	jobs    chan reviewJob
}

func NewReviewer(eng engine.Engine, svc Service) *Reviewer {
	timeout := defaultReviewTimeout
	if eng.Config != nil && eng.Config.GenAI.ReviewTimeoutSeconds > 0 {
		timeout = time.Duration(eng.Config.GenAI.ReviewTimeoutSeconds) * time.Second
	}
	return &Reviewer{
		engine:  eng,
		service: svc,
		timeout: timeout,
		jobs:    make(chan reviewJob, reviewQueueDepth),
	}
}

// Start runs the worker until ctx is cancelled.
func (r *Reviewer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-r.jobs:
				r.process(ctx, job)
			}
		}
	}()
}

// Enqueue hands a submitted plan to the worker. A full queue drops the job;
// the stuck-review sweep picks the plan up later.
func (r *Reviewer) Enqueue(planID string, in PlanInput) bool {
	select {
	case r.jobs <- reviewJob{PlanID: planID, Input: in}:
		return true
	default:
		log.Printf("review: queue full, dropping plan %s", planID)
		return false
	}
}

func (r *Reviewer) process(ctx context.Context, job reviewJob) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	review, err := r.service.EvaluatePlan(callCtx, job.Input)
	if err != nil {
		log.Printf("review: grading plan %s failed: %v", job.PlanID, err)
		review = PlanReview{
			Decision: "needs_revision",
			Feedback: "Automated review was unavailable; please resubmit.",
		}
	}
	_, err = r.engine.ApplyPlanReview(ctx, job.PlanID, review.Score, review.Decision, review.Feedback, "ai-reviewer")
	if err != nil {
		// A plan already moved on by the sweep or an operator is not an error
		// worth retrying.
		if errors.Is(err, engine.ErrStaleState) || errors.Is(err, engine.ErrInvalidTransition) {
			log.Printf("review: plan %s result discarded: %v", job.PlanID, err)
			return
		}
		log.Printf("review: applying result for plan %s failed: %v", job.PlanID, err)
	}
}
