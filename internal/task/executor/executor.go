// Package executor drives agent runs: it initializes task state, rebuilds
// continuous contexts when stale, invokes the agent graph, converts ask-user
// interrupts into durable interactions, and finalizes tasks with structured
// events. Nothing stays in memory between a suspension and its resume.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/agent"
	"github.com/novahq/nova/internal/checkpoint"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/sanitize"
	"github.com/novahq/nova/internal/common/tokens"
	"github.com/novahq/nova/internal/conversation/contextbuilder"
	conversationmodels "github.com/novahq/nova/internal/conversation/models"
	conversation "github.com/novahq/nova/internal/conversation/service"
	"github.com/novahq/nova/internal/events"
	"github.com/novahq/nova/internal/events/bus"
	"github.com/novahq/nova/internal/task/models"
	taskrepo "github.com/novahq/nova/internal/task/repository"
	usermodels "github.com/novahq/nova/internal/user/models"
	userstore "github.com/novahq/nova/internal/user/store"
)

// compactBudgetRatio converts the current token usage into the word budget of
// a compacted summary.
const compactBudgetRatio = 0.3

// compactedNotice is the system message posted after a successful compaction.
const compactedNotice = "Conversation compacted. Earlier messages were replaced by a summary."

// Executor runs tasks against the agent graph.
type Executor struct {
	tasks         taskrepo.Repository
	conversations *conversation.Service
	users         userstore.Repository
	agents        agent.Repository
	graph         agent.Graph
	checkpoints   checkpoint.Store
	builder       *contextbuilder.Builder
	bus           bus.EventBus
	logger        *logger.Logger
	now           func() time.Time
}

// New creates an executor.
func New(
	tasks taskrepo.Repository,
	conversations *conversation.Service,
	users userstore.Repository,
	agents agent.Repository,
	graph agent.Graph,
	checkpoints checkpoint.Store,
	builder *contextbuilder.Builder,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Executor {
	return &Executor{
		tasks:         tasks,
		conversations: conversations,
		users:         users,
		agents:        agents,
		graph:         graph,
		checkpoints:   checkpoints,
		builder:       builder,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "executor")),
		now:           time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// runContext bundles the entities one run operates on.
type runContext struct {
	task   *models.Task
	user   *usermodels.User
	thread *conversationmodels.Thread
	config *agent.Config
	link   *checkpoint.Link
}

// Execute runs one agent turn for a pending task. The triggering user message
// is excluded from the continuous rebuild so it is fed exactly once, as the
// graph prompt.
func (e *Executor) Execute(ctx context.Context, userID, taskID string) error {
	run, err := e.load(ctx, userID, taskID)
	if err != nil {
		return e.failWithoutRun(ctx, userID, taskID, err)
	}
	if run.task.Status != models.TaskStatusPending {
		return apperrors.Conflict(fmt.Sprintf("task is %s, expected pending", run.task.Status))
	}

	if err := e.transition(ctx, run, models.TaskStatusRunning, ""); err != nil {
		return err
	}
	e.progress(ctx, run, "agent run started", "info", nil)

	if run.thread.Mode == conversationmodels.ThreadModeContinuous {
		if _, rebuilt, err := e.builder.RebuildIfStale(ctx, run.user, run.link, e.graph, run.task.MessageID); err != nil {
			return e.fail(ctx, run, err)
		} else if rebuilt {
			e.progress(ctx, run, "continuous context rebuilt", "info", nil)
		}
	}

	result, err := e.graph.Invoke(ctx, run.config, run.link.ID, run.task.Prompt, e.invokeOptions(ctx, run))
	if err != nil {
		return e.fail(ctx, run, err)
	}
	return e.route(ctx, run, result)
}

// Resume continues a suspended task from an answered interaction. The resume
// prompt embeds the original question and the user's answer so the graph sees
// the full exchange.
func (e *Executor) Resume(ctx context.Context, userID, interactionID string) error {
	interaction, err := e.tasks.GetInteraction(ctx, userID, interactionID)
	if err != nil {
		return err
	}
	if interaction.Status != models.InteractionAnswered {
		return apperrors.Conflict(fmt.Sprintf("interaction is %s, expected answered", interaction.Status))
	}

	run, err := e.load(ctx, userID, interaction.TaskID)
	if err != nil {
		return e.failWithoutRun(ctx, userID, interaction.TaskID, err)
	}
	if run.task.Status != models.TaskStatusAwaitingInput {
		return apperrors.Conflict(fmt.Sprintf("task is %s, expected awaiting_input", run.task.Status))
	}

	if err := e.transition(ctx, run, models.TaskStatusRunning, ""); err != nil {
		return err
	}
	e.progress(ctx, run, "resuming after user answer", "info", nil)

	answer := fmt.Sprintf("You asked: %s\nThe user answered: %s", interaction.Question, interaction.Answer)
	result, err := e.graph.Resume(ctx, run.config, run.link.ID, interaction.ResumeToken, answer, e.invokeOptions(ctx, run))
	if err != nil {
		return e.fail(ctx, run, err)
	}
	return e.route(ctx, run, result)
}

// Compact shrinks a thread's checkpoint to a single summary message. The word
// budget is proportional to the current token usage, so long conversations
// keep proportionally more detail.
func (e *Executor) Compact(ctx context.Context, userID, taskID string) error {
	run, err := e.load(ctx, userID, taskID)
	if err != nil {
		return e.failWithoutRun(ctx, userID, taskID, err)
	}
	if err := e.transition(ctx, run, models.TaskStatusRunning, ""); err != nil {
		return err
	}

	used := e.currentUsage(ctx, run)
	wordBudget := int(float64(used) * compactBudgetRatio)
	if wordBudget < 50 {
		wordBudget = 50
	}
	e.progress(ctx, run, "compacting conversation", "info", map[string]interface{}{
		"word_budget": wordBudget,
	})

	prompt := fmt.Sprintf(
		"Summarize our conversation so far as Markdown in at most %d words. "+
			"Keep decisions, facts and open questions; drop pleasantries.", wordBudget)
	result, err := e.graph.Invoke(ctx, run.config, run.link.ID, prompt, agent.InvokeOptions{SilentMode: true})
	if err != nil {
		return e.fail(ctx, run, err)
	}
	if result.Interrupt != nil {
		return e.fail(ctx, run, apperrors.InternalError("compaction raised an interrupt", nil).
			WithCategory(apperrors.CategoryAgentFailure))
	}

	if err := e.graph.Delete(ctx, run.link.ID); err != nil && !apperrors.IsNotFound(err) {
		return e.fail(ctx, run, err)
	}
	seed := []agent.StateMessage{{Role: agent.RoleAI, Content: result.Text, Summary: true}}
	if err := e.graph.UpdateState(ctx, run.link.ID, seed); err != nil {
		return e.fail(ctx, run, err)
	}

	notice, err := e.appendMessage(ctx, run, &conversationmodels.Message{
		Actor: conversationmodels.ActorSystem,
		Text:  compactedNotice,
	})
	if err != nil {
		return e.fail(ctx, run, err)
	}
	e.publish(ctx, run.task.ID, events.NewMessage, map[string]interface{}{
		"message": notice,
	})

	if err := e.transition(ctx, run, models.TaskStatusCompleted, result.Text); err != nil {
		return err
	}
	e.publish(ctx, run.task.ID, events.TaskComplete, map[string]interface{}{
		"result":    result.Text,
		"thread_id": run.thread.ID,
	})
	return nil
}

// load fetches the task and all related entities and ensures the checkpoint
// link exists.
func (e *Executor) load(ctx context.Context, userID, taskID string) (*runContext, error) {
	task, err := e.tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	thread, err := e.conversations.GetThread(ctx, userID, task.ThreadID)
	if err != nil {
		return nil, err
	}
	config, err := e.agents.GetConfig(ctx, userID, task.AgentID)
	if err != nil {
		return nil, err
	}
	link, err := e.checkpoints.EnsureLink(ctx, userID, thread.ID, task.AgentID)
	if err != nil {
		return nil, err
	}
	return &runContext{task: task, user: user, thread: thread, config: config, link: link}, nil
}

// route converts a graph result into durable task state: an interrupt becomes
// a pending interaction, anything else completes the task.
func (e *Executor) route(ctx context.Context, run *runContext, result *agent.Result) error {
	if result.Interrupt != nil {
		return e.suspend(ctx, run, result.Interrupt)
	}
	return e.complete(ctx, run, result)
}

func (e *Executor) suspend(ctx context.Context, run *runContext, interrupt *agent.Interrupt) error {
	interaction := &models.Interaction{
		ID:          uuid.New().String(),
		TaskID:      run.task.ID,
		UserID:      run.user.ID,
		ThreadID:    run.thread.ID,
		AgentID:     run.task.AgentID,
		Question:    interrupt.Question,
		Schema:      interrupt.Schema,
		ResumeToken: interrupt.ResumeToken,
		OriginName:  interrupt.OriginName,
		Status:      models.InteractionPending,
	}
	if err := e.tasks.CreateInteraction(ctx, interaction); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.transition(ctx, run, models.TaskStatusAwaitingInput, ""); err != nil {
		return err
	}

	if _, err := e.appendMessage(ctx, run, &conversationmodels.Message{
		Actor: conversationmodels.ActorSystem,
		Text:  interrupt.Question,
		Type:  conversationmodels.MessageTypeQuestion,
		InternalData: map[string]interface{}{
			"interaction_id": interaction.ID,
			"origin_name":    interrupt.OriginName,
		},
	}); err != nil {
		e.logger.WithError(err).Error("failed to append question message",
			zap.String("task_id", run.task.ID))
	}

	e.publish(ctx, run.task.ID, events.Interrupt, map[string]interface{}{
		"interaction_id": interaction.ID,
		"question":       interrupt.Question,
		"schema":         interrupt.Schema,
		"origin_name":    interrupt.OriginName,
	})
	e.progress(ctx, run, "waiting for user input", "info", map[string]interface{}{
		"interaction_id": interaction.ID,
	})
	return nil
}

func (e *Executor) complete(ctx context.Context, run *runContext, result *agent.Result) error {
	if _, err := e.appendMessage(ctx, run, &conversationmodels.Message{
		Actor: conversationmodels.ActorAgent,
		Text:  result.Text,
	}); err != nil {
		return e.fail(ctx, run, err)
	}
	if err := e.transition(ctx, run, models.TaskStatusCompleted, result.Text); err != nil {
		return err
	}

	e.publishConsumption(ctx, run, result)
	subject := e.autoTitle(ctx, run)

	e.publish(ctx, run.task.ID, events.TaskComplete, map[string]interface{}{
		"result":         result.Text,
		"thread_id":      run.thread.ID,
		"thread_subject": subject,
	})
	return nil
}

// publishConsumption emits context_consumption, preferring provider-reported
// usage over the byte/4 approximation of the post-run state.
func (e *Executor) publishConsumption(ctx context.Context, run *runContext, result *agent.Result) {
	data := map[string]interface{}{
		"max_context": run.config.Provider.MaxContext,
	}
	if result.Usage != nil && result.Usage.TotalTokens > 0 {
		data["real_tokens"] = result.Usage.TotalTokens
	} else {
		data["approx_tokens"] = e.currentUsage(ctx, run)
	}
	e.publish(ctx, run.task.ID, events.ContextConsumption, data)
}

// currentUsage reads the post-run state and returns provider-reported tokens
// when present, otherwise the byte/4 approximation over all message contents.
func (e *Executor) currentUsage(ctx context.Context, run *runContext) int {
	tuple, err := e.graph.GetTuple(ctx, run.link.ID)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read post-run state",
			zap.String("link_id", run.link.ID))
		return 0
	}
	if tuple.Usage != nil && tuple.Usage.TotalTokens > 0 {
		return tuple.Usage.TotalTokens
	}
	total := 0
	for _, m := range tuple.Messages {
		total += tokens.Estimate(agent.FlattenContent(m.Content))
	}
	return total
}

// autoTitle renames threads still carrying the default subject template after
// their first completed task. Returns the thread's (possibly new) subject.
func (e *Executor) autoTitle(ctx context.Context, run *runContext) string {
	if !strings.HasPrefix(run.thread.Subject, conversationmodels.DefaultSubjectPrefix) {
		return run.thread.Subject
	}

	ephemeralID := uuid.New().String()
	defer func() {
		if err := e.graph.Delete(context.WithoutCancel(ctx), ephemeralID); err != nil && !apperrors.IsNotFound(err) {
			e.logger.WithError(err).Warn("failed to delete ephemeral title thread",
				zap.String("graph_thread_id", ephemeralID))
		}
	}()

	prompt := fmt.Sprintf(
		"Give a 1-3 word title, in the conversation's language, for a conversation that starts with:\n%s\n"+
			"Reply with the title only.", run.task.Prompt)
	result, err := e.graph.Invoke(ctx, run.config, ephemeralID, prompt, agent.InvokeOptions{SilentMode: true})
	if err != nil || result.Interrupt != nil {
		if err != nil {
			e.logger.WithError(err).Warn("auto-titling failed", zap.String("thread_id", run.thread.ID))
		}
		return run.thread.Subject
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(result.Text), `"'`))
	if title == "" || len(title) > 80 {
		return run.thread.Subject
	}
	if err := e.conversations.UpdateThreadSubject(ctx, run.user.ID, run.thread.ID, title); err != nil {
		e.logger.WithError(err).Warn("failed to save thread title", zap.String("thread_id", run.thread.ID))
		return run.thread.Subject
	}
	run.thread.Subject = title
	return title
}

// appendMessage writes a message through the conversation service, using the
// continuous append path (day rollover, indexing) for continuous threads.
func (e *Executor) appendMessage(ctx context.Context, run *runContext, message *conversationmodels.Message) (*conversationmodels.Message, error) {
	if run.thread.Mode == conversationmodels.ThreadModeContinuous {
		appended, err := e.conversations.AppendContinuousMessage(ctx, run.user, message)
		if err != nil {
			return nil, err
		}
		return appended.Message, nil
	}
	return e.conversations.AppendMessage(ctx, run.user.ID, run.thread.ID, message)
}

// fail finalizes a task as failed: categorized, logged to progress with
// severity=error, stored as the result, and broadcast as task_error.
func (e *Executor) fail(ctx context.Context, run *runContext, cause error) error {
	category := apperrors.Categorize(cause)
	e.progress(ctx, run, cause.Error(), "error", map[string]interface{}{
		"category": category,
	})
	if err := e.transition(ctx, run, models.TaskStatusFailed, cause.Error()); err != nil {
		e.logger.WithError(err).Error("failed to mark task failed", zap.String("task_id", run.task.ID))
	}
	e.publish(ctx, run.task.ID, events.TaskError, map[string]interface{}{
		"message":  cause.Error(),
		"category": category,
	})
	e.logger.WithError(cause).Error("task failed",
		zap.String("task_id", run.task.ID),
		zap.String("category", category))
	return cause
}

// failWithoutRun handles load failures, when related entities may be missing.
// The task row is updated best-effort.
func (e *Executor) failWithoutRun(ctx context.Context, userID, taskID string, cause error) error {
	category := apperrors.Categorize(cause)
	if err := e.tasks.UpdateTaskStatus(ctx, userID, taskID, models.TaskStatusFailed, cause.Error()); err != nil && !apperrors.IsNotFound(err) {
		e.logger.WithError(err).Error("failed to mark task failed", zap.String("task_id", taskID))
	}
	e.publish(ctx, taskID, events.TaskError, map[string]interface{}{
		"message":  cause.Error(),
		"category": category,
	})
	return cause
}

// transition updates the task row and announces the state change.
func (e *Executor) transition(ctx context.Context, run *runContext, status models.TaskStatus, result string) error {
	if err := e.tasks.UpdateTaskStatus(ctx, run.user.ID, run.task.ID, status, result); err != nil {
		return err
	}
	run.task.Status = status
	if result != "" {
		run.task.Result = result
	}
	e.publish(ctx, run.task.ID, events.TaskStateChanged, map[string]interface{}{
		"status": string(status),
	})
	return nil
}

// progress appends one entry to the task's progress log and publishes the
// full log.
func (e *Executor) progress(ctx context.Context, run *runContext, step, severity string, extra map[string]interface{}) {
	log, err := e.tasks.AppendProgress(ctx, run.user.ID, run.task.ID, models.ProgressEntry{
		Step:      step,
		Severity:  severity,
		Timestamp: e.now().UTC(),
		Extra:     extra,
	})
	if err != nil {
		e.logger.WithError(err).Warn("failed to append progress", zap.String("task_id", run.task.ID))
		return
	}
	e.publish(ctx, run.task.ID, events.ProgressUpdate, map[string]interface{}{
		"progress_log": log,
	})
}

// invokeOptions wires streamed output into sanitized response_chunk events.
func (e *Executor) invokeOptions(ctx context.Context, run *runContext) agent.InvokeOptions {
	taskID := run.task.ID
	return agent.InvokeOptions{
		OnChunk: func(chunk string) {
			e.publish(ctx, taskID, events.ResponseChunk, map[string]interface{}{
				"chunk": sanitize.HTML(chunk),
			})
		},
	}
}

func (e *Executor) publish(ctx context.Context, taskID, eventType string, data map[string]interface{}) {
	if e.bus == nil || taskID == "" {
		return
	}
	data["task_id"] = taskID
	event := bus.NewEvent(eventType, "executor", data)
	if err := e.bus.Publish(ctx, events.BuildTaskSubject(taskID), event); err != nil {
		e.logger.WithError(err).Warn("failed to publish executor event",
			zap.String("type", eventType))
	}
}
