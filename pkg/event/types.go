package event

// Well-known event types produced and consumed by the core runtime.
// Driver capabilities and instruction triggers reference these by the
// dotted name; anything else is opaque routing data.
const (
	// Errors produced by the processor when validation or routing fails.
	TypeError = "error"

	// Scheduler CRUD (consumed by the scheduler via the bus) and the
	// events it emits when an entry fires.
	TypeScheduleCreate  = "schedule.create"
	TypeScheduleUpdate  = "schedule.update"
	TypeScheduleDelete  = "schedule.delete"
	TypeScheduleCreated = "schedule.created"
	TypeScheduleDeleted = "schedule.deleted"

	// Context hub updates produced by the instruction matcher and
	// consumed by the hub driver.
	TypeContextUpdate      = "context.update"
	TypeContextQuery       = "context.query"
	TypeContextQueryResult = "context.query.result"

	// LLM chat requests routed to an agent driver.
	TypeLLMChat       = "llm.chat"
	TypeLLMResponse   = "llm.response"
	TypeLLMChatFailed = "llm.chat.failed"

	// Notifications routed to a notification tool driver.
	TypeNotificationSend   = "notification.send"
	TypeNotificationFailed = "notification.send.failed"

	// Background worker tasks.
	TypeWorkerTask = "worker.task"

	// Voice calls placed by an IO driver.
	TypeVoiceCall = "voice.call"

	// Plan lifecycle (consumed by the plan executor).
	TypePlanRegister    = "plan.register"
	TypePlanUnregister  = "plan.unregister"
	TypePlanExecute     = "plan.execute"
	TypePlanTrigger     = "plan.trigger"
	TypePlanSchedule    = "plan.schedule"
	TypePlanStepExecute = "plan.step.execute"
	TypeCronConfigure   = "cron.configure"
	TypeCronConfigured  = "event.cron.configured"
)

// Context update operations (the update_operation payload field).
const (
	ContextOpAppend     = "append"
	ContextOpReplace    = "replace"
	ContextOpSynthesize = "synthesize"
	ContextOpMerge      = "merge"
)

// SourceScheduler and friends identify core producers in Event.Source.
const (
	SourceScheduler = "scheduler"
	SourceMatcher   = "instruction-matcher"
	SourcePlanner   = "plan-executor"
	SourceProcessor = "processor"
	SourceAPI       = "api"
)
