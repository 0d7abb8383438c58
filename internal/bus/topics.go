package bus

// Event topics. Payloads are map[string]string-free: all payloads are
// map[string]any with the required fields noted per topic.
const (
	// SessionReady fires exactly once per created session, after history load
	// and agents-manager init, before the main state becomes idle.
	// Fields: workingDir, sessionId, historyLoaded, usage, projectInputHistory.
	SessionReady = "session:ready"

	// SessionInterrupted fires when a turn is aborted by the user.
	// Fields: agentId, content.
	SessionInterrupted = "session:interrupted"

	// SessionError carries classified adapter and engine failures.
	// Fields: type, error{code, message, details?}.
	SessionError = "session:error"

	// SessionCleared fires after /clear. Fields: sessionId.
	SessionCleared = "session:cleared"

	// StateUpdate is emitted by the main agent only. Fields: state.
	StateUpdate = "state:update"

	// MessageThinkingChunk and MessageTextChunk stream deltas. These two
	// topics are silent (no audit logging) due to volume.
	// Fields: content, delta.
	MessageThinkingChunk = "message:thinking:chunk"
	MessageTextChunk     = "message:text:chunk"

	// MessageComplete fires once per collected assistant message.
	// Fields: agentId, reasoning, content, hasToolCalls, toolCalls?.
	MessageComplete = "message:complete"

	// ToolPermissionRequest/Response implement the interactive permission
	// protocol. Request fields: agentId, toolName, title, content,
	// options{agree, allow, refuse}. Response fields: toolName, selected.
	ToolPermissionRequest  = "tool:permission:request"
	ToolPermissionResponse = "tool:permission:response"

	// ToolExecutionComplete fields: agentId, toolName, title, summary, content.
	ToolExecutionComplete = "tool:execution:complete"
	// ToolExecutionError fields: agentId, toolName, title, content.
	ToolExecutionError = "tool:execution:error"

	// Plan-mode exit protocol. Request fields: agentId, planFilePath,
	// planContent, options. Response fields: agentId, selected.
	PlanExitRequest  = "plan:exit:request"
	PlanExitResponse = "plan:exit:response"
	// PlanImplement fields: planFilePath, planContent.
	PlanImplement = "plan:implement"

	// AskQuestionRequest/Response: agentId, questions[...] / agentId, answers.
	AskQuestionRequest  = "ask:question:request"
	AskQuestionResponse = "ask:question:response"

	// TodosUpdate is emitted by the main agent only. Fields: todos.
	TodosUpdate = "todos:update"

	// FileReference fields: references[{type, name, content}].
	FileReference = "file:reference"

	// ConversationUsage is emitted by the main agent only.
	// Fields: usage{useTokens, maxTokens, promptTokens}.
	ConversationUsage = "conversation:usage"

	// CompactExec fields: tokenBefore, tokenCompact, compactRate, errMsg?.
	CompactExec = "compact:exec"

	// TopicUpdate is emitted by the main agent only. Fields: isNewTopic, title.
	TopicUpdate = "topic:update"

	// Subagent lifecycle. Start fields: taskId, subagent_type, description,
	// prompt. End fields: taskId, status, content.
	TaskAgentStart = "task:agent:start"
	TaskAgentEnd   = "task:agent:end"

	// ConfigNoModels fields: message, suggestion.
	ConfigNoModels = "config:no_models"
)
