package schema

import "strings"

// Category groups event names by their prefix ("workspace:activated" is
// CategoryWorkspace). Every event the daemon records or forwards belongs to
// exactly one category.
type Category string

const (
	CategoryWorkspace Category = "workspace"
	CategoryProfile   Category = "profile"
	CategoryExecution Category = "execution"
	CategoryApproval  Category = "approval"
	CategoryGit       Category = "git"
	CategoryAction    Category = "action"
	CategoryChat      Category = "chat"
	CategoryAidf      Category = "aidf"
	CategoryLauncher  Category = "launcher"
	CategoryProvider  Category = "provider"
	CategoryUnknown   Category = ""
)

const (
	WorkspaceActivated   = "workspace:activated"
	WorkspaceDeactivated = "workspace:deactivated"
	WorkspaceCreated     = "workspace:created"
	WorkspaceRemoved     = "workspace:removed"
	WorkspaceError       = "workspace:error"

	ProfileSwitched     = "profile:switched"
	ProfileMismatch     = "profile:mismatch"
	ProfileGuardBlocked = "profile:guard-blocked"

	ExecutionStarted   = "execution:started"
	ExecutionProgress  = "execution:progress"
	ExecutionOutput    = "execution:output"
	ExecutionCompleted = "execution:completed"
	ExecutionError     = "execution:error"

	ApprovalRequested = "approval:requested"
	ApprovalGranted   = "approval:granted"
	ApprovalDenied    = "approval:denied"

	GitStatusChanged  = "git:status-changed"
	GitCommit         = "git:commit"
	GitPush           = "git:push"
	GitPull           = "git:pull"
	GitBranchCreated  = "git:branch-created"
	GitBranchSwitched = "git:branch-switched"
	GitBranchDeleted  = "git:branch-deleted"

	ActionExecuted   = "action:executed"
	ActionFailed     = "action:failed"
	ActionRolledBack = "action:rolled-back"

	ChatMessageSent     = "chat:message-sent"
	ChatMessageReceived = "chat:message-received"
	ChatStreamChunk     = "chat:stream-chunk"
	ChatError           = "chat:error"

	AidfDetected      = "aidf:detected"
	AidfContextLoaded = "aidf:context-loaded"
	AidfTaskSelected  = "aidf:task-selected"
	AidfCreated       = "aidf:created"
	AidfUpdated       = "aidf:updated"
	AidfDeleted       = "aidf:deleted"

	LauncherContextBuilt = "launcher:context-built"
	LauncherStarted      = "launcher:started"
	LauncherExited       = "launcher:exited"

	ProviderConnected    = "provider:connected"
	ProviderDisconnected = "provider:disconnected"
	ProviderError        = "provider:error"
)

var allEvents = []string{
	WorkspaceActivated, WorkspaceDeactivated, WorkspaceCreated, WorkspaceRemoved, WorkspaceError,
	ProfileSwitched, ProfileMismatch, ProfileGuardBlocked,
	ExecutionStarted, ExecutionProgress, ExecutionOutput, ExecutionCompleted, ExecutionError,
	ApprovalRequested, ApprovalGranted, ApprovalDenied,
	GitStatusChanged, GitCommit, GitPush, GitPull, GitBranchCreated, GitBranchSwitched, GitBranchDeleted,
	ActionExecuted, ActionFailed, ActionRolledBack,
	ChatMessageSent, ChatMessageReceived, ChatStreamChunk, ChatError,
	AidfDetected, AidfContextLoaded, AidfTaskSelected, AidfCreated, AidfUpdated, AidfDeleted,
	LauncherContextBuilt, LauncherStarted, LauncherExited,
	ProviderConnected, ProviderDisconnected, ProviderError,
}

// AllEvents returns every known event name. The slice is a copy.
func AllEvents() []string {
	out := make([]string, len(allEvents))
	copy(out, allEvents)
	return out
}

// CategoryOf returns the category for an event name. Unknown names map to
// CategoryUnknown.
func CategoryOf(event string) Category {
	prefix, _, ok := strings.Cut(event, ":")
	if !ok {
		return CategoryUnknown
	}
	switch Category(prefix) {
	case CategoryWorkspace, CategoryProfile, CategoryExecution, CategoryApproval,
		CategoryGit, CategoryAction, CategoryChat, CategoryAidf,
		CategoryLauncher, CategoryProvider:
		return Category(prefix)
	default:
		return CategoryUnknown
	}
}

// GetString extracts a string field from an event payload. Returns "" if the
// field is missing or not a string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	val, ok := payload[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}
