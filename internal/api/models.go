package api

// Resource kinds accepted by ListResources.
const (
	KindWorkflows = "workflows"
	KindProducts  = "products"
	KindBuilds    = "builds"
)

// ResourceKinds lists the valid arguments to ListResources, for usage text.
var ResourceKinds = []string{KindWorkflows, KindProducts, KindBuilds}

// WorkflowAction is one step of a workflow, passed through to the API
// unchanged.
type WorkflowAction struct {
	Name        string `json:"name"`
	Platform    string `json:"platform,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// WorkflowSpec describes a build-automation workflow definition. The client
// transports it; it does not interpret workflow semantics.
type WorkflowSpec struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	TriggerType   string           `json:"triggerType"`
	BranchPattern string           `json:"branchPattern,omitempty"`
	TagPattern    string           `json:"tagPattern,omitempty"`
	Scheme        string           `json:"scheme"`
	Actions       []WorkflowAction `json:"actions"`
}

// Resource is the subset of a remote resource record the client needs,
// plus the pass-through workflow definition when the resource is one.
type Resource struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Name      string        `json:"name"`
	State     string        `json:"state,omitempty"`
	CreatedAt string        `json:"createdAt,omitempty"`
	Workflow  *WorkflowSpec `json:"workflow,omitempty"`
}

// TriggerParams selects what a triggered build run operates on.
type TriggerParams struct {
	Branch string `json:"branch,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// Build run statuses reported by the API. Completed, failed and canceled
// are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// BuildRun is the status record of one triggered run.
type BuildRun struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (r BuildRun) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type listResponse struct {
	Data []Resource `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
