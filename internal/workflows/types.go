package workflows

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// State is a job's position in the pipeline
type State string

const (
	StateAccepted            State = "accepted"
	StateMetadataRetrieved   State = "metadata_retrieved"
	StateThumbnailsExtracted State = "thumbnails_extracted"
	StateUploading           State = "uploading"
	StateResultComposed      State = "result_composed"
	StatePublished           State = "published"
	StateCleanedUp           State = "cleaned_up"
	StateFailed              State = "failed"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request dvm.JobRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution
type WorkflowResult struct {
	Success bool
	State   State
	Error   error

	// Reached is the last state entered before success or failure
	Reached    State
	Thumbnails []dvm.BlobDescriptor
	Result     *nostr.Event
	Relays     []string
	Publishes  []relay.PublishResult
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}
