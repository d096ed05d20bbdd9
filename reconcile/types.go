package reconcile

import (
	"fmt"
	"time"

	"github.com/c360studio/semgate/registry"
)

// Decision is the governed outcome of reconciling one entity.
type Decision string

// Reconciliation decisions.
const (
	// DecisionSkipped means a link already existed; no search was made.
	DecisionSkipped Decision = "skipped"

	// DecisionAutoLinked means the best candidate cleared the auto-link
	// threshold and a link was persisted.
	DecisionAutoLinked Decision = "auto_linked"

	// DecisionQueued means the best candidate was plausible but uncertain;
	// a pending verification task was persisted for human review.
	DecisionQueued Decision = "queued"

	// DecisionNoMatch means no candidate was acceptable. Any candidates
	// found are retained on the result for visibility.
	DecisionNoMatch Decision = "no_match"
)

// TaskStatus is the lifecycle state of a verification task.
type TaskStatus string

// Verification task states. Approved and rejected are terminal; a task
// transitions out of pending exactly once.
const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
)

// Entity is one unit of reconciliation work: an extracted entity IRI with
// the label and optional type hints to search the registry for.
type Entity struct {
	IRI   string   `json:"iri"`
	Label string   `json:"label"`
	Types []string `json:"types,omitempty"`
}

// Validate checks the entity fields required for reconciliation.
func (e Entity) Validate() error {
	if e.IRI == "" {
		return fmt.Errorf("entity iri is required")
	}
	if e.Label == "" {
		return fmt.Errorf("entity label is required")
	}
	return nil
}

// Link is the durable entity-to-registry mapping produced by an auto-link
// or a task approval.
type Link struct {
	EntityIRI  string    `json:"entity_iri"`
	ExternalID string    `json:"external_id"`
	Method     string    `json:"method"` // "auto" or "manual"
	CreatedAt  time.Time `json:"created_at"`
}

// Link creation methods.
const (
	LinkMethodAuto   = "auto"
	LinkMethodManual = "manual"
)

// VerificationTask is a durable, human-reviewable record created when a
// candidate match is too uncertain to auto-accept but too plausible to
// discard.
type VerificationTask struct {
	ID         string               `json:"id"`
	EntityIRI  string               `json:"entity_iri"`
	Label      string               `json:"label"`
	Candidates []registry.Candidate `json:"candidates"`
	CreatedAt  time.Time            `json:"created_at"`
	Status     TaskStatus           `json:"status"`
	ApprovedID string               `json:"approved_id,omitempty"`
}

// Result reports the outcome of reconciling one entity.
type Result struct {
	EntityIRI  string               `json:"entity_iri"`
	Decision   Decision             `json:"decision"`
	Candidates []registry.Candidate `json:"candidates,omitempty"`
	BestMatch  *registry.Candidate  `json:"best_match,omitempty"`
	TaskID     string               `json:"task_id,omitempty"`
}

// Config holds the reconciliation thresholds. Scores are 0-100.
// Thresholds are taken literally, zero included; callers overriding a
// subset of fields should start from DefaultConfig.
type Config struct {
	// AutoLinkThreshold is the minimum best-candidate score for an
	// automatic link (DefaultConfig: 90).
	AutoLinkThreshold int `yaml:"auto_link_threshold"`

	// QueueThreshold is the minimum best-candidate score to queue the
	// entity for human review (DefaultConfig: 50).
	QueueThreshold int `yaml:"queue_threshold"`

	// MaxCandidates caps how many candidates are requested from the
	// registry (default 5).
	MaxCandidates int `yaml:"max_candidates"`

	// Language selects the registry label language (default "en").
	Language string `yaml:"language"`
}

// DefaultConfig returns the reconciliation defaults.
func DefaultConfig() Config {
	return Config{
		AutoLinkThreshold: 90,
		QueueThreshold:    50,
		MaxCandidates:     5,
		Language:          "en",
	}
}

// Validate checks threshold ranges and ordering. The auto-link threshold
// must not sit below the queue threshold, otherwise the queued band would
// be empty or inverted.
func (c Config) Validate() error {
	if c.AutoLinkThreshold < 0 || c.AutoLinkThreshold > 100 {
		return fmt.Errorf("auto_link_threshold must be in [0,100]")
	}
	if c.QueueThreshold < 0 || c.QueueThreshold > 100 {
		return fmt.Errorf("queue_threshold must be in [0,100]")
	}
	if c.AutoLinkThreshold < c.QueueThreshold {
		return fmt.Errorf("auto_link_threshold (%d) must be >= queue_threshold (%d)",
			c.AutoLinkThreshold, c.QueueThreshold)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive")
	}
	return nil
}

// withDefaults fills only the fields whose zero value is unusable.
// Thresholds are left alone: zero sits inside the valid 0-100 range and
// means "accept everything at this tier", not "unset".
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxCandidates == 0 {
		c.MaxCandidates = def.MaxCandidates
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	return c
}
