// Package fieldlock provides client interfaces and domain types for the
// fieldlock policy service.
//
// Use the sub-package to create a transport-specific client:
//
//	import fieldlockhttp "github.com/fieldlock/fieldlock/clients/go/http"
package fieldlock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RuleManager covers CRUD operations on governance rules.
type RuleManager interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (Rule, error)
	ListRules(ctx context.Context, entity string) ([]Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
}

// Decider resolves client-scope form control state for governed attributes.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest) ([]Decision, error)
	GovernedAttributes(ctx context.Context, entity string) ([]string, error)
}

// Enforcer checks a pending write against server-scope policy.
type Enforcer interface {
	EnforceWrite(ctx context.Context, req EnforceRequest) (Enforcement, error)
}

// SchemaManager maintains the attribute type registry the service validates
// rules and parses trigger values against.
type SchemaManager interface {
	UpsertSchemaAttribute(ctx context.Context, attr SchemaAttribute) (SchemaAttribute, error)
	GetSchemaAttribute(ctx context.Context, entity, attribute string) (SchemaAttribute, error)
	ListSchemaAttributes(ctx context.Context, entity string) ([]SchemaAttribute, error)
	DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error
}

// Streamer delivers real-time rule change events. Pass an empty entity to
// receive events for all entities. The returned channel is closed when ctx
// is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64, entity string) (<-chan RuleEvent, error)
}

// Rule governs one attribute of one entity. Conditions inspect the trigger
// attribute, which may differ from the governed target attribute.
type Rule struct {
	ID               uuid.UUID   `json:"id"`
	Entity           string      `json:"entity"`
	TargetAttribute  string      `json:"target_attribute"`
	TriggerAttribute string      `json:"trigger_attribute"`
	Kind             string      `json:"kind"`  // "visible" | "required" | "not_allowed"
	Scope            string      `json:"scope"` // "server" | "client" | "both"
	Sequence         int         `json:"sequence"`
	Result           *bool       `json:"result,omitempty"`
	Active           bool        `json:"active"`
	Conditions       []Condition `json:"conditions,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Condition is a single typed comparison against the trigger attribute's
// runtime value. Exactly one value field is populated, matching ValueType.
// The is_null and is_not_null operators carry no value.
type Condition struct {
	ID        uuid.UUID `json:"id"`
	RuleID    uuid.UUID `json:"rule_id"`
	Sequence  int       `json:"sequence"`
	Operator  string    `json:"operator"` // "equals" | "not_equals" | "is_null" | "is_not_null"
	ValueType string    `json:"value_type,omitempty"`
	Active    bool      `json:"active"`

	ValueString       *string    `json:"value_string,omitempty"`
	ValueWholeNumber  *int64     `json:"value_whole_number,omitempty"`
	ValueDecimal      *float64   `json:"value_decimal,omitempty"`
	ValueBoolean      *bool      `json:"value_boolean,omitempty"`
	ValueDateTime     *time.Time `json:"value_datetime,omitempty"`
	ValueGUID         *string    `json:"value_guid,omitempty"`
	ValueMoney        *float64   `json:"value_money,omitempty"`
	ValueOption       *int64     `json:"value_option,omitempty"`
	ValueLookupEntity *string    `json:"value_lookup_entity,omitempty"`
	ValueLookupID     *string    `json:"value_lookup_id,omitempty"`
}

// Record maps attribute names to dynamically-typed values. A key present
// with a nil value is distinct from an absent key.
type Record map[string]any

// DecideRequest asks for the client-scope state of target attributes after
// a trigger attribute changed to a new raw value.
type DecideRequest struct {
	Entity           string   `json:"entity"`
	TriggerAttribute string   `json:"trigger_attribute"`
	Value            string   `json:"value"`
	LookupEntity     string   `json:"lookup_entity,omitempty"`
	TargetAttributes []string `json:"target_attributes,omitempty"`
}

// ClientDetails is the form control state decided for one attribute.
type ClientDetails struct {
	Visible    bool `json:"visible"`
	Required   bool `json:"required"`
	NotAllowed bool `json:"not_allowed"`
}

// Decision is the client-scope outcome for one target attribute.
type Decision struct {
	Entity           string        `json:"entity"`
	Attribute        string        `json:"attribute"`
	TriggerAttribute string        `json:"trigger_attribute"`
	Client           ClientDetails `json:"client"`
}

// EnforceRequest carries one write to be checked against server-scope
// policy. PreImage is mandatory for updates.
type EnforceRequest struct {
	Operation string `json:"operation"` // "create" | "update"
	Entity    string `json:"entity"`
	Target    Record `json:"target"`
	PreImage  Record `json:"pre_image,omitempty"`
}

// Violation is one attribute-level policy breach found during enforcement.
type Violation struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Enforcement is the outcome of an EnforceWrite call.
type Enforcement struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
}

// SchemaAttribute declares the value type of entity.attribute on the host
// data platform.
type SchemaAttribute struct {
	Entity    string    `json:"entity"`
	Attribute string    `json:"attribute"`
	ValueType string    `json:"value_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleEvent is a real-time notification of a rule change.
type RuleEvent struct {
	Type    string // "update" | "delete"
	Rule    *Rule  // nil when the payload could not be decoded
	EventID int64
}

// FormControls maps a ClientDetails decision to the three states an editing
// surface applies to a bound field.
type FormControls struct {
	Hidden   bool
	Disabled bool
	Required bool
}

// Controls translates a decision into form control state. A hidden field is
// also disabled so stale input cannot be submitted.
func Controls(details ClientDetails) FormControls {
	return FormControls{
		Hidden:   !details.Visible,
		Disabled: details.NotAllowed || !details.Visible,
		Required: details.Required && details.Visible,
	}
}
