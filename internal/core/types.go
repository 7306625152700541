package core

import (
	"time"

	"github.com/google/uuid"
)

// PolicyKind is the decision dimension a rule writes to.
type PolicyKind string

const (
	KindVisible    PolicyKind = "visible"
	KindRequired   PolicyKind = "required"
	KindNotAllowed PolicyKind = "not_allowed"
)

// Scope declares where a rule's effect applies: the trusted write boundary,
// the interactive editing surface, or both.
type Scope string

const (
	ScopeServerOnly Scope = "server"
	ScopeClientOnly Scope = "client"
	ScopeBoth       Scope = "both"
)

// Operator is the comparison a condition applies to the trigger attribute.
type Operator string

const (
	OperatorEquals    Operator = "equals"
	OperatorNotEquals Operator = "not_equals"
	OperatorIsNull    Operator = "is_null"
	OperatorIsNotNull Operator = "is_not_null"
)

// ValueType is the declared type of a condition's comparison value.
type ValueType string

const (
	TypeString      ValueType = "string"
	TypeWholeNumber ValueType = "whole_number"
	TypeDecimal     ValueType = "decimal"
	TypeBoolean     ValueType = "boolean"
	TypeDateTime    ValueType = "datetime"
	TypeGUID        ValueType = "guid"
	TypeMoney       ValueType = "money"
	TypeOption      ValueType = "option"
	TypeLookup      ValueType = "lookup"
)

// Money is a currency amount. Only the amount takes part in comparisons.
type Money struct {
	Amount float64 `json:"amount"`
}

// Reference is a typed pointer to a record of another entity.
type Reference struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// Rule governs one attribute of one entity. Conditions inspect the trigger
// attribute, which may differ from the governed target attribute. Result is
// optional: a matching rule with a nil result leaves the current value of
// its dimension untouched.
type Rule struct {
	ID               uuid.UUID  `json:"id"`
	Entity           string     `json:"entity"`
	TargetAttribute  string     `json:"target_attribute"`
	TriggerAttribute string     `json:"trigger_attribute"`
	Kind             PolicyKind `json:"kind"`
	Scope            Scope      `json:"scope"`
	Sequence         int        `json:"sequence"`
	Result           *bool      `json:"result,omitempty"`
}

// Condition is a single typed comparison against the trigger attribute's
// runtime value. Exactly one value field is populated, matching ValueType.
// The IsNull and IsNotNull operators carry no value.
type Condition struct {
	ID        uuid.UUID `json:"id"`
	RuleID    uuid.UUID `json:"rule_id"`
	Sequence  int       `json:"sequence"`
	Operator  Operator  `json:"operator"`
	ValueType ValueType `json:"value_type,omitempty"`

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
// with a nil value is distinct from an absent key: null satisfies IsNull,
// absence satisfies nothing.
type Record map[string]any

// Get reports the value for name and whether the attribute is present.
func (r Record) Get(name string) (any, bool) {
	value, ok := r[name]
	return value, ok
}

// ServerDetails is the decision at the trusted write boundary.
type ServerDetails struct {
	Required   bool `json:"required"`
	NotAllowed bool `json:"not_allowed"`
}

// ClientDetails is the decision for the interactive editing surface.
type ClientDetails struct {
	Visible    bool `json:"visible"`
	Required   bool `json:"required"`
	NotAllowed bool `json:"not_allowed"`
}

// Decision is the combined outcome for one governed attribute on one
// evaluation call.
type Decision struct {
	Server ServerDetails `json:"server"`
	Client ClientDetails `json:"client"`
}

// NewDecision returns the default decision: nothing required, nothing
// blocked, attribute visible on the client.
func NewDecision() Decision {
	return Decision{
		Client: ClientDetails{Visible: true},
	}
}
