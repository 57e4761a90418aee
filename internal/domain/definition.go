package domain

import (
	"encoding/json"
	"fmt"
)

// Definition describes how a data mart's data is sourced. It is a closed sum
// type: the variants below are the only implementations, and every dispatch
// site type-switches over all of them with DefinitionUnavailableError as the
// default. Adding a variant forces each site to handle it.
type Definition interface {
	isDefinition()
	// Kind returns the wire discriminator for the variant.
	Kind() DefinitionKind
}

// DefinitionKind is the JSON discriminator for Definition variants.
type DefinitionKind string

// Definition variant discriminators.
const (
	DefinitionKindTable        DefinitionKind = "table"
	DefinitionKindView         DefinitionKind = "view"
	DefinitionKindTablePattern DefinitionKind = "table-pattern"
	DefinitionKindConnector    DefinitionKind = "connector"
	DefinitionKindSQL          DefinitionKind = "sql"
)

// TableDefinition points at an existing warehouse table.
type TableDefinition struct {
	FullyQualifiedName string `json:"fullyQualifiedName"`
}

// ViewDefinition points at an existing warehouse view.
type ViewDefinition struct {
	FullyQualifiedName string `json:"fullyQualifiedName"`
}

// TablePatternDefinition carries a wildcard table pattern. Some backends
// accept wildcarded table references directly; the pattern is passed through
// verbatim.
type TablePatternDefinition struct {
	Pattern string `json:"pattern"`
}

// ConnectorDefinition points at the output table a connector sync writes to.
type ConnectorDefinition struct {
	ConnectorName             string `json:"connectorName,omitempty"`
	StorageFullyQualifiedName string `json:"storageFullyQualifiedName"`
}

// SQLDefinition carries a SQL query; the mart is materialized on demand as a
// view derived from the mart id.
type SQLDefinition struct {
	Query string `json:"query"`
}

func (TableDefinition) isDefinition()        {}
func (ViewDefinition) isDefinition()         {}
func (TablePatternDefinition) isDefinition() {}
func (ConnectorDefinition) isDefinition()    {}
func (SQLDefinition) isDefinition()          {}

// Kind implements Definition.
func (TableDefinition) Kind() DefinitionKind { return DefinitionKindTable }

// Kind implements Definition.
func (ViewDefinition) Kind() DefinitionKind { return DefinitionKindView }

// Kind implements Definition.
func (TablePatternDefinition) Kind() DefinitionKind { return DefinitionKindTablePattern }

// Kind implements Definition.
func (ConnectorDefinition) Kind() DefinitionKind { return DefinitionKindConnector }

// Kind implements Definition.
func (SQLDefinition) Kind() DefinitionKind { return DefinitionKindSQL }

type definitionEnvelope struct {
	Type    DefinitionKind  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalDefinition encodes a definition with its type discriminator.
func MarshalDefinition(d Definition) ([]byte, error) {
	if d == nil {
		return nil, ErrValidation("definition is required")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal definition payload: %w", err)
	}
	return json.Marshal(definitionEnvelope{Type: d.Kind(), Payload: payload})
}

// UnmarshalDefinition decodes a discriminated definition. Unknown or missing
// discriminators are an error, never a silent default.
func UnmarshalDefinition(data []byte) (Definition, error) {
	var env definitionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode definition envelope: %w", err)
	}

	var (
		def Definition
		err error
	)
	switch env.Type {
	case DefinitionKindTable:
		var d TableDefinition
		err = json.Unmarshal(env.Payload, &d)
		def = d
	case DefinitionKindView:
		var d ViewDefinition
		err = json.Unmarshal(env.Payload, &d)
		def = d
	case DefinitionKindTablePattern:
		var d TablePatternDefinition
		err = json.Unmarshal(env.Payload, &d)
		def = d
	case DefinitionKindConnector:
		var d ConnectorDefinition
		err = json.Unmarshal(env.Payload, &d)
		def = d
	case DefinitionKindSQL:
		var d SQLDefinition
		err = json.Unmarshal(env.Payload, &d)
		def = d
	default:
		return nil, fmt.Errorf("unknown definition type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s definition: %w", env.Type, err)
	}
	return def, nil
}
