// Package tools is the Tool Registry: the in-memory catalogue of loadable
// tools (spec.md §6 "Tool definition contract"), refreshable from the flat
// on-disk tool directory.
package tools

import "context"

// ParamSpec describes one parameter of a tool's schema.
type ParamSpec struct {
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// SemanticTags are the optional tags Tool Discovery's semantic index uses
// to enrich a tool document beyond its name/description.
type SemanticTags struct {
	Domain   string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Concepts []string `yaml:"concepts,omitempty" json:"concepts,omitempty"`
	Actions  []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Synonyms []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// Metadata is a tool's introspection record: name, description, parameter
// schema, and semantic tags.
type Metadata struct {
	Name         string               `yaml:"name" json:"name"`
	Description  string               `yaml:"description" json:"description"`
	Parameters   map[string]ParamSpec `yaml:"parameters,omitempty" json:"parameters"`
	SemanticTags SemanticTags         `yaml:"semantic_tags,omitempty" json:"semantic_tags,omitempty"`
}

// Tool is the stable contract every loadable tool satisfies: safe to
// instantiate lazily, describable, callable.
type Tool interface {
	Describe() Metadata
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Document renders the tool's semantic-search document, the exact form
// Tool Discovery indexes: "<name> <description> <param>: <param desc> …".
func Document(m Metadata) string {
	doc := m.Name + " " + m.Description
	for name, spec := range m.Parameters {
		doc += " " + name + ": " + spec.Description
	}
	for _, c := range m.SemanticTags.Concepts {
		doc += " " + c
	}
	for _, a := range m.SemanticTags.Actions {
		doc += " " + a
	}
	for _, syn := range m.SemanticTags.Synonyms {
		doc += " " + syn
	}
	return doc
}
