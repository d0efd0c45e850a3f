package domain

// Data source kinds a step may reference.
const (
	DataSourceKnowledge = "knowledge"
	DataSourceTable     = "table"
)

// DataRef points a step at supplementary data.
type DataRef struct {
	Source string   `json:"source" yaml:"source"`
	Keys   []string `json:"keys" yaml:"keys"`
}

// Step is an immutable unit of a flow.
type Step struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Data    *DataRef `json:"data,omitempty"`
}

// FlowState is the persisted flow descriptor: the intent and the full step list
// as they were when the flow started.
type FlowState struct {
	Intent string `json:"intent"`
	Steps  []Step `json:"steps"`
}
