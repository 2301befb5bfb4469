package policy

// QueryMetadata describes one aggregate statistics request. It is
// validated once at the boundary and treated as immutable afterwards.
type QueryMetadata struct {
	Operation  string                 `json:"operation"`
	Field      string                 `json:"field,omitempty"`
	SampleSize int                    `json:"sample_size"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	Epsilon    float64                `json:"epsilon,omitempty"`
}
