package model

// PipelineResult is the terminal value of one pipeline run.
//
// Success is true iff the run reached export (or server listing) without a
// fatal error; in tolerant mode Errors may be non-empty even when Success is
// true (partial success with dropped records).
type PipelineResult struct {
	Servers []Server        `json:"servers,omitempty"`
	Config  []byte          `json:"config,omitempty"`
	Errors  []PipelineError `json:"errors,omitempty"`
	Success bool            `json:"success"`
}
