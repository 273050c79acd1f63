package model

// SubscriptionSource identifies one input document. It is immutable once
// constructed and owned by the caller of the pipeline.
type SubscriptionSource struct {
	URL          string // http(s)://, file:// or a declared API scheme
	DeclaredType string // explicit parser id; empty means auto-detect
	Headers      map[string]string
	UserAgent    string
}
