// Package domain defines the core types, validation, and error taxonomy for
// the question answering pipeline. It acts as the validation gate at
// pipeline entry points.
package domain

// Record is one corpus document. Fields are immutable once loaded; Embedding
// is populated exactly once at index build time and never recomputed.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// RankedResult pairs a record with its similarity to a query. Within one
// retrieval, results are ordered by Score descending with ties kept in
// corpus order.
type RankedResult struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// Answer is the outcome of one pipeline run. SupportingDocuments lists the
// records whose text was used to build the generation context, in retrieval
// order, and survives even when generation itself fails.
type Answer struct {
	Text                string   `json:"text"`
	SupportingDocuments []Record `json:"supporting_documents"`
}

// Roles accepted by generation gateways.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one turn of a generation prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
