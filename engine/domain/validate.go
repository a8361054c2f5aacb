package domain

import (
	"strconv"
	"strings"
)

// ValidateRecord checks a raw corpus record before it may enter an index.
// Every field is required and non-blank; the embedding is populated later by
// the index build, never by the corpus source.
func ValidateRecord(r Record) error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return &RequestError{Field: "id", Value: r.ID}
	case strings.TrimSpace(r.Title) == "":
		return &RequestError{Field: "title", Value: r.Title}
	case strings.TrimSpace(r.Content) == "":
		return &RequestError{Field: "content", Value: r.Content}
	case strings.TrimSpace(r.Category) == "":
		return &RequestError{Field: "category", Value: r.Category}
	}
	return nil
}

// ValidateQuery checks caller input to the answer pipeline.
func ValidateQuery(query string, k int) error {
	if strings.TrimSpace(query) == "" {
		return &RequestError{Field: "query", Value: query}
	}
	if k < 0 {
		return &RequestError{Field: "k", Value: strconv.Itoa(k)}
	}
	return nil
}
