// Package provenance records answered queries and their supporting documents
// in a Neo4j knowledge graph, so that answer lineage can be inspected later.
package provenance

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cortexqa/engine/engine/domain"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// sessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Recorder writes answer provenance to Neo4j.
type Recorder struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner // for testing
	now        func() time.Time
}

// New creates a Recorder on top of an open Neo4j driver.
func New(driver neo4j.DriverWithContext) *Recorder {
	return &Recorder{
		driver: driver,
		now:    time.Now,
	}
}

func (r *Recorder) session(ctx context.Context) runner {
	if r.newSession != nil {
		return r.newSession(ctx)
	}
	return &sessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// Record merges a Query node for the question and links it to a Document
// node per supporting document via ANSWERED_WITH edges.
func (r *Recorder) Record(ctx context.Context, query string, answer *domain.Answer) error {
	if answer == nil {
		return nil
	}
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := `MERGE (q:Query {text: $text})
		SET q.answered_at = $answered_at`
	if _, err := sess.Run(ctx, cypher, map[string]any{
		"text":        query,
		"answered_at": r.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("provenance: save query: %w", err)
	}

	for _, doc := range answer.SupportingDocuments {
		cypher := `MERGE (d:Document {id: $id})
			SET d.title = $title, d.category = $category
			WITH d
			MATCH (q:Query {text: $text})
			MERGE (q)-[:ANSWERED_WITH]->(d)`
		if _, err := sess.Run(ctx, cypher, map[string]any{
			"id":       doc.ID,
			"title":    doc.Title,
			"category": doc.Category,
			"text":     query,
		}); err != nil {
			return fmt.Errorf("provenance: link document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// DocumentsFor returns the IDs of documents previously linked to a query.
func (r *Recorder) DocumentsFor(ctx context.Context, query string) ([]string, error) {
	sess := r.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (q:Query {text: $text})-[:ANSWERED_WITH]->(d:Document)
		RETURN d.id AS id ORDER BY id`
	res, err := sess.Run(ctx, cypher, map[string]any{"text": query})
	if err != nil {
		return nil, fmt.Errorf("provenance: documents for query: %w", err)
	}

	var ids []string
	for res.Next(ctx) {
		if v, ok := res.Record().Get("id"); ok {
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
