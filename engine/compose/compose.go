// Package compose renders retrieved records into the bounded context block
// fed to the generation prompt. Composition is a pure function of its
// input, so identical retrievals produce identical prompts.
package compose

import (
	"fmt"
	"strings"

	"github.com/cortexqa/engine/engine/domain"
)

// Policy decides what happens when the rendered context would exceed the
// byte budget.
type Policy int

const (
	// PolicyDropTail drops the lowest-ranked trailing records that do not
	// fit whole within the budget. A record is never cut mid-text.
	PolicyDropTail Policy = iota
	// PolicyFail rejects the whole composition with ErrContextTooLarge.
	PolicyFail
)

// Options configures a Composer.
type Options struct {
	// Budget is the maximum size of the rendered context in bytes.
	// Zero means unbounded.
	Budget int
	Policy Policy
}

// Composer renders records into a context block.
type Composer struct {
	opts Options
}

// New creates a Composer.
func New(opts Options) *Composer {
	return &Composer{opts: opts}
}

const (
	recordTemplate = "ID: %s\nTitle: %s\nContent: %s"
	blockSeparator = "\n\n"
)

// Compose renders records in input order, one template block per record.
// It returns the rendered context together with the records whose text was
// actually included, so provenance can match the prompt exactly.
func (c *Composer) Compose(records []domain.Record) (string, []domain.Record, error) {
	var b strings.Builder
	included := make([]domain.Record, 0, len(records))

	for _, r := range records {
		block := fmt.Sprintf(recordTemplate, r.ID, r.Title, r.Content)
		next := len(block)
		if b.Len() > 0 {
			next += len(blockSeparator)
		}
		if c.opts.Budget > 0 && b.Len()+next > c.opts.Budget {
			if c.opts.Policy == PolicyFail {
				return "", nil, fmt.Errorf("compose: %d records need more than %d bytes: %w",
					len(records), c.opts.Budget, domain.ErrContextTooLarge)
			}
			// PolicyDropTail: everything from here down ranks lower than
			// what already fit, so stop rather than skip ahead.
			break
		}
		if b.Len() > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(block)
		included = append(included, r)
	}

	return b.String(), included, nil
}
