package run

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
)

// MaxSourceRows caps each template source table so a template over a huge
// mart cannot pull the warehouse into memory.
const MaxSourceRows = 100

const (
	sourceOpen  = "{{"
	sourceClose = "}}"
)

// Renderer materializes an insight template. Each {{ ... }} block holds a
// SQL source query (usually against ${DATA_MART_TABLE}); the block is
// replaced with the JSON encoding of its bounded result table.
type Renderer struct {
	consumer *datamart.Consumer
}

// NewRenderer creates a Renderer.
func NewRenderer(consumer *datamart.Consumer) *Renderer {
	return &Renderer{consumer: consumer}
}

// Render returns the rendered template and the number of source queries it
// materialized. A failing source fails the whole render; partial output is
// never produced.
func (r *Renderer) Render(ctx context.Context, mart *domain.DataMart, template string) (string, int, error) {
	var (
		out     strings.Builder
		sources int
		rest    = template
	)
	for {
		open := strings.Index(rest, sourceOpen)
		if open < 0 {
			out.WriteString(rest)
			return out.String(), sources, nil
		}
		end := strings.Index(rest[open+len(sourceOpen):], sourceClose)
		if end < 0 {
			return "", 0, domain.ErrValidation("unterminated source block in template")
		}

		query := strings.TrimSpace(rest[open+len(sourceOpen) : open+len(sourceOpen)+end])
		if query == "" {
			return "", 0, domain.ErrValidation("empty source block in template")
		}

		table, err := r.consumer.ExecuteSQLToTable(ctx, mart, query, MaxSourceRows, MaxSourceRows)
		if err != nil {
			return "", 0, fmt.Errorf("materialize template source: %w", err)
		}
		encoded, err := json.Marshal(table)
		if err != nil {
			return "", 0, fmt.Errorf("encode template source: %w", err)
		}

		out.WriteString(rest[:open])
		out.Write(encoded)
		sources++
		rest = rest[open+len(sourceOpen)+end+len(sourceClose):]
	}
}
