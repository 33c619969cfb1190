package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/pagosyradicacion/carga/internal/config"
)

// Service runs the ingestion pipelines against a single database.
type Service struct {
	db     DBTX
	cfg    config.CargaConfig
	log    *slog.Logger
	schema *SchemaCache
	guard  *stagingGuard
}

func NewService(db DBTX, cfg config.CargaConfig, log *slog.Logger) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		log:    log,
		schema: NewSchemaCache(cfg.SchemaCacheTTL),
		guard:  newStagingGuard(),
	}
}

// stagingGuard serializes pipelines that rebuild a shared staging table.
// Two concurrent loads of the same dataset would otherwise drop each
// other's staging mid-flight. Waiting callers are rejected immediately
// instead of queued: a bulk load can take minutes and the operator should
// retry, not pile up.
type stagingGuard struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newStagingGuard() *stagingGuard {
	return &stagingGuard{busy: make(map[string]bool)}
}

// acquire reserves the named staging scope, returning a release func, or
// an error when another operation holds it.
func (g *stagingGuard) acquire(scope string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[scope] {
		return nil, InputRejectedf("Ya hay una carga de %s en curso. Intente de nuevo cuando termine.", scope)
	}
	g.busy[scope] = true
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.busy, scope)
	}, nil
}

// bestEffort runs a non-essential step (backup, audit). A failure caused
// by storage exhaustion is logged, recorded as an operator warning, and
// swallowed; any other failure propagates.
func (s *Service) bestEffort(ctx context.Context, step, warning string, warnings *[]string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if IsInsufficientSpace(err) {
		s.log.WarnContext(ctx, "paso omitido por falta de espacio", "step", step, "error", err)
		*warnings = append(*warnings, warning)
		return nil
	}
	return err
}

// quoteIdent quotes a column or table name discovered at runtime.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// placeholders renders the VALUES clause for a multi-row insert: rows
// groups of cols parameters, numbered from 1.
func placeholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}
