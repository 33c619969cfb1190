package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgxpool.Pool the engine needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, and tests substitute scripted fakes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DatasetKind selects the destination table family for a payment load or
// correction.
type DatasetKind string

const (
	DatasetPagos  DatasetKind = "pagos"
	DatasetCapita DatasetKind = "capita"
)

// ParseDatasetKind maps the operator-supplied tipo value to a DatasetKind.
// Unrecognized values are rejected so a typo never lands rows in the wrong
// table.
func ParseDatasetKind(tipo string) (DatasetKind, error) {
	switch strings.ToLower(strings.TrimSpace(tipo)) {
	case "pagos", "":
		return DatasetPagos, nil
	case "capita", "pagos_capita", "pagoscapita":
		return DatasetCapita, nil
	}
	return "", InputRejectedf("Tipo de carga no reconocido: %q. Use 'pagos' o 'capita'.", tipo)
}

// Table returns the destination table for the kind.
func (k DatasetKind) Table() string {
	if k == DatasetCapita {
		return "pagos_capita"
	}
	return "pagos"
}

// Label is the operator-facing name used in result messages.
func (k DatasetKind) Label() string {
	if k == DatasetCapita {
		return "Pagos Cápita"
	}
	return "Pagos"
}

// LoadResult reports a completed staged payment load.
type LoadResult struct {
	Kind      DatasetKind
	RowsRead  int
	RowsKept  int
	Message   string
}

// CorrectionResult reports a completed payment correction, including the
// degraded streaming path.
type CorrectionResult struct {
	Kind       DatasetKind
	LoteID     string
	TotalLines int
	Loaded     int
	SinIDFomag int
	Duplicates int
	Updated    int64
	NotFound   int64
	// NotFoundExamples holds up to three business keys with no
	// destination match, for the operator-facing message.
	NotFoundExamples []string
	Degraded         bool
	Warnings         []string
}

// Message renders the operator-facing summary in the fixed format the
// downstream tooling scrapes.
func (r *CorrectionResult) Message() string {
	var b strings.Builder
	if r.Degraded {
		b.WriteString("Archivo procesado (streaming).")
	} else {
		b.WriteString("Archivo procesado.")
	}
	fmt.Fprintf(&b, " Total lineas leidas: %d. Cargadas: %d. Sin id_fomag: %d. Duplicados en archivo: %d. Actualizadas: %d. No encontradas en %s: %d.",
		r.TotalLines, r.Loaded, r.SinIDFomag, r.Duplicates, r.Updated, r.Kind.Table(), r.NotFound)
	if len(r.NotFoundExamples) > 0 {
		fmt.Fprintf(&b, " Ejemplos no encontrados: [%s].", strings.Join(r.NotFoundExamples, ", "))
	}
	for _, w := range r.Warnings {
		b.WriteString(" ")
		b.WriteString(w)
	}
	return b.String()
}

// ReplaceResult reports a completed capitation full replace.
type ReplaceResult struct {
	Staged   int
	Replaced int64
	Message  string
}

// TrazaResult reports a completed payment-trace replace load.
type TrazaResult struct {
	Source   string
	Staged   int
	Replaced int64
	Message  string
}

// correctionRow is one normalized row bound for the correction staging
// table. Dates are parsed client-side; amounts stay text and are
// normalized in-database during the set-based update.
type correctionRow struct {
	IDFomag         string
	Modalidad       pgtype.Text
	NIT             pgtype.Text
	NombrePrest     pgtype.Text
	Prefijo         pgtype.Text
	NoFact          pgtype.Text
	NumFactura      pgtype.Text
	FechaFactura    pgtype.Date
	FechaRadicacion pgtype.Date
	MesAnio         pgtype.Text
	ValorFactura    pgtype.Text
	ValorPagado     pgtype.Text
	Porcentaje      pgtype.Text
	Estado          pgtype.Text
	Voucher         pgtype.Text
	FechaPago       pgtype.Date
	FuenteOrigen    pgtype.Text
	Observacion     pgtype.Text
}
