package core

import (
	"context"
	"fmt"
	"strings"
)

// The trace report export is fixed at these seven columns, in order.
var trazaExpectedHeader = []string{
	"identificacion", "nombre", "voucher", "id_pago",
	"fecha_pago", "valor_pagado", "valor_causado",
}

// Alias map from normalized header cells to canonical column names. The
// report tool has renamed its columns more than once.
var trazaHeaderAliases = map[string]string{
	"identificacion":        "identificacion",
	"no identificacion":     "identificacion",
	"numero identificacion": "identificacion",
	"nombre":                "nombre",
	"nombres":               "nombre",
	"voucher":               "voucher",
	"comprobante":           "voucher",
	"fecha pago":            "fecha_pago",
	"fecha de pago":         "fecha_pago",
	"valor causado":         "valor_causado",
	"vr causado":            "valor_causado",
	"valor pagado":          "valor_pagado",
	"vr pagado":             "valor_pagado",
	"id pago":               "id_pago",
	"id del pago":           "id_pago",
}

// LoadTraza replaces pagos_traza from a payment-trace report export. The
// report is always semicolon-delimited; the header is validated
// positionally against the expected layout after alias normalization.
// Staged rows are scoped by source filename so a failed run never
// contaminates a later one.
func (s *Service) LoadTraza(ctx context.Context, filename string, data []byte) (*TrazaResult, error) {
	source := Truncate(strings.TrimSpace(filename), 120)
	if source == "" {
		return nil, InputRejectedf("El archivo no tiene nombre; no es posible identificar la fuente de la traza.")
	}
	release, err := s.guard.acquire(stagingTraza)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := parseTrazaFile(data)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(ctx, createTrazaStagingSQL); err != nil {
		return nil, Infrastructure("No fue posible preparar el área temporal de traza", err)
	}
	s.deleteTrazaSource(ctx, source)
	defer s.deleteTrazaSource(ctx, source)

	if err := s.insertTrazaStaging(ctx, source, rows); err != nil {
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos para cargar la traza", err)
		}
		return nil, Infrastructure("No fue posible cargar la traza al área temporal", err)
	}

	replaced, err := s.replaceTrazaFinal(ctx, source)
	if err != nil {
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos al reemplazar "+tableTraza, err)
		}
		return nil, Infrastructure("No fue posible reemplazar "+tableTraza, err)
	}

	s.log.InfoContext(ctx, "traza de pagos reemplazada",
		"archivo", source, "filas_staging", len(rows), "filas_finales", replaced)
	return &TrazaResult{
		Source:   source,
		Staged:   len(rows),
		Replaced: replaced,
		Message:  fmt.Sprintf("Traza de pagos reemplazada desde %s. Registros cargados: %d.", source, replaced),
	}, nil
}

func parseTrazaFile(data []byte) ([]stagedRow, error) {
	lines, err := ReadLines(data)
	if err != nil {
		return nil, err
	}
	headerLine := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			headerLine = i
			break
		}
	}
	if headerLine < 0 {
		return nil, InputRejectedf("El archivo está vacío.")
	}
	header := ParseLine(lines[headerLine], ';')
	if err := validateTrazaHeader(header); err != nil {
		return nil, err
	}

	var rows []stagedRow
	for i := headerLine + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		cells := ParseLine(lines[i], ';')
		if IsBlankRow(cells) {
			continue
		}
		rows = append(rows, stagedRow{num: len(rows) + 1, cells: normalizeWidth(cells, len(trazaExpectedHeader))})
	}
	if len(rows) == 0 {
		return nil, InputRejectedf("El archivo no contiene filas de datos.")
	}
	return rows, nil
}

// validateTrazaHeader checks the aliased header cells positionally against
// the expected layout, reporting every mismatch at once.
func validateTrazaHeader(header []string) error {
	if len(header) < len(trazaExpectedHeader) {
		return InputRejectedf(
			"El encabezado tiene %d columnas y se esperaban %d: %s.",
			len(header), len(trazaExpectedHeader), strings.Join(trazaExpectedHeader, ", "))
	}
	var problems []string
	for i, want := range trazaExpectedHeader {
		got := NormalizeHeader(header[i])
		if canonical, ok := trazaHeaderAliases[got]; ok {
			got = canonical
		}
		if got != want {
			problems = append(problems, fmt.Sprintf("columna %d: se esperaba %q y llegó %q", i+1, want, header[i]))
		}
	}
	if len(problems) > 0 {
		return InputRejectedf("El encabezado no corresponde al reporte de traza. %s", strings.Join(problems, " | "))
	}
	return nil
}

// deleteTrazaSource clears this source's staged rows. Runs before the load
// (stale leftovers from a failed run) and after (cleanup); failures are
// logged and swallowed.
func (s *Service) deleteTrazaSource(ctx context.Context, source string) {
	if _, err := s.db.Exec(ctx, "DELETE FROM "+stagingTraza+" WHERE fuente_archivo = $1", source); err != nil {
		s.log.WarnContext(ctx, "no fue posible limpiar la traza temporal", "fuente", source, "error", err)
	}
}

func (s *Service) insertTrazaStaging(ctx context.Context, source string, rows []stagedRow) error {
	cols := "row_num, fuente_archivo, " + strings.Join(trazaExpectedHeader, ", ")
	width := len(trazaExpectedHeader) + 2
	batch := s.cfg.LoadBatchSize
	if batch <= 0 {
		batch = 100
	}
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		group := rows[start:end]
		args := make([]any, 0, len(group)*width)
		for _, r := range group {
			args = append(args, r.num, source)
			for _, c := range r.cells {
				args = append(args, ToPgText(c))
			}
		}
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", stagingTraza, cols, placeholders(len(group), width))
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

// replaceTrazaFinal empties pagos_traza and refills it from this source's
// staged rows with in-database normalization. The payment date accepts the
// spreadsheet serial form; a voucher that is really a number (possibly
// with a trailing ".0" from a spreadsheet round-trip) is reduced to its
// bare integer digits. In this report a comma is always thousands
// grouping, so it is stripped before the amounts are parsed.
func (s *Service) replaceTrazaFinal(ctx context.Context, source string) (int64, error) {
	if err := s.clearTable(ctx, tableTraza); err != nil {
		return 0, err
	}
	sql := fmt.Sprintf(`
INSERT INTO %s (identificacion, nombre, voucher, fecha_pago, valor_causado, valor_pagado, id_pago, fuente_archivo, fecha_carga)
SELECT
    LEFT(identificacion, 20),
    LEFT(nombre, 100),
    LEFT(CASE WHEN btrim(coalesce(voucher, '')) ~ '^\d+(\.0*)?$'
              THEN trunc(btrim(voucher)::numeric)::bigint::text
              ELSE voucher END, 50),
    carga_parse_fecha_serial(fecha_pago),
    carga_parse_monto(replace(valor_causado, ',', '')),
    carga_parse_monto(replace(valor_pagado, ',', '')),
    LEFT(id_pago, 50),
    fuente_archivo,
    fecha_carga
FROM %s
WHERE fuente_archivo = $1
ORDER BY row_num`, tableTraza, stagingTraza)
	tag, err := s.db.Exec(ctx, sql, source)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
