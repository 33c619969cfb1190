package core

import (
	"context"
	"fmt"
	"strings"
)

// A payment file carries exactly these columns, in order. Shorter rows are
// padded with NULLs; extra cells are dropped.
const pagosColumnCount = 18

// Position of fuente_origen within the file layout, for the filename
// backfill.
const fuenteOrigenIdx = 16

// stagedRow is one raw file row bound for pagos_staging.
type stagedRow struct {
	num   int
	cells []string
}

// LoadPayments runs the staged bulk load: tokenize, stage, validate
// critical data, reject duplicates, and merge into the destination with a
// single set-based statement. Any exit path drops the staging table.
func (s *Service) LoadPayments(ctx context.Context, kind DatasetKind, filename string, data []byte) (*LoadResult, error) {
	release, err := s.guard.acquire(kind.Table())
	if err != nil {
		return nil, err
	}
	defer release()

	rows, read, err := parsePagosFile(filename, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, InputRejectedf("El archivo no contiene filas de datos.")
	}

	if err := s.rebuildPagosStaging(ctx); err != nil {
		return nil, err
	}
	defer s.dropPagosStaging(ctx)

	if err := s.insertPagosStaging(ctx, rows); err != nil {
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos para cargar el archivo", err)
		}
		return nil, Infrastructure("No fue posible cargar el archivo al área temporal", err)
	}
	if err := s.validateCritical(ctx); err != nil {
		return nil, err
	}
	if err := s.rejectDuplicates(ctx, kind); err != nil {
		return nil, err
	}
	if err := s.mergePagos(ctx, kind); err != nil {
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos al consolidar el archivo", err)
		}
		return nil, Infrastructure("No fue posible consolidar el archivo en "+kind.Table(), err)
	}

	s.log.InfoContext(ctx, "carga de pagos completada",
		"tabla", kind.Table(), "archivo", filename, "filas_leidas", read, "filas_cargadas", len(rows))
	return &LoadResult{
		Kind:     kind,
		RowsRead: read,
		RowsKept: len(rows),
		Message:  "Archivo cargado correctamente a " + kind.Label(),
	}, nil
}

// parsePagosFile tokenizes the file into staged rows. The delimiter is
// autodetected from the first line; a header is recognized by the
// presence of the known column names. Row numbers count data rows only,
// 1-based, with the header and blank lines excluded, so validation
// examples line up with the row counts the operator sees in the result.
func parsePagosFile(filename string, data []byte) ([]stagedRow, int, error) {
	lines, err := ReadLines(data)
	if err != nil {
		return nil, 0, err
	}
	if len(lines) == 0 {
		return nil, 0, InputRejectedf("El archivo está vacío.")
	}
	sep := DetectDelimiter(lines[0])
	fuente := Truncate(strings.TrimSpace(filename), 100)

	var rows []stagedRow
	read := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := ParseLine(line, sep)
		if i == 0 && isPagosHeader(cells) {
			continue
		}
		if IsBlankRow(cells) {
			continue
		}
		read++
		cells = normalizeWidth(cells, pagosColumnCount)
		if cells[fuenteOrigenIdx] == "" {
			cells[fuenteOrigenIdx] = fuente
		}
		rows = append(rows, stagedRow{num: read, cells: cells})
	}
	return rows, read, nil
}

func isPagosHeader(cells []string) bool {
	for _, c := range cells {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "modalidad") || lc == "nit" {
			return true
		}
	}
	return false
}

// normalizeWidth pads or trims cells to exactly n entries.
func normalizeWidth(cells []string, n int) []string {
	out := make([]string, n)
	copy(out, cells)
	return out
}

func (s *Service) rebuildPagosStaging(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS "+stagingPagos); err != nil {
		return Infrastructure("No fue posible preparar el área temporal de carga", err)
	}
	if _, err := s.db.Exec(ctx, createPagosStagingSQL); err != nil {
		if IsInsufficientSpace(err) {
			return StorageExhausted("Espacio insuficiente en la base de datos para el área temporal", err)
		}
		return Infrastructure("No fue posible crear el área temporal de carga", err)
	}
	return nil
}

// dropPagosStaging is cleanup only; a failure here must never mask the
// pipeline's own outcome.
func (s *Service) dropPagosStaging(ctx context.Context) {
	if _, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS "+stagingPagos); err != nil {
		s.log.WarnContext(ctx, "no fue posible eliminar la tabla temporal", "tabla", stagingPagos, "error", err)
	}
}

func (s *Service) insertPagosStaging(ctx context.Context, rows []stagedRow) error {
	cols := "row_num, " + strings.Join(pagosStagingColumns, ", ")
	width := pagosColumnCount + 1
	batch := s.cfg.LoadBatchSize
	if batch <= 0 {
		batch = 100
	}
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		group := rows[start:end]
		args := make([]any, 0, len(group)*width)
		for _, r := range group {
			args = append(args, r.num)
			for _, c := range r.cells {
				args = append(args, ToPgText(c))
			}
		}
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", stagingPagos, cols, placeholders(len(group), width))
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

// criticalRule is one validation gate evaluated against the staging table.
// expr selects the offending raw value for the example list.
type criticalRule struct {
	label string
	where string
	expr  string
}

var criticalRules = []criticalRule{
	{
		label: "FECHA FACTURA inválida o vacía",
		where: "fecha_factura IS NULL OR carga_parse_fecha(fecha_factura) IS NULL",
		expr:  "coalesce(fecha_factura, '(vacío)')",
	},
	{
		label: "FECHA RADICACION inválida",
		where: "fecha_radicacion IS NOT NULL AND carga_parse_fecha(fecha_radicacion) IS NULL",
		expr:  "fecha_radicacion",
	},
	{
		label: "FECHA PAGO inválida o vacía",
		where: "feccha_pago IS NULL OR carga_parse_fecha_dmy(feccha_pago) IS NULL",
		expr:  "coalesce(feccha_pago, '(vacío)')",
	},
	{
		label: "ID vacío",
		where: "id IS NULL",
		expr:  "'(vacío)'",
	},
	{
		label: "NIT vacío",
		where: "nit IS NULL",
		expr:  "'(vacío)'",
	},
	{
		label: "VOUCHER vacío",
		where: "voucher IS NULL",
		expr:  "'(vacío)'",
	},
	{
		label: "VALOR FACTURA inválido",
		where: "valor_factura IS NOT NULL AND carga_parse_monto(valor_factura) IS NULL",
		expr:  "valor_factura",
	},
	{
		label: "VALOR PAGADO inválido",
		where: "valor_pagado IS NOT NULL AND carga_parse_monto(valor_pagado) IS NULL",
		expr:  "valor_pagado",
	},
}

// validateCritical screens the staged rows before anything touches the
// destination. Every failing rule is reported at once, with up to three
// example rows each, so the operator fixes the file in one pass.
func (s *Service) validateCritical(ctx context.Context) error {
	var problems []string
	for _, rule := range criticalRules {
		sql := fmt.Sprintf(
			"SELECT row_num, %s FROM %s WHERE %s ORDER BY row_num LIMIT 3",
			rule.expr, stagingPagos, rule.where)
		examples, err := s.collectExamples(ctx, sql)
		if err != nil {
			return Infrastructure("No fue posible validar el archivo", err)
		}
		if len(examples) > 0 {
			problems = append(problems, fmt.Sprintf("%s. Ejemplos: %s", rule.label, strings.Join(examples, ", ")))
		}
	}
	if len(problems) > 0 {
		return InputRejectedf("El archivo tiene datos críticos inválidos y no fue cargado. %s", strings.Join(problems, " | "))
	}
	return nil
}

func (s *Service) collectExamples(ctx context.Context, sql string) ([]string, error) {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var examples []string
	for rows.Next() {
		var num int
		var val string
		if err := rows.Scan(&num, &val); err != nil {
			return nil, err
		}
		examples = append(examples, fmt.Sprintf("fila %d: %s", num, val))
	}
	return examples, rows.Err()
}

// rejectDuplicates refuses the whole file when any staged row already
// exists in the destination, matched on modalidad, num_factura, and the
// payment date. Plain equality: a NULL key field never matches. The
// check is fail-closed: if it cannot run, the load does not proceed.
func (s *Service) rejectDuplicates(ctx context.Context, kind DatasetKind) error {
	sql := fmt.Sprintf(`
SELECT s.row_num, concat_ws(' / ', s.modalidad, s.num_factura, s.feccha_pago)
FROM %s s
JOIN %s p
  ON p.modalidad = s.modalidad
 AND p.num_factura = s.num_factura
 AND p.feccha_pago = carga_parse_fecha_dmy(s.feccha_pago)
ORDER BY s.row_num
LIMIT 5`, stagingPagos, kind.Table())
	examples, err := s.collectExamples(ctx, sql)
	if err != nil {
		return Infrastructure("No fue posible verificar duplicados; la carga fue cancelada", err)
	}
	if len(examples) > 0 {
		return InputRejectedf(
			"El archivo contiene registros que ya existen en %s y no fue cargado. Ejemplos (modalidad / factura / fecha pago): %s",
			kind.Table(), strings.Join(examples, ", "))
	}
	return nil
}

// mergePagos moves the staged rows into the destination in one statement.
// Normalization happens in-SQL so the merge is atomic: either every row
// lands converted or none do.
func (s *Service) mergePagos(ctx context.Context, kind DatasetKind) error {
	sql := fmt.Sprintf(`
INSERT INTO %s (
    id, modalidad, nit, nombre_prest, prefijo, no_fact, num_factura,
    fecha_factura, fecha_radicacion, mes_anio_radicacion,
    valor_factura, valor_pagado, porcentaje_pago,
    estado, voucher, feccha_pago, fuente_origen, observacion
)
SELECT
    id, modalidad, nit, nombre_prest, prefijo, no_fact, num_factura,
    carga_parse_fecha(fecha_factura),
    carga_parse_fecha(fecha_radicacion),
    mes_anio_radicacion,
    carga_parse_monto(valor_factura),
    carga_parse_monto(valor_pagado),
    carga_parse_porcentaje(porcentaje_pago),
    estado, voucher,
    carga_parse_fecha_dmy(feccha_pago),
    fuente_origen, observacion
FROM %s
ORDER BY row_num`, kind.Table(), stagingPagos)
	_, err := s.db.Exec(ctx, sql)
	return err
}
