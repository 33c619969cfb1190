package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Correction files repeat the payment layout and append the business key
// as a 19th column.
const correctionColumnCount = pagosColumnCount + 1

// Columns sampled by the decimal-format pre-scan: valor_factura and
// valor_pagado.
var preScanMoneyIdx = []int{10, 11}

const preScanSampleRows = 5

// CorrectPayments applies a correction file to committed rows matched by
// id_fomag. The staged path batches rows into a lot-scoped staging table,
// takes a best-effort backup and change audit, and updates in one
// set-based statement. When the database reports storage exhaustion on the
// staged path, the pipeline degrades to row-by-row streaming updates that
// need no staging space.
func (s *Service) CorrectPayments(ctx context.Context, kind DatasetKind, filename, usuario string, data []byte) (*CorrectionResult, error) {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls") {
		return nil, InputRejectedf("El archivo debe ser CSV. Guarde el libro de Excel como CSV (delimitado) y vuelva a intentarlo.")
	}
	release, err := s.guard.acquire(stagingCorreccion + ":" + kind.Table())
	if err != nil {
		return nil, err
	}
	defer release()

	rows, res, err := parseCorrectionFile(kind, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, InputRejectedf("El archivo no contiene filas con id_fomag; no hay nada que actualizar.")
	}

	stagedErr := s.correctStaged(ctx, kind, usuario, rows, res)
	if stagedErr == nil {
		s.logCorrection(ctx, res, filename)
		return res, nil
	}
	if !IsInsufficientSpace(stagedErr) {
		return nil, stagedErr
	}

	// Not enough disk for the staging table itself. Stream the updates
	// one row at a time instead; each carries only bind parameters.
	s.log.WarnContext(ctx, "sin espacio para corrección por lotes, degradando a streaming",
		"archivo", filename, "error", stagedErr)
	if err := s.correctStreaming(ctx, kind, rows, res); err != nil {
		return nil, err
	}
	res.Degraded = true
	s.logCorrection(ctx, res, filename)
	return res, nil
}

func (s *Service) logCorrection(ctx context.Context, res *CorrectionResult, filename string) {
	s.log.InfoContext(ctx, "corrección de pagos completada",
		"tabla", res.Kind.Table(), "archivo", filename, "lote", res.LoteID,
		"leidas", res.TotalLines, "cargadas", res.Loaded, "actualizadas", res.Updated,
		"no_encontradas", res.NotFound, "streaming", res.Degraded)
}

// parseCorrectionFile tokenizes and normalizes the file into correction
// rows, filling the result's read/skip/duplicate counters as it goes.
func parseCorrectionFile(kind DatasetKind, data []byte) ([]correctionRow, *CorrectionResult, error) {
	lines, err := ReadLines(data)
	if err != nil {
		return nil, nil, err
	}
	if len(lines) == 0 {
		return nil, nil, InputRejectedf("El archivo está vacío.")
	}
	sep := DetectDelimiter(lines[0])

	var dataRows [][]string
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := ParseLine(line, sep)
		if i == 0 && isCorrectionHeader(cells) {
			continue
		}
		if IsBlankRow(cells) {
			continue
		}
		dataRows = append(dataRows, cells)
	}
	if err := preScanDecimalFormat(dataRows); err != nil {
		return nil, nil, err
	}

	res := &CorrectionResult{Kind: kind, LoteID: uuid.NewString()}
	seen := make(map[string]int)
	var rows []correctionRow
	for _, cells := range dataRows {
		res.TotalLines++
		if len(cells) < correctionColumnCount || cells[correctionColumnCount-1] == "" {
			res.SinIDFomag++
			continue
		}
		key := cells[correctionColumnCount-1]
		seen[key]++
		rows = append(rows, newCorrectionRow(cells, key))
		res.Loaded++
	}
	// Duplicates counts keys that repeat, not the extra occurrences: a
	// key appearing three times is one duplicate.
	for _, n := range seen {
		if n > 1 {
			res.Duplicates++
		}
	}
	return rows, res, nil
}

func isCorrectionHeader(cells []string) bool {
	for _, c := range cells {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "modalidad") || strings.Contains(lc, "id_fomag") || strings.Contains(lc, "id fomag") {
			return true
		}
	}
	return false
}

// preScanDecimalFormat samples the monetary columns of the first few data
// rows. A dot used as decimal separator means the export already lost its
// thousands grouping once; pushing such a file through the comma-decimal
// correction flow would scale amounts silently, so the file is rejected
// with a re-export instruction instead.
func preScanDecimalFormat(dataRows [][]string) error {
	for i, cells := range dataRows {
		if i >= preScanSampleRows {
			break
		}
		for _, idx := range preScanMoneyIdx {
			cell := pickDigitCell(cells, idx)
			if UsesDotAsDecimal(cell) {
				return InputRejectedf(
					"El archivo usa punto como separador decimal en los valores (ej. %q). Exporte el archivo con coma decimal y punto de miles, y vuelva a intentarlo.", cell)
			}
		}
	}
	return nil
}

// pickDigitCell returns the first digit-bearing cell at idx, idx+1, or
// idx+2, tolerating the one-or-two column drift some exports introduce
// around the monetary block.
func pickDigitCell(cells []string, idx int) string {
	for i := idx; i < idx+3 && i < len(cells); i++ {
		if HasDigit(cells[i]) {
			return cells[i]
		}
	}
	if idx < len(cells) {
		return cells[idx]
	}
	return ""
}

// Widths mirror the destination schema; the set-based update applies the
// same LEFT() guards.
func newCorrectionRow(cells []string, key string) correctionRow {
	c := normalizeWidth(cells, correctionColumnCount)
	return correctionRow{
		IDFomag:         Truncate(key, 50),
		Modalidad:       ToPgText(Truncate(c[1], 50)),
		NIT:             ToPgText(Truncate(c[2], 50)),
		NombrePrest:     ToPgText(Truncate(c[3], 255)),
		Prefijo:         ToPgText(Truncate(c[4], 50)),
		NoFact:          ToPgText(Truncate(c[5], 50)),
		NumFactura:      ToPgText(Truncate(c[6], 50)),
		FechaFactura:    ParseFecha(c[7]),
		FechaRadicacion: ParseFecha(c[8]),
		MesAnio:         ToPgText(Truncate(c[9], 20)),
		ValorFactura:    ToPgText(Truncate(pickDigitCell(c, 10), 50)),
		ValorPagado:     ToPgText(Truncate(pickDigitCell(c, 11), 50)),
		Porcentaje:      ToPgText(Truncate(pickDigitCell(c, 12), 50)),
		Estado:          ToPgText(Truncate(c[13], 50)),
		Voucher:         ToPgText(Truncate(c[14], 50)),
		FechaPago:       ParseFecha(c[15]),
		FuenteOrigen:    ToPgText(Truncate(c[16], 100)),
		Observacion:     ToPgText(Truncate(c[17], 255)),
	}
}

var correctionTmpColumns = []string{
	"lote_id", "id_fomag", "modalidad", "nit", "nombre_prest", "prefijo",
	"no_fact", "num_factura", "fecha_factura", "fecha_radicacion",
	"mes_anio_radicacion", "valor_factura", "valor_pagado", "porcentaje_pago",
	"estado", "voucher", "feccha_pago", "fuente_origen", "observacion",
}

func (r correctionRow) args(lote string) []any {
	return []any{
		lote, r.IDFomag, r.Modalidad, r.NIT, r.NombrePrest, r.Prefijo,
		r.NoFact, r.NumFactura, r.FechaFactura, r.FechaRadicacion,
		r.MesAnio, r.ValorFactura, r.ValorPagado, r.Porcentaje,
		r.Estado, r.Voucher, r.FechaPago, r.FuenteOrigen, r.Observacion,
	}
}

// correctStaged runs the batched path. Errors caused by storage
// exhaustion bubble up unclassified so the caller can decide to degrade;
// everything else comes back wrapped.
func (s *Service) correctStaged(ctx context.Context, kind DatasetKind, usuario string, rows []correctionRow, res *CorrectionResult) error {
	if err := s.ensureCorrectionObjects(ctx); err != nil {
		return err
	}
	defer s.dropLot(ctx, res.LoteID)

	if err := s.insertCorrectionTmp(ctx, res.LoteID, rows); err != nil {
		if IsInsufficientSpace(err) {
			return err
		}
		return Infrastructure("No fue posible cargar el archivo de corrección al área temporal", err)
	}

	err := s.bestEffort(ctx, "respaldo", "Advertencia: no fue posible respaldar los registros por falta de espacio.", &res.Warnings, func() error {
		return s.backupMatched(ctx, kind, res.LoteID, usuario)
	})
	if err != nil {
		return Infrastructure("No fue posible respaldar los registros a actualizar", err)
	}
	err = s.bestEffort(ctx, "auditoria", "Advertencia: no fue posible registrar la auditoría de cambios por falta de espacio.", &res.Warnings, func() error {
		return s.auditChanges(ctx, kind, res.LoteID)
	})
	if err != nil {
		return Infrastructure("No fue posible registrar la auditoría de cambios", err)
	}

	updated, err := s.applyCorrection(ctx, kind, res.LoteID)
	if err != nil {
		if IsInsufficientSpace(err) {
			return err
		}
		return Infrastructure("No fue posible aplicar la corrección en "+kind.Table(), err)
	}
	res.Updated = updated

	notFound, examples, err := s.countNotFound(ctx, kind, res.LoteID)
	if err != nil {
		return Infrastructure("No fue posible calcular los registros no encontrados", err)
	}
	res.NotFound = notFound
	res.NotFoundExamples = examples

	if updated == 0 && res.Loaded > 0 {
		return InputRejectedf(
			"Ningún registro del archivo existe en %s; no se actualizó nada. Ejemplos de id_fomag no encontrados: [%s]",
			kind.Table(), strings.Join(examples, ", "))
	}
	return nil
}

func (s *Service) ensureCorrectionObjects(ctx context.Context) error {
	for _, sql := range []string{createRespaldoSQL, createLogCorreccionSQL, createCorreccionTmpSQL, createCorreccionTmpIndexSQL} {
		if _, err := s.db.Exec(ctx, sql); err != nil {
			if IsInsufficientSpace(err) {
				return err
			}
			return Infrastructure("No fue posible preparar las tablas auxiliares de corrección", err)
		}
	}
	return nil
}

// dropLot removes this lot's staged rows. Cleanup only; failures are
// logged and swallowed.
func (s *Service) dropLot(ctx context.Context, lote string) {
	if _, err := s.db.Exec(ctx, "DELETE FROM "+stagingCorreccion+" WHERE lote_id = $1", lote); err != nil {
		s.log.WarnContext(ctx, "no fue posible limpiar el lote temporal", "lote", lote, "error", err)
	}
}

func (s *Service) insertCorrectionTmp(ctx context.Context, lote string, rows []correctionRow) error {
	batch := s.cfg.CorrectionBatchSize
	if batch <= 0 {
		batch = 200
	}
	width := len(correctionTmpColumns)
	cols := strings.Join(correctionTmpColumns, ", ")
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		group := rows[start:end]
		args := make([]any, 0, len(group)*width)
		for _, r := range group {
			args = append(args, r.args(lote)...)
		}
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", stagingCorreccion, cols, placeholders(len(group), width))
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

// backupMatched snapshots every destination row this lot will touch into
// the append-only backup table as a JSON image of the full row.
func (s *Service) backupMatched(ctx context.Context, kind DatasetKind, lote, usuario string) error {
	sql := fmt.Sprintf(`
INSERT INTO %s (lote_id, tabla_origen, usuario, fila)
SELECT $1, $2, $3, to_jsonb(p)
FROM %s p
WHERE EXISTS (
    SELECT 1 FROM %s t
    WHERE t.lote_id = $1 AND btrim(t.id_fomag) = btrim(p.id_fomag::text)
)`, tableRespaldo, kind.Table(), stagingCorreccion)
	_, err := s.db.Exec(ctx, sql, lote, kind.Table(), ToPgText(Truncate(usuario, 100)))
	return err
}

// auditChanges records, per matched business key, the names of the fields
// whose destination value differs from the staged value. Comparison is
// exact; a staged NULL against a destination value counts as a change for
// text fields because the update will overwrite it.
func (s *Service) auditChanges(ctx context.Context, kind DatasetKind, lote string) error {
	sql := fmt.Sprintf(`
INSERT INTO %s (lote_id, tabla_origen, id_fomag, campos_modificados)
SELECT $1, $2, t.id_fomag,
    concat_ws(', ',
        CASE WHEN p.modalidad   IS DISTINCT FROM t.modalidad   THEN 'modalidad' END,
        CASE WHEN p.nit         IS DISTINCT FROM t.nit         THEN 'nit' END,
        CASE WHEN p.nombre_prest IS DISTINCT FROM t.nombre_prest THEN 'nombre_prest' END,
        CASE WHEN p.num_factura IS DISTINCT FROM t.num_factura THEN 'num_factura' END,
        CASE WHEN p.estado      IS DISTINCT FROM t.estado      THEN 'estado' END,
        CASE WHEN p.voucher     IS DISTINCT FROM t.voucher     THEN 'voucher' END,
        CASE WHEN t.fecha_factura IS NOT NULL AND p.fecha_factura IS DISTINCT FROM t.fecha_factura THEN 'fecha_factura' END,
        CASE WHEN t.feccha_pago   IS NOT NULL AND p.feccha_pago   IS DISTINCT FROM t.feccha_pago   THEN 'feccha_pago' END,
        CASE WHEN t.valor_factura IS NOT NULL AND p.valor_factura IS DISTINCT FROM carga_parse_monto(t.valor_factura) THEN 'valor_factura' END,
        CASE WHEN t.valor_pagado  IS NOT NULL AND p.valor_pagado  IS DISTINCT FROM carga_parse_monto(t.valor_pagado)  THEN 'valor_pagado' END)
FROM %s t
JOIN %s p ON btrim(t.id_fomag) = btrim(p.id_fomag::text)
WHERE t.lote_id = $1`, tableLogCorreccion, stagingCorreccion, kind.Table())
	_, err := s.db.Exec(ctx, sql, lote, kind.Table())
	return err
}

// applyCorrection is the single set-based update. Text columns are
// overwritten from the file (width-guarded); date and amount columns keep
// the existing value when the staged one is null.
func (s *Service) applyCorrection(ctx context.Context, kind DatasetKind, lote string) (int64, error) {
	sql := fmt.Sprintf(`
UPDATE %s p SET
    modalidad        = LEFT(t.modalidad, 50),
    nit              = LEFT(t.nit, 50),
    nombre_prest     = LEFT(t.nombre_prest, 255),
    prefijo          = LEFT(t.prefijo, 50),
    no_fact          = LEFT(t.no_fact, 50),
    num_factura      = LEFT(t.num_factura, 50),
    fecha_factura    = COALESCE(t.fecha_factura, p.fecha_factura),
    fecha_radicacion = COALESCE(t.fecha_radicacion, p.fecha_radicacion),
    mes_anio_radicacion = LEFT(t.mes_anio_radicacion, 20),
    valor_factura    = COALESCE(carga_parse_monto(t.valor_factura), p.valor_factura),
    valor_pagado     = COALESCE(carga_parse_monto(t.valor_pagado), p.valor_pagado),
    porcentaje_pago  = COALESCE(carga_parse_porcentaje(t.porcentaje_pago), p.porcentaje_pago),
    estado           = LEFT(t.estado, 50),
    voucher          = LEFT(t.voucher, 50),
    feccha_pago      = COALESCE(t.feccha_pago, p.feccha_pago),
    fuente_origen    = LEFT(t.fuente_origen, 100),
    observacion      = LEFT(t.observacion, 255)
FROM %s t
WHERE t.lote_id = $1 AND btrim(t.id_fomag) = btrim(p.id_fomag::text)`,
		kind.Table(), stagingCorreccion)
	tag, err := s.db.Exec(ctx, sql, lote)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// countNotFound anti-joins the lot against the destination, returning the
// count of distinct unmatched keys and up to three examples.
func (s *Service) countNotFound(ctx context.Context, kind DatasetKind, lote string) (int64, []string, error) {
	sql := fmt.Sprintf(`
SELECT t.id_fomag
FROM (SELECT DISTINCT id_fomag FROM %s WHERE lote_id = $1) t
WHERE NOT EXISTS (
    SELECT 1 FROM %s p WHERE btrim(p.id_fomag::text) = btrim(t.id_fomag)
)
ORDER BY t.id_fomag`, stagingCorreccion, kind.Table())
	rows, err := s.db.Query(ctx, sql, lote)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var count int64
	var examples []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, nil, err
		}
		count++
		if len(examples) < 3 {
			examples = append(examples, key)
		}
	}
	return count, examples, rows.Err()
}

// correctStreaming is the degraded path: one parameterized update per row,
// no staging, no backup or audit (there is no space to write them). The
// counters end up identical in meaning to the staged path.
func (s *Service) correctStreaming(ctx context.Context, kind DatasetKind, rows []correctionRow, res *CorrectionResult) error {
	res.Warnings = append(res.Warnings,
		"Advertencia: la corrección se aplicó fila a fila sin respaldo ni auditoría por falta de espacio en la base de datos.")
	sql := fmt.Sprintf(`
UPDATE %s p SET
    modalidad        = LEFT($1, 50),
    nit              = LEFT($2, 50),
    nombre_prest     = LEFT($3, 255),
    prefijo          = LEFT($4, 50),
    no_fact          = LEFT($5, 50),
    num_factura      = LEFT($6, 50),
    fecha_factura    = COALESCE($7, p.fecha_factura),
    fecha_radicacion = COALESCE($8, p.fecha_radicacion),
    mes_anio_radicacion = LEFT($9, 20),
    valor_factura    = COALESCE($10::numeric, p.valor_factura),
    valor_pagado     = COALESCE($11::numeric, p.valor_pagado),
    porcentaje_pago  = COALESCE($12::numeric, p.porcentaje_pago),
    estado           = LEFT($13, 50),
    voucher          = LEFT($14, 50),
    feccha_pago      = COALESCE($15, p.feccha_pago),
    fuente_origen    = LEFT($16, 100),
    observacion      = LEFT($17, 255)
WHERE btrim(p.id_fomag::text) = btrim($18)`, kind.Table())

	var updated, notFound int64
	var examples []string
	for _, r := range rows {
		tag, err := s.db.Exec(ctx, sql,
			r.Modalidad, r.NIT, r.NombrePrest, r.Prefijo, r.NoFact, r.NumFactura,
			r.FechaFactura, r.FechaRadicacion, r.MesAnio,
			numericArg(r.ValorFactura, ParseMonto),
			numericArg(r.ValorPagado, ParseMonto),
			numericArg(r.Porcentaje, ParsePorcentaje),
			r.Estado, r.Voucher, r.FechaPago, r.FuenteOrigen, r.Observacion,
			r.IDFomag)
		if err != nil {
			if IsInsufficientSpace(err) {
				return StorageExhausted("Espacio insuficiente en la base de datos incluso para la corrección fila a fila", err)
			}
			return Infrastructure("No fue posible aplicar la corrección fila a fila", err)
		}
		if tag.RowsAffected() == 0 {
			notFound++
			if len(examples) < 3 {
				examples = append(examples, r.IDFomag)
			}
		} else {
			updated += tag.RowsAffected()
		}
	}
	res.Updated = updated
	res.NotFound = notFound
	res.NotFoundExamples = examples
	if updated == 0 && res.Loaded > 0 {
		return InputRejectedf(
			"Ningún registro del archivo existe en %s; no se actualizó nada. Ejemplos de id_fomag no encontrados: [%s]",
			kind.Table(), strings.Join(examples, ", "))
	}
	return nil
}

// numericArg normalizes a staged money/percent text cell with fn for the
// streaming update's bind parameters.
func numericArg(t pgtype.Text, fn func(string) (decimal.Decimal, bool)) pgtype.Numeric {
	if !t.Valid {
		return pgtype.Numeric{}
	}
	d, ok := fn(t.String)
	return ToPgNumeric(d, ok)
}
