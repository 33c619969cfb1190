package core

import (
	"context"
	"fmt"
	"strings"
)

// ReplaceCapitation rebuilds radicacion_capita from a capitation export.
// The file's header is matched against the live staging columns, so the
// export can add, drop, or reorder columns without code changes: only the
// intersection flows through. The destination is truncated and refilled
// from staging in full.
func (s *Service) ReplaceCapitation(ctx context.Context, filename string, data []byte) (*ReplaceResult, error) {
	release, err := s.guard.acquire(stagingCapita)
	if err != nil {
		return nil, err
	}
	defer release()

	lines, err := ReadLines(data)
	if err != nil {
		return nil, err
	}

	stagingCols, err := s.tableColumns(ctx, stagingCapita)
	if err != nil {
		return nil, err
	}
	finalCols, err := s.tableColumns(ctx, tableCapita)
	if err != nil {
		return nil, err
	}

	mapping, rows, err := parseCapitaFile(lines, stagingCols)
	if err != nil {
		return nil, err
	}

	if err := s.clearTable(ctx, stagingCapita); err != nil {
		return nil, err
	}
	if err := s.insertCapitaStaging(ctx, mapping, rows); err != nil {
		s.schema.Invalidate(stagingCapita)
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos para cargar el archivo de cápita", err)
		}
		return nil, Infrastructure("No fue posible cargar el archivo al área temporal de cápita", err)
	}

	replaced, err := s.replaceCapitaFinal(ctx, stagingCols, finalCols)
	if err != nil {
		s.schema.Invalidate(tableCapita)
		if IsInsufficientSpace(err) {
			return nil, StorageExhausted("Espacio insuficiente en la base de datos al reemplazar "+tableCapita, err)
		}
		return nil, err
	}

	s.log.InfoContext(ctx, "reemplazo de radicación cápita completado",
		"archivo", filename, "filas_staging", len(rows), "filas_finales", replaced)
	return &ReplaceResult{
		Staged:   len(rows),
		Replaced: replaced,
		Message:  fmt.Sprintf("Registros cargados en staging: %d. Reemplazo total de %s completado.", len(rows), tableCapita),
	}, nil
}

// columnMapping binds header positions to staging column names.
type columnMapping struct {
	fileIdx []int
	columns []string
}

// parseCapitaFile locates the header, maps it against the live staging
// columns, and tokenizes the data rows. The delimiter is chosen per file
// by best split; a row whose cell count disagrees with the header gets one
// retry with its own best delimiter before the file is rejected naming the
// physical line.
func parseCapitaFile(lines []string, stagingCols []string) (*columnMapping, [][]string, error) {
	headerLine := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			headerLine = i
			break
		}
	}
	if headerLine < 0 {
		return nil, nil, InputRejectedf("El archivo está vacío.")
	}
	header, sep := ParseBest(lines[headerLine])

	byNorm := make(map[string]string, len(stagingCols))
	for _, col := range stagingCols {
		byNorm[NormalizeHeader(col)] = col
	}
	mapping := &columnMapping{}
	seen := make(map[string]bool)
	for idx, cell := range header {
		col, ok := byNorm[NormalizeHeader(cell)]
		if !ok || seen[col] {
			continue
		}
		seen[col] = true
		mapping.fileIdx = append(mapping.fileIdx, idx)
		mapping.columns = append(mapping.columns, col)
	}
	if len(mapping.columns) == 0 {
		return nil, nil, InputRejectedf(
			"Ninguna columna del encabezado coincide con las columnas de %s. Encabezado recibido: %s",
			stagingCapita, strings.Join(header, ", "))
	}

	var rows [][]string
	for i := headerLine + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		cells := ParseLine(lines[i], sep)
		if len(cells) != len(header) {
			// Some exports switch delimiter mid-file; give the row its
			// own best split before giving up.
			if retry, _ := ParseBest(lines[i]); len(retry) == len(header) {
				cells = retry
			} else {
				return nil, nil, InputRejectedf(
					"La línea %d tiene %d columnas y el encabezado tiene %d. Corrija el archivo y vuelva a intentarlo.",
					i+1, len(cells), len(header))
			}
		}
		if IsBlankRow(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return nil, nil, InputRejectedf("El archivo no contiene filas de datos.")
	}
	return mapping, rows, nil
}

// tableColumns discovers a table's live column list, memoized by the
// schema cache.
func (s *Service) tableColumns(ctx context.Context, table string) ([]string, error) {
	if cols := s.schema.Get(table); cols != nil {
		return cols, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, Infrastructure("No fue posible consultar las columnas de "+table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, Infrastructure("No fue posible consultar las columnas de "+table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Infrastructure("No fue posible consultar las columnas de "+table, err)
	}
	if len(cols) == 0 {
		return nil, Infrastructure("La tabla "+table+" no existe en la base de datos", nil)
	}
	s.schema.Put(table, cols)
	return cols, nil
}

// clearTable empties a table, preferring TRUNCATE and falling back to
// DELETE when the session lacks the privilege or the table is referenced.
func (s *Service) clearTable(ctx context.Context, table string) error {
	if _, err := s.db.Exec(ctx, "TRUNCATE TABLE "+quoteIdent(table)); err == nil {
		return nil
	}
	if _, err := s.db.Exec(ctx, "DELETE FROM "+quoteIdent(table)); err != nil {
		return Infrastructure("No fue posible vaciar la tabla "+table, err)
	}
	return nil
}

func (s *Service) insertCapitaStaging(ctx context.Context, m *columnMapping, rows [][]string) error {
	quoted := make([]string, len(m.columns))
	for i, c := range m.columns {
		quoted[i] = quoteIdent(c)
	}
	cols := strings.Join(quoted, ", ")
	width := len(m.columns)
	batch := s.cfg.LoadBatchSize
	if batch <= 0 {
		batch = 100
	}
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		group := rows[start:end]
		args := make([]any, 0, len(group)*width)
		for _, cells := range group {
			for _, idx := range m.fileIdx {
				args = append(args, ToPgText(cells[idx]))
			}
		}
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", quoteIdent(stagingCapita), cols, placeholders(len(group), width))
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

// replaceCapitaFinal truncates the destination and refills it with the
// columns both tables share.
func (s *Service) replaceCapitaFinal(ctx context.Context, stagingCols, finalCols []string) (int64, error) {
	inFinal := make(map[string]bool, len(finalCols))
	for _, c := range finalCols {
		inFinal[c] = true
	}
	var shared []string
	for _, c := range stagingCols {
		if inFinal[c] {
			shared = append(shared, quoteIdent(c))
		}
	}
	if len(shared) == 0 {
		return 0, Infrastructure(fmt.Sprintf("%s y %s no comparten columnas", stagingCapita, tableCapita), nil)
	}
	if err := s.clearTable(ctx, tableCapita); err != nil {
		return 0, err
	}
	cols := strings.Join(shared, ", ")
	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		quoteIdent(tableCapita), cols, cols, quoteIdent(stagingCapita))
	tag, err := s.db.Exec(ctx, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
