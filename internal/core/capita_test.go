package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var capitaStagingCols = []string{"nit", "nombre_entidad", "fecha_radicacion", "valor_capita", "observacion"}

func TestParseCapitaFileMapsHeaderToColumns(t *testing.T) {
	lines := []string{
		"",
		"NIT;Nombre-Entidad;FECHA RADICACIÓN;Valor Cápita;Columna Extra",
		"900123;IPS NORTE;05/03/2024;1.000,00;x",
		"900124;IPS SUR;06/03/2024;2.000,00;y",
	}
	mapping, rows, err := parseCapitaFile(lines, capitaStagingCols)
	require.NoError(t, err)

	assert.Equal(t, []string{"nit", "nombre_entidad", "fecha_radicacion", "valor_capita"}, mapping.columns)
	assert.Equal(t, []int{0, 1, 2, 3}, mapping.fileIdx, "the unmatched header cell is skipped")
	require.Len(t, rows, 2)
	assert.Equal(t, "IPS NORTE", rows[0][1])
}

func TestParseCapitaFileRowDelimiterRetry(t *testing.T) {
	lines := []string{
		"NIT;NOMBRE ENTIDAD;OBSERVACION",
		"900123;IPS NORTE;ok",
		"900124,IPS SUR,cambio de delimitador",
	}
	_, rows, err := parseCapitaFile(lines, capitaStagingCols)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "IPS SUR", rows[1][1])
}

func TestParseCapitaFileRejectsArityMismatch(t *testing.T) {
	lines := []string{
		"NIT;NOMBRE ENTIDAD;OBSERVACION",
		"900123;IPS NORTE;ok",
		"900124;solo dos",
	}
	_, _, err := parseCapitaFile(lines, capitaStagingCols)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInputRejected, e.Kind)
	assert.Contains(t, e.Message, "línea 3", "names the physical line")
	assert.Contains(t, e.Message, "2 columnas")
}

func TestParseCapitaFileRejectsUnknownHeader(t *testing.T) {
	_, _, err := parseCapitaFile([]string{"A;B;C", "1;2;3"}, capitaStagingCols)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInputRejected, e.Kind)
	assert.Contains(t, e.Message, "Ninguna columna")
}

func TestParseCapitaFileEmpty(t *testing.T) {
	_, _, err := parseCapitaFile([]string{" ", ""}, capitaStagingCols)
	assert.Equal(t, KindInputRejected, KindOf(err))
}

func TestReplaceCapitation(t *testing.T) {
	db := &fakeDB{
		queryFn: func(sql string, args []any) ([][]any, error) {
			require.Len(t, args, 1)
			switch args[0] {
			case stagingCapita:
				return [][]any{{"nit"}, {"nombre_entidad"}, {"solo_staging"}}, nil
			case tableCapita:
				return [][]any{{"nit"}, {"nombre_entidad"}, {"solo_final"}}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(t, db)

	data := []byte("NIT;NOMBRE ENTIDAD\n900123;IPS NORTE\n900124;IPS SUR")
	res, err := svc.ReplaceCapitation(context.Background(), "capita.csv", data)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Staged)
	assert.Equal(t, "Registros cargados en staging: 2. Reemplazo total de radicacion_capita completado.", res.Message)

	joined := strings.Join(db.execSQL, "\n")
	assert.Contains(t, joined, `TRUNCATE TABLE "radicacion_capita_staging_app"`)
	assert.Contains(t, joined, `TRUNCATE TABLE "radicacion_capita"`)
	assert.Contains(t, joined, `INSERT INTO "radicacion_capita_staging_app" ("nit", "nombre_entidad")`)
	assert.Contains(t, joined, `INSERT INTO "radicacion_capita" ("nit", "nombre_entidad") SELECT "nit", "nombre_entidad" FROM "radicacion_capita_staging_app"`,
		"only the shared columns flow to the destination")
	assert.NotContains(t, joined, "solo_staging")
	assert.NotContains(t, joined, "solo_final")
}

func TestReplaceCapitationUsesSchemaCache(t *testing.T) {
	discoveries := 0
	db := &fakeDB{
		queryFn: func(sql string, args []any) ([][]any, error) {
			if strings.Contains(sql, "information_schema") {
				discoveries++
				return [][]any{{"nit"}, {"nombre_entidad"}}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(t, db)
	svc.schema = NewSchemaCache(5 * time.Minute)

	data := []byte("NIT;NOMBRE ENTIDAD\n900123;IPS NORTE")
	_, err := svc.ReplaceCapitation(context.Background(), "a.csv", data)
	require.NoError(t, err)
	_, err = svc.ReplaceCapitation(context.Background(), "b.csv", data)
	require.NoError(t, err)
	assert.Equal(t, 2, discoveries, "second run reuses both cached column sets")
}

func TestTableColumnsMissingTable(t *testing.T) {
	svc := newTestService(t, &fakeDB{})
	_, err := svc.tableColumns(context.Background(), "no_existe")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInfrastructure, e.Kind)
	assert.Contains(t, e.Message, "no_existe")
}
