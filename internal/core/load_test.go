package core

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pagosHeader = "ID;MODALIDAD;NIT;NOMBRE PRESTADOR;PREFIJO;NO FACT;NUM FACTURA;FECHA FACTURA;FECHA RADICACION;MES ANIO;VALOR FACTURA;VALOR PAGADO;PORCENTAJE;ESTADO;VOUCHER;FECHA PAGO;FUENTE;OBSERVACION"

func pagosLine(id string) string {
	return id + ";EVENTO;900123456;CLINICA DEL NORTE;PR;F001;FAC-" + id +
		";05/03/2024;10/03/2024;2024-03;1.234,50;1.000,00;81,00;PAGADO;VCH" + id + ";15/03/2024;;OK"
}

func TestParsePagosFile(t *testing.T) {
	data := []byte(strings.Join([]string{
		pagosHeader,
		pagosLine("1"),
		"",
		";;;;;;;;;;;;;;;;;",
		pagosLine("2"),
	}, "\n"))

	rows, read, err := parsePagosFile("pagos_marzo.csv", data)
	require.NoError(t, err)
	assert.Equal(t, 2, read)
	require.Len(t, rows, 2)

	// Row numbers count data rows only: header and blank lines are skipped.
	assert.Equal(t, 1, rows[0].num)
	assert.Equal(t, 2, rows[1].num)

	require.Len(t, rows[0].cells, pagosColumnCount)
	assert.Equal(t, "1", rows[0].cells[0])
	assert.Equal(t, "VCH1", rows[0].cells[14])
	assert.Equal(t, "pagos_marzo.csv", rows[0].cells[fuenteOrigenIdx],
		"blank fuente_origen takes the filename")
}

func TestParsePagosFileKeepsExplicitFuente(t *testing.T) {
	line := strings.Replace(pagosLine("1"), ";;OK", ";SISTEMA A;OK", 1)
	rows, _, err := parsePagosFile("otro.csv", []byte(pagosHeader+"\n"+line))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SISTEMA A", rows[0].cells[fuenteOrigenIdx])
}

func TestParsePagosFileShortRowsArePadded(t *testing.T) {
	rows, _, err := parsePagosFile("f.csv", []byte("1;EVENTO;900123456"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].cells, pagosColumnCount)
	assert.Equal(t, "", rows[0].cells[5])
	assert.Equal(t, "f.csv", rows[0].cells[fuenteOrigenIdx])
}

func TestParsePagosFileWithoutHeader(t *testing.T) {
	rows, _, err := parsePagosFile("f.csv", []byte(pagosLine("7")))
	require.NoError(t, err)
	require.Len(t, rows, 1, "a data-only file keeps its first line")
	assert.Equal(t, 1, rows[0].num)
}

func TestParsePagosFileCommaDelimited(t *testing.T) {
	data := []byte("1,EVENTO,900123456,\"CLINICA, LA PAZ\",PR,F1,FAC-1,05/03/2024,,,\"1.234,50\",,,PAGADO,V1,15/03/2024,,")
	rows, _, err := parsePagosFile("f.csv", data)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CLINICA, LA PAZ", rows[0].cells[3])
	assert.Equal(t, "1.234,50", rows[0].cells[10])
}

func TestParsePagosFileEmpty(t *testing.T) {
	_, _, err := parsePagosFile("f.csv", []byte(""))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInputRejected, e.Kind)
}

func TestLoadPaymentsHappyPath(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db)

	data := []byte(pagosHeader + "\n" + pagosLine("1") + "\n" + pagosLine("2"))
	res, err := svc.LoadPayments(context.Background(), DatasetPagos, "pagos.csv", data)
	require.NoError(t, err)
	assert.Equal(t, "Archivo cargado correctamente a Pagos", res.Message)
	assert.Equal(t, 2, res.RowsKept)

	// One query per critical rule plus the duplicate check.
	assert.Len(t, db.queries, len(criticalRules)+1)

	joined := strings.Join(db.execSQL, "\n")
	assert.Contains(t, joined, "INSERT INTO pagos_staging")
	assert.Contains(t, joined, "INSERT INTO pagos (")
	assert.Contains(t, db.execSQL[len(db.execSQL)-1], "DROP TABLE IF EXISTS pagos_staging",
		"staging is dropped on the way out")
}

func TestLoadPaymentsCapitaLabel(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db)
	res, err := svc.LoadPayments(context.Background(), DatasetCapita, "c.csv", []byte(pagosLine("1")))
	require.NoError(t, err)
	assert.Equal(t, "Archivo cargado correctamente a Pagos Cápita", res.Message)
	assert.Contains(t, strings.Join(db.execSQL, "\n"), "INSERT INTO pagos_capita (")
}

func TestLoadPaymentsValidationAggregatesRules(t *testing.T) {
	db := &fakeDB{
		queryFn: func(sql string, _ []any) ([][]any, error) {
			switch {
			case strings.Contains(sql, "fecha_factura"):
				return [][]any{{5, "99/99/2024"}}, nil
			case strings.Contains(sql, "voucher IS NULL"):
				return [][]any{{7, "(vacío)"}, {9, "(vacío)"}}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(t, db)

	_, err := svc.LoadPayments(context.Background(), DatasetPagos, "f.csv", []byte(pagosLine("1")))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInputRejected, e.Kind)
	assert.Contains(t, e.Message, "FECHA FACTURA")
	assert.Contains(t, e.Message, "VOUCHER")
	assert.Contains(t, e.Message, "fila 5: 99/99/2024")
	assert.Contains(t, e.Message, "fila 7")
	assert.Contains(t, e.Message, " | ", "rules are aggregated, not first-failure")

	assert.NotContains(t, strings.Join(db.execSQL, "\n"), "INSERT INTO pagos (",
		"no destination rows on rejection")
}

func TestLoadPaymentsRejectsDuplicates(t *testing.T) {
	var dupSQL string
	db := &fakeDB{
		queryFn: func(sql string, _ []any) ([][]any, error) {
			if strings.Contains(sql, "JOIN pagos p") {
				dupSQL = sql
				return [][]any{{3, "EVENTO / FAC-1 / 15/03/2024"}}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(t, db)

	_, err := svc.LoadPayments(context.Background(), DatasetPagos, "f.csv", []byte(pagosLine("1")))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindInputRejected, e.Kind)
	assert.Contains(t, e.Message, "ya existen en pagos")
	assert.Contains(t, e.Message, "fila 3")

	// Key fields join on plain equality: a NULL on either side never matches.
	assert.Contains(t, dupSQL, "p.modalidad = s.modalidad")
	assert.Contains(t, dupSQL, "p.num_factura = s.num_factura")
	assert.NotContains(t, dupSQL, "IS NOT DISTINCT FROM")
}

func TestLoadPaymentsStorageExhausted(t *testing.T) {
	db := &fakeDB{
		execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT INTO pagos_staging") {
				return pgconn.CommandTag{}, diskFullErr()
			}
			return pgconn.CommandTag{}, nil
		},
	}
	svc := newTestService(t, db)

	_, err := svc.LoadPayments(context.Background(), DatasetPagos, "f.csv", []byte(pagosLine("1")))
	assert.Equal(t, KindStorageExhausted, KindOf(err))
	assert.Contains(t, db.execSQL[len(db.execSQL)-1], "DROP TABLE IF EXISTS pagos_staging",
		"staging is dropped on failure too")
}

func TestLoadPaymentsGuardRejectsConcurrentLoad(t *testing.T) {
	svc := newTestService(t, &fakeDB{})
	release, err := svc.guard.acquire(DatasetPagos.Table())
	require.NoError(t, err)
	defer release()

	_, err = svc.LoadPayments(context.Background(), DatasetPagos, "f.csv", []byte(pagosLine("1")))
	assert.Equal(t, KindInputRejected, KindOf(err))

	// The other dataset is an independent scope.
	_, err = svc.LoadPayments(context.Background(), DatasetCapita, "f.csv", []byte(pagosLine("1")))
	assert.NoError(t, err)
}

func TestParseDatasetKind(t *testing.T) {
	k, err := ParseDatasetKind("pagos")
	require.NoError(t, err)
	assert.Equal(t, DatasetPagos, k)

	k, err = ParseDatasetKind(" Capita ")
	require.NoError(t, err)
	assert.Equal(t, DatasetCapita, k)

	k, err = ParseDatasetKind("")
	require.NoError(t, err)
	assert.Equal(t, DatasetPagos, k)

	_, err = ParseDatasetKind("nomina")
	assert.Equal(t, KindInputRejected, KindOf(err))
}
