package core

import "context"

// Staging and auxiliary object names. Staging tables are per-operation
// scratch space; the aux tables accumulate backups and change audits.
const (
	stagingPagos       = "pagos_staging"
	stagingCorreccion  = "correccion_pagos_tmp"
	stagingCapita      = "radicacion_capita_staging_app"
	stagingTraza       = "pagos_traza_staging"
	tableCapita        = "radicacion_capita"
	tableTraza         = "pagos_traza"
	tableRespaldo      = "respaldo_pagos"
	tableLogCorreccion = "log_actualizaciones_pagos"
)

// The load staging table mirrors the destination column layout but keeps
// every cell as raw text; normalization happens inside the merge statement
// so a malformed cell can never abort the bulk insert.
const createPagosStagingSQL = `
CREATE TABLE ` + stagingPagos + ` (
    row_num          INT,
    id               VARCHAR(50),
    modalidad        VARCHAR(50),
    nit              VARCHAR(50),
    nombre_prest     VARCHAR(255),
    prefijo          VARCHAR(50),
    no_fact          VARCHAR(50),
    num_factura      VARCHAR(50),
    fecha_factura    VARCHAR(50),
    fecha_radicacion VARCHAR(50),
    mes_anio_radicacion VARCHAR(20),
    valor_factura    VARCHAR(50),
    valor_pagado     VARCHAR(50),
    porcentaje_pago  VARCHAR(50),
    estado           VARCHAR(50),
    voucher          VARCHAR(50),
    feccha_pago      VARCHAR(50),
    fuente_origen    VARCHAR(100),
    observacion      VARCHAR(255)
)`

// pagosStagingColumns in insert order, matching the file's column layout.
var pagosStagingColumns = []string{
	"id", "modalidad", "nit", "nombre_prest", "prefijo", "no_fact",
	"num_factura", "fecha_factura", "fecha_radicacion", "mes_anio_radicacion",
	"valor_factura", "valor_pagado", "porcentaje_pago", "estado", "voucher",
	"feccha_pago", "fuente_origen", "observacion",
}

const createCorreccionTmpSQL = `
CREATE TABLE IF NOT EXISTS ` + stagingCorreccion + ` (
    lote_id          UUID NOT NULL,
    id_fomag         VARCHAR(50) NOT NULL,
    modalidad        VARCHAR(50),
    nit              VARCHAR(50),
    nombre_prest     VARCHAR(255),
    prefijo          VARCHAR(50),
    no_fact          VARCHAR(50),
    num_factura      VARCHAR(50),
    fecha_factura    DATE,
    fecha_radicacion DATE,
    mes_anio_radicacion VARCHAR(20),
    valor_factura    VARCHAR(50),
    valor_pagado     VARCHAR(50),
    porcentaje_pago  VARCHAR(50),
    estado           VARCHAR(50),
    voucher          VARCHAR(50),
    feccha_pago      DATE,
    fuente_origen    VARCHAR(100),
    observacion      VARCHAR(255)
)`

const createCorreccionTmpIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_correccion_pagos_tmp_lote ON ` + stagingCorreccion + ` (lote_id)`

const createRespaldoSQL = `
CREATE TABLE IF NOT EXISTS ` + tableRespaldo + ` (
    respaldo_id   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    lote_id       UUID NOT NULL,
    tabla_origen  VARCHAR(50) NOT NULL,
    usuario       VARCHAR(100),
    fecha_respaldo TIMESTAMPTZ NOT NULL DEFAULT now(),
    fila          JSONB NOT NULL
)`

const createLogCorreccionSQL = `
CREATE TABLE IF NOT EXISTS ` + tableLogCorreccion + ` (
    log_id        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    lote_id       UUID NOT NULL,
    tabla_origen  VARCHAR(50) NOT NULL,
    id_fomag      VARCHAR(50) NOT NULL,
    campos_modificados TEXT,
    fecha_log     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const createTrazaStagingSQL = `
CREATE TABLE IF NOT EXISTS ` + stagingTraza + ` (
    row_num        INT,
    fuente_archivo VARCHAR(120) NOT NULL,
    fecha_carga    TIMESTAMPTZ NOT NULL DEFAULT now(),
    identificacion VARCHAR(50),
    nombre         VARCHAR(255),
    voucher        VARCHAR(100),
    fecha_pago     VARCHAR(50),
    valor_causado  VARCHAR(50),
    valor_pagado   VARCHAR(50),
    id_pago        VARCHAR(100)
)`

// In-database twins of the Go normalizers. They are installed as
// idempotent CREATE OR REPLACE so the merge and the correction update can
// stay single set-based statements. Each swallows parse failures into
// NULL, which the validation gates have already screened for on critical
// columns.
const fnParseMontoSQL = `
CREATE OR REPLACE FUNCTION carga_parse_monto(v text) RETURNS numeric(18,2) AS $fn$
DECLARE
    t text;
    lastdot int;
    lastcomma int;
BEGIN
    IF v IS NULL THEN RETURN NULL; END IF;
    t := replace(replace(replace(replace(v, '$', ''), ' ', ''), U&'\00A0', ''), E'\t', '');
    IF t = '' THEN RETURN NULL; END IF;
    IF strpos(t, '.') > 0 AND strpos(t, ',') > 0 THEN
        lastdot := length(t) - strpos(reverse(t), '.') + 1;
        lastcomma := length(t) - strpos(reverse(t), ',') + 1;
        IF lastdot > lastcomma THEN
            t := replace(t, ',', '');
        ELSE
            t := replace(replace(t, '.', ''), ',', '.');
        END IF;
    ELSIF strpos(t, ',') > 0 THEN
        t := replace(t, ',', '.');
    END IF;
    RETURN t::numeric(18,2);
EXCEPTION WHEN others THEN
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql IMMUTABLE`

const fnParsePorcentajeSQL = `
CREATE OR REPLACE FUNCTION carga_parse_porcentaje(v text) RETURNS numeric(5,2) AS $fn$
DECLARE
    t text;
BEGIN
    IF v IS NULL THEN RETURN NULL; END IF;
    t := replace(replace(replace(v, '%', ''), ' ', ''), U&'\00A0', '');
    IF t = '' THEN RETURN NULL; END IF;
    RETURN replace(t, ',', '.')::numeric(5,2);
EXCEPTION WHEN others THEN
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql IMMUTABLE`

const fnParseFechaDMYSQL = `
CREATE OR REPLACE FUNCTION carga_parse_fecha_dmy(v text) RETURNS date AS $fn$
DECLARE
    t text;
    y int;
BEGIN
    t := btrim(coalesce(v, ''));
    IF t = '' OR t IN ('0', '0000-00-00', '00/00/0000') THEN RETURN NULL; END IF;
    t := replace(t, '-', '/');
    -- Two-digit years pivot at 50, same as the in-process parser.
    IF t ~ '^\d{1,2}/\d{1,2}/\d{2}$' THEN
        y := right(t, 2)::int;
        IF y < 50 THEN y := 2000 + y; ELSE y := 1900 + y; END IF;
        t := left(t, length(t) - 2) || y::text;
    END IF;
    IF t !~ '^\d{1,2}/\d{1,2}/\d{4}$' THEN RETURN NULL; END IF;
    RETURN to_date(t, 'DD/MM/YYYY');
EXCEPTION WHEN others THEN
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql IMMUTABLE`

const fnParseFechaSQL = `
CREATE OR REPLACE FUNCTION carga_parse_fecha(v text) RETURNS date AS $fn$
DECLARE
    t text;
    d date;
BEGIN
    d := carga_parse_fecha_dmy(v);
    IF d IS NOT NULL THEN RETURN d; END IF;
    t := replace(btrim(coalesce(v, '')), '-', '/');
    IF t !~ '^\d{4}/\d{1,2}/\d{1,2}$' THEN RETURN NULL; END IF;
    RETURN to_date(t, 'YYYY/MM/DD');
EXCEPTION WHEN others THEN
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql IMMUTABLE`

const fnParseFechaSerialSQL = `
CREATE OR REPLACE FUNCTION carga_parse_fecha_serial(v text) RETURNS date AS $fn$
DECLARE
    t text;
    d date;
    n numeric;
BEGIN
    d := carga_parse_fecha(v);
    IF d IS NOT NULL THEN RETURN d; END IF;
    t := replace(btrim(coalesce(v, '')), ',', '.');
    IF t !~ '^\d+(\.\d+)?$' THEN RETURN NULL; END IF;
    n := round(t::numeric);
    IF n < 25000 OR n > 60000 THEN RETURN NULL; END IF;
    RETURN date '1970-01-01' + (n::int - 25569);
EXCEPTION WHEN others THEN
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql IMMUTABLE`

// EnsureSchema installs the helper functions and the persistent auxiliary
// tables. The per-operation staging tables are managed by each pipeline.
// Every statement is idempotent, so this runs unconditionally at startup.
func (s *Service) EnsureSchema(ctx context.Context) error {
	for _, sql := range []string{
		fnParseMontoSQL,
		fnParsePorcentajeSQL,
		fnParseFechaDMYSQL,
		fnParseFechaSQL,
		fnParseFechaSerialSQL,
		createRespaldoSQL,
		createLogCorreccionSQL,
		createCorreccionTmpSQL,
		createCorreccionTmpIndexSQL,
		createTrazaStagingSQL,
	} {
		if _, err := s.db.Exec(ctx, sql); err != nil {
			return Infrastructure("No fue posible preparar los objetos auxiliares de carga", err)
		}
	}
	return nil
}
