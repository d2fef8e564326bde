package database

import (
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Dialect isola as diferenças de SQL entre os bancos suportados.
// Hoje só o upsert e o estilo de placeholder variam.
type Dialect interface {
	// Name é o nome curto do dialeto ("mysql", "sqlite", "postgres").
	Name() string
	// BindType é o estilo de placeholder do sqlx (sqlx.QUESTION, sqlx.DOLLAR...).
	BindType() int
	// Excluded referencia o valor proposto pelo INSERT para `column` dentro da
	// cláusula de conflito.
	Excluded(column string) string

	conflictClause(ins Insert) (string, error)
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string                  { return "mysql" }
func (mysqlDialect) BindType() int                 { return sqlx.QUESTION }
func (mysqlDialect) Excluded(column string) string { return "VALUES(" + column + ")" }

func (mysqlDialect) conflictClause(ins Insert) (string, error) {
	return " ON DUPLICATE KEY UPDATE " + ins.OnDuplicate, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                  { return "sqlite" }
func (sqliteDialect) BindType() int                 { return sqlx.QUESTION }
func (sqliteDialect) Excluded(column string) string { return "excluded." + column }

func (sqliteDialect) conflictClause(ins Insert) (string, error) {
	return onConflict(ins)
}

type postgresDialect struct{}

func (postgresDialect) Name() string                  { return "postgres" }
func (postgresDialect) BindType() int                 { return sqlx.DOLLAR }
func (postgresDialect) Excluded(column string) string { return "EXCLUDED." + column }

func (postgresDialect) conflictClause(ins Insert) (string, error) {
	return onConflict(ins)
}

// onConflict monta a cláusula padrão SQL usada por SQLite e PostgreSQL, que exigem o
// alvo do conflito explícito.
func onConflict(ins Insert) (string, error) {
	if len(ins.ConflictColumns) == 0 {
		return "", errors.Errorf("upsert into %s: conflict columns are required", ins.Table)
	}
	return " ON CONFLICT (" + strings.Join(ins.ConflictColumns, ", ") + ") DO UPDATE SET " +
		ins.OnDuplicate, nil
}

// Dialetos suportados.
var (
	MySQL    Dialect = mysqlDialect{}
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

// Insert descreve um INSERT de uma linha, opcionalmente com semântica de upsert.
//
// OnDuplicate é o texto de atribuição aplicado quando a chave única já existe, por
// exemplo "hits = hits + " + d.Excluded("hits"). Vazio gera um INSERT simples.
// ConflictColumns é ignorado pelo MySQL, que decide o conflito pelos índices únicos.
type Insert struct {
	Table           string
	Columns         []string
	ConflictColumns []string
	OnDuplicate     string
}

// SQL compila o Insert para o dialeto, com um placeholder por coluna no estilo do
// driver.
func (ins Insert) SQL(d Dialect) (string, error) {
	if ins.Table == "" {
		return "", errors.New("upsert: table is required")
	}
	if len(ins.Columns) == 0 {
		return "", errors.Errorf("upsert into %s: no columns", ins.Table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ins.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(ins.Columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(ins.Columns)), ", "))
	b.WriteString(")")

	if ins.OnDuplicate != "" {
		clause, err := d.conflictClause(ins)
		if err != nil {
			return "", err
		}
		b.WriteString(clause)
	}
	return sqlx.Rebind(d.BindType(), b.String()), nil
}

// DialectFor escolhe o dialeto pelo nome do driver database/sql.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "mysql":
		return MySQL, nil
	case "sqlite3":
		return SQLite, nil
	case "postgres":
		return Postgres, nil
	default:
		return nil, errors.Errorf("no SQL dialect for driver %q", driverName)
	}
}
