package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatement(t *testing.T) {
	t.Parallel()

	cases := map[string]CommandClass{
		"  select * from users":    ClassRead,
		"WITH x AS (SELECT 1) ...": ClassRead,
		"insert into t values (1)": ClassWrite,
		"UPDATE t SET x=1":         ClassWrite,
		"create table t (id int)":  ClassAdmin,
		"DROP TABLE users":         ClassDangerous,
		"truncate table users":     ClassDangerous,
		"vacuum analyze":           ClassUnknown,
	}
	for sql, want := range cases {
		assert.Equal(t, want, ClassifyStatement(sql), "sql=%q", sql)
	}
}

func TestAuthorize_NoRolesFallsBackToDenyList(t *testing.T) {
	t.Parallel()

	require.NoError(t, Authorize("SELECT * FROM users", nil))
	require.Error(t, Authorize("DROP TABLE users", nil))
	require.Error(t, Authorize("UPDATE users SET x=1", nil))
}

func TestAuthorize_RoleGatedMatrix(t *testing.T) {
	t.Parallel()

	// A read-only role can read but not write or touch dangerous statements.
	require.NoError(t, Authorize("SELECT 1", []string{"sql-read"}))
	require.Error(t, Authorize("INSERT INTO t VALUES (1)", []string{"sql-read"}))
	require.Error(t, Authorize("DROP TABLE t", []string{"sql-read"}))

	// sql-write covers read and write but not dangerous.
	require.NoError(t, Authorize("SELECT 1", []string{"sql-write"}))
	require.NoError(t, Authorize("DELETE FROM t", []string{"sql-write"}))
	require.Error(t, Authorize("DROP TABLE t", []string{"sql-write"}))

	// Only admin clears the dangerous tier.
	require.Error(t, Authorize("DROP TABLE t", []string{"sql-admin"}))
	require.NoError(t, Authorize("DROP TABLE t", []string{"admin"}))
}

func TestAuthorize_OperationNameIsIrrelevant(t *testing.T) {
	t.Parallel()

	// Authorize only looks at the SQL text, never at any caller-supplied
	// operation label — a caller cannot bypass the role gate by naming its
	// request something other than "query".
	err := Authorize("DROP TABLE users", []string{"sql-read"})
	require.Error(t, err)
}

func TestAuthorize_CaseInsensitiveRoles(t *testing.T) {
	t.Parallel()
	require.NoError(t, Authorize("SELECT 1", []string{"SQL-READ"}))
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateIdentifier("app_user", false))
	require.Error(t, ValidateIdentifier("", false))
	require.Error(t, ValidateIdentifier("app user; DROP TABLE x", false))
	require.Error(t, ValidateIdentifier(`DOMAIN\user`, false), "backslash form rejected unless explicitly allowed")
	require.NoError(t, ValidateIdentifier(`DOMAIN\user`, true))
}

func TestQuotePostgresIdentifier(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `"app_user"`, QuotePostgresIdentifier("app_user"))
	assert.Equal(t, `"weird""name"`, QuotePostgresIdentifier(`weird"name`))
}
