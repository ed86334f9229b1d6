package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

func col(name string, typ Type) Column { return Column{Name: name, Type: typ} }

func pkCol(name string, typ Type) Column {
	return Column{Name: name, Type: typ, PrimaryKey: true}
}

func TestSchemaValidate(t *testing.T) {
	valid := Schema{Columns: []Column{
		pkCol("id", TypeInt),
		{Name: "name", Type: TypeText, Nullable: true},
	}}
	require.NoError(t, valid.Validate())

	require.ErrorIs(t, Schema{}.Validate(), dberror.ErrSchemaViolation)

	noPK := Schema{Columns: []Column{col("id", TypeInt)}}
	require.ErrorIs(t, noPK.Validate(), dberror.ErrSchemaViolation)

	twoPKs := Schema{Columns: []Column{pkCol("a", TypeInt), pkCol("b", TypeInt)}}
	require.ErrorIs(t, twoPKs.Validate(), dberror.ErrSchemaViolation)

	nullablePK := Schema{Columns: []Column{{Name: "id", Type: TypeInt, PrimaryKey: true, Nullable: true}}}
	require.ErrorIs(t, nullablePK.Validate(), dberror.ErrSchemaViolation)

	dup := Schema{Columns: []Column{pkCol("id", TypeInt), col("id", TypeText)}}
	require.ErrorIs(t, dup.Validate(), dberror.ErrSchemaViolation)

	badName := Schema{Columns: []Column{pkCol("1st", TypeInt)}}
	require.ErrorIs(t, badName.Validate(), dberror.ErrSchemaViolation)

	badType := Schema{Columns: []Column{pkCol("id", Type(99))}}
	require.ErrorIs(t, badType.Validate(), dberror.ErrSchemaViolation)
}

func TestValidateNames(t *testing.T) {
	require.NoError(t, ValidateTableName("users"))
	require.NoError(t, ValidateTableName("_audit_log2"))
	require.ErrorIs(t, ValidateTableName(""), dberror.ErrSchemaViolation)
	require.ErrorIs(t, ValidateTableName("2fast"), dberror.ErrSchemaViolation)
	require.ErrorIs(t, ValidateTableName("no-dash"), dberror.ErrSchemaViolation)
	require.ErrorIs(t, ValidateTableName(strings.Repeat("a", MaxTableNameLen+1)), dberror.ErrSchemaViolation)

	require.NoError(t, ValidateIndexName("users_name"))
	require.ErrorIs(t, ValidateIndexName(strings.Repeat("a", MaxColumnNameLen+1)), dberror.ErrSchemaViolation)
}

func TestSchemaValidateRow(t *testing.T) {
	schema := Schema{Columns: []Column{
		pkCol("id", TypeInt),
		{Name: "name", Type: TypeText, Nullable: true},
	}}

	require.NoError(t, schema.ValidateRow([]Value{NewInt(1), NewText("bo")}))
	require.NoError(t, schema.ValidateRow([]Value{NewInt(2), NewNull(TypeText)}))

	require.ErrorIs(t, schema.ValidateRow([]Value{NewInt(1)}), dberror.ErrSchemaViolation)
	require.ErrorIs(t, schema.ValidateRow([]Value{NewText("1"), NewText("bo")}), dberror.ErrSchemaViolation)
	require.ErrorIs(t, schema.ValidateRow([]Value{NewNull(TypeInt), NewText("bo")}), dberror.ErrSchemaViolation)
}

func TestSchemaColumnLookups(t *testing.T) {
	schema := Schema{Columns: []Column{
		col("sku", TypeText),
		pkCol("id", TypeInt),
	}}
	require.Equal(t, 1, schema.PrimaryKeyIndex())
	require.Equal(t, 0, schema.ColumnIndex("sku"))
	require.Equal(t, -1, schema.ColumnIndex("price"))
}
