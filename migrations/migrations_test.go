package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchema(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.Equal(t, []string{"0001_init.sql"}, names)

	body, err := files.ReadFile(names[0])
	require.NoError(t, err)
	schema := string(body)
	for _, table := range []string{"orders", "order_items", "idempotency_keys", "audit_logs", "invoices", "invoice_lines", "invoice_sequences", "payments"} {
		require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	require.True(t, strings.Contains(schema, "WHERE status <> 'VOID'"), "one live invoice per order")
}
