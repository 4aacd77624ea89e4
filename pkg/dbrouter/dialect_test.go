package dbrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amila-ai/amila/pkg/models"
)

func TestShouldSkipProbe(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		skip bool
	}{
		{"plain select", "SELECT id, name FROM users WHERE id = 1", false},
		{"group by", "SELECT region, count(*) FROM orders GROUP BY region", true},
		{"fetch first", "SELECT * FROM orders FETCH FIRST 10 ROWS ONLY", true},
		{"offset", "SELECT * FROM orders OFFSET 20 ROWS", true},
		{"union", "SELECT id FROM a UNION SELECT id FROM b", true},
		{"group by in string literal", "SELECT * FROM notes WHERE body = 'group by region'", false},
		{"union in string literal", "SELECT * FROM notes WHERE body = 'union of sets'", false},
		{"group without by", "SELECT group_name FROM groups WHERE grp = 'x'", false},
		{"lowercase group by", "select region from orders group by region", true},
		{"group by in comment", "SELECT id FROM t -- group by later", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.skip, ShouldSkipProbe(tt.sql))
		})
	}
}

func TestQuoteReservedIdentifiers(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		dbType   models.DatabaseType
		expected string
	}{
		{
			name:     "oracle column access",
			sql:      "SELECT t.level FROM tree t",
			dbType:   models.DatabaseOracle,
			expected: `SELECT t."level" FROM tree t`,
		},
		{
			name:     "oracle alias",
			sql:      "SELECT depth AS level FROM tree",
			dbType:   models.DatabaseOracle,
			expected: `SELECT depth AS "level" FROM tree`,
		},
		{
			name:     "oracle keyword use untouched",
			sql:      "SELECT id FROM emp CONNECT BY LEVEL <= 3",
			dbType:   models.DatabaseOracle,
			expected: "SELECT id FROM emp CONNECT BY LEVEL <= 3",
		},
		{
			name:     "doris backticks",
			sql:      "SELECT t.rank FROM scores t",
			dbType:   models.DatabaseDoris,
			expected: "SELECT t.`rank` FROM scores t",
		},
		{
			name:     "postgres passthrough",
			sql:      "SELECT t.level FROM tree t",
			dbType:   models.DatabasePostgres,
			expected: "SELECT t.level FROM tree t",
		},
		{
			name:     "already quoted untouched",
			sql:      `SELECT t."level" FROM tree t`,
			dbType:   models.DatabaseOracle,
			expected: `SELECT t."level" FROM tree t`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteReservedIdentifiers(tt.sql, tt.dbType))
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"size"`, QuoteIdentifier("size", models.DatabaseOracle))
	assert.Equal(t, "`size`", QuoteIdentifier("size", models.DatabaseDoris))
	assert.Equal(t, "size", QuoteIdentifier("size", models.DatabasePostgres))
}
