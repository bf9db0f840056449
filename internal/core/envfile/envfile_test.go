package envfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	vars, err := Parse("MYSQL_USER=u\nMYSQL_PASSWORD=p\n\n# comment\nMYSQL_DATABASE=invoices\n")
	require.NoError(t, err)
	assert.Equal(t, "u", vars["MYSQL_USER"])
	assert.Equal(t, "p", vars["MYSQL_PASSWORD"])
	assert.Equal(t, "invoices", vars["MYSQL_DATABASE"])
}

func TestParse_QuotedValues(t *testing.T) {
	vars, err := Parse(`PASSWORD="s3cret with spaces"`)
	require.NoError(t, err)
	assert.Equal(t, "s3cret with spaces", vars["PASSWORD"])
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name  string
		value string
		vars  map[string]string
		want  string
	}{
		{"braced", "${DB_HOST}", map[string]string{"DB_HOST": "localhost"}, "localhost"},
		{"bare", "$DB_HOST", map[string]string{"DB_HOST": "localhost"}, "localhost"},
		{"default used", "${PORT:-8080}", map[string]string{}, "8080"},
		{"default ignored", "${PORT:-8080}", map[string]string{"PORT": "5000"}, "5000"},
		{"empty default", "${OPT:-}", map[string]string{}, ""},
		{"missing kept", "${MISSING}", map[string]string{}, "${MISSING}"},
		{"missing bare kept", "$MISSING", map[string]string{}, "$MISSING"},
		{"multiple", "mysql://${HOST}:${PORT}", map[string]string{"HOST": "db", "PORT": "3306"}, "mysql://db:3306"},
		{"embedded bare", "-p$MYSQL_PASSWORD", map[string]string{"MYSQL_PASSWORD": "p"}, "-pp"},
		{"no placeholders", "plain", map[string]string{"X": "y"}, "plain"},
		{"escaped bare", "$$VAR", map[string]string{"VAR": "v"}, "$VAR"},
		{"escaped braced", "pre$${VAR}post", map[string]string{"VAR": "v"}, "pre${VAR}post"},
		{"lone escape", "cost: 5$$", map[string]string{}, "cost: 5$"},
		{"escape next to reference", "$$LITERAL and $REAL", map[string]string{"LITERAL": "x", "REAL": "r"}, "$LITERAL and r"},
		{"triple dollar", "$$$VAR", map[string]string{"VAR": "v"}, "$v"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.value, tt.vars))
		})
	}
}

func TestSubstitute_NilVars(t *testing.T) {
	assert.Equal(t, "${X}", Substitute("${X}", nil))
}

func TestReferences(t *testing.T) {
	refs := References("mysqladmin ping -h localhost -u $MYSQL_USER -p$MYSQL_PASSWORD -u $MYSQL_USER")
	assert.Equal(t, []string{"MYSQL_USER", "MYSQL_PASSWORD"}, refs)

	assert.Empty(t, References("no vars here"))
}

func TestReferences_SkipsEscapedSequences(t *testing.T) {
	assert.Equal(t, []string{"REAL"}, References("echo $$NOT_A_VAR $REAL"))
	assert.Empty(t, References("awk '{print $$1}'"))
}

func TestResolve(t *testing.T) {
	fromFile := map[string]string{
		"MYSQL_USER":     "u",
		"MYSQL_PASSWORD": "p",
	}
	inline := map[string]string{
		"DB_URL":     "mysql://${MYSQL_USER}:${MYSQL_PASSWORD}@db:3306",
		"MYSQL_USER": "override",
	}

	resolved := Resolve(inline, fromFile)
	assert.Equal(t, "mysql://u:p@db:3306", resolved["DB_URL"])
	assert.Equal(t, "override", resolved["MYSQL_USER"])
	assert.Equal(t, "p", resolved["MYSQL_PASSWORD"])
}

func TestMissingKeys(t *testing.T) {
	vars := map[string]string{"A": "1"}
	assert.Equal(t, []string{"B", "C"}, MissingKeys(vars, []string{"C", "A", "B"}))
	assert.Empty(t, MissingKeys(vars, []string{"A"}))
}
