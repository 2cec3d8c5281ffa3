package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y=$2;", pg.rebind("SELECT a FROM t WHERE x=? AND y=?;"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT a FROM t WHERE x=?;", lite.rebind("SELECT a FROM t WHERE x=?;"))
}

func TestRoleMentionText(t *testing.T) {
	m := RoleMention{RoleName: "ops", ChannelName: "General", Content: "@ops deploy now"}
	assert.Equal(t, "@ops mentioned by Admin in General, the article: @ops deploy now", m.Text())
}
