package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	sql := `
CREATE TABLE a (id INT);

CREATE TABLE b (id INT);
  ;
`
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, splitStatements(sql))
	assert.Empty(t, splitStatements("  \n"))
}
