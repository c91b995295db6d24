package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, Table{
		Columns: []string{"seq", "reason"},
		Rows: [][]string{
			{"2", "user not found"},
			{"4", "quota exceeded, retry later"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "seq,reason\n2,user not found\n4,\"quota exceeded, retry later\"\n", buf.String())
}

func TestWriteCSVRejectsRaggedRows(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteCSV(&buf, Table{}))
	assert.Error(t, WriteCSV(&buf, Table{Columns: []string{"a", "b"}, Rows: [][]string{{"only-one"}}}))
}
