package export

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVChunkWriterRoundTrip(t *testing.T) {
	records := []Record{
		{"message": "user logged in, ok", "user": "alice", "status": float64(200), "meta": map[string]interface{}{"ip": "10.0.0.1"}},
		{"message": "quote \"here\"", "user": "bob", "status": float64(401), "meta": nil},
	}

	var buf bytes.Buffer
	columns, err := NewCSVChunkWriter().Write(&buf, records, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"message", "meta", "status", "user"}, columns)

	rows := readCSV(t, buf.Bytes())
	require.Len(t, rows, 3)
	assert.Equal(t, columns, rows[0])
	assert.Equal(t, []string{"user logged in, ok", `{"ip":"10.0.0.1"}`, "200", "alice"}, rows[1])
	assert.Equal(t, []string{`quote "here"`, "", "401", "bob"}, rows[2])
}

func TestCSVChunkWriterKeepsColumnsAcrossChunks(t *testing.T) {
	writer := NewCSVChunkWriter()

	var first bytes.Buffer
	columns, err := writer.Write(&first, []Record{{"b": "1", "a": "2"}}, nil)
	require.NoError(t, err)

	var second bytes.Buffer
	again, err := writer.Write(&second, []Record{{"a": "3", "c": "extra"}}, columns)
	require.NoError(t, err)
	assert.Equal(t, columns, again)

	rows := readCSV(t, second.Bytes())
	assert.Equal(t, []string{"a", "b"}, rows[0])
	assert.Equal(t, []string{"3", ""}, rows[1])
}

func TestCSVChunkWriterEmptyBatchWritesHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	columns, err := NewCSVChunkWriter().Write(&buf, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, columns)
	assert.Equal(t, "\n", buf.String())
}
