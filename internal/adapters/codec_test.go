package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

func TestDecodeRecords_JSONArray(t *testing.T) {
	data := []byte(`[{"price": 100, "name": "widget"}, {"price": 7.5, "name": "gadget"}]`)

	records, err := DecodeRecords(data, dsl.FormatJSON, dsl.FormatOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	price, ok := records[0].Get("price")
	require.True(t, ok)
	assert.Equal(t, 100.0, price) // JSON numbers decode to float64

	name, _ := records[1].Get("name")
	assert.Equal(t, "gadget", name)
}

func TestDecodeRecords_SingleJSONObject(t *testing.T) {
	records, err := DecodeRecords([]byte(`{"price": 100}`), dsl.FormatJSON, dsl.FormatOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	price, _ := records[0].Get("price")
	assert.Equal(t, 100.0, price)
}

func TestDecodeRecords_CSVWithHeader(t *testing.T) {
	data := []byte("price,name\n100,widget\n7.5,gadget\n")

	records, err := DecodeRecords(data, dsl.FormatCSV, dsl.FormatOptions{HeaderRow: true})
	require.NoError(t, err)
	require.Len(t, records, 2)

	// CSV cells stay strings until the evaluator coerces them.
	price, _ := records[0].Get("price")
	assert.Equal(t, "100", price)
	name, _ := records[1].Get("name")
	assert.Equal(t, "gadget", name)
}

func TestDecodeRecords_CSVCustomDelimiter(t *testing.T) {
	data := []byte("price;name\n100;widget\n")

	records, err := DecodeRecords(data, dsl.FormatCSV, dsl.FormatOptions{HeaderRow: true, Delimiter: ";"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	name, _ := records[0].Get("name")
	assert.Equal(t, "widget", name)
}

func TestDecodeRecords_CSVWithoutHeaderSynthesizesColumns(t *testing.T) {
	data := []byte("100,2024-01-01\n200,2024-01-02\n")

	records, err := DecodeRecords(data, dsl.FormatCSV, dsl.FormatOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	v, ok := records[0].Get("column_0")
	require.True(t, ok)
	assert.Equal(t, "100", v)
}

func TestDecodeRecords_EmptyPayload(t *testing.T) {
	records, err := DecodeRecords([]byte("  \n"), dsl.FormatJSON, dsl.FormatOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEncodeRecords_JSONKeepsFieldOrder(t *testing.T) {
	rec := dsl.NewRecord()
	rec.Set("z_total", 119.0)
	rec.Set("a_tax", 19.0)

	data, contentType, err := EncodeRecords([]*dsl.Record{rec}, dsl.FormatJSON, dsl.FormatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, `[{"z_total":119,"a_tax":19}]`, string(data))
}

func TestEncodeRecords_CSVColumnUnion(t *testing.T) {
	first := dsl.NewRecord()
	first.Set("price", 100.0)
	first.Set("name", "widget")

	second := dsl.NewRecord()
	second.Set("price", 7.5)
	second.Set("discount", 0.1)

	data, contentType, err := EncodeRecords([]*dsl.Record{first, second}, dsl.FormatCSV, dsl.FormatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.Equal(t, "price,name,discount\n100,widget,\n7.5,,0.1\n", string(data))
}

func TestCodec_CSVRoundTripThroughJSON(t *testing.T) {
	csvData := []byte("price,qty\n100,3\n")

	records, err := DecodeRecords(csvData, dsl.FormatCSV, dsl.FormatOptions{HeaderRow: true})
	require.NoError(t, err)

	out, _, err := EncodeRecords(records, dsl.FormatJSON, dsl.FormatOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"price":"100","qty":"3"}]`, string(out))
}
