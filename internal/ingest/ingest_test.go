package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func createTestXLSX(t *testing.T, sheet string, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	s, err := f.AddSheet(sheet)
	require.NoError(t, err)
	for _, data := range rows {
		row := s.AddRow()
		for _, v := range data {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "evidence.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

const sampleCSV = `Entity_ID,Field,Value,Source_Type,Trust,Observed_At,Decoder,Platform,URL
veh-1,color,blue,official_decode,95,2026-01-02T03:04:05Z,vpic,,
veh-1,color,red,auction,,2026-01-03,,bat,https://example.test/l/9

veh-2,mileage,"42,000",manual,40,,,,
`

func TestReadFile_CSV(t *testing.T) {
	path := writeFile(t, "obs.csv", sampleCSV)
	b, err := ReadFile(context.Background(), path, Options{SourceName: "import"})
	require.NoError(t, err)
	require.Len(t, b.Observations, 3)
	assert.Equal(t, "import", b.SourceName)

	first := b.Observations[0]
	assert.Equal(t, "veh-1", first.EntityID)
	assert.Equal(t, "color", first.FieldName)
	assert.Equal(t, model.SourceOfficialDecode, first.SourceType)
	require.NotNil(t, first.Trust)
	assert.Equal(t, 95.0, *first.Trust)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), first.ObservedAt)
	require.NotNil(t, first.Signals.Decode)
	assert.Equal(t, "vpic", first.Signals.Decode.Decoder)

	second := b.Observations[1]
	assert.Nil(t, second.Trust)
	require.NotNil(t, second.Signals.Listing)
	assert.Equal(t, "https://example.test/l/9", second.Signals.Listing.URL)

	assert.Equal(t, "42,000", b.Observations[2].Value)
	assert.NoError(t, b.Observations[2].Signals.Validate(model.SourceManual))
}

func TestReadFile_TSVAndFallbackType(t *testing.T) {
	path := writeFile(t, "obs.tsv", "entity_id\tfield_name\tvalue\tfingerprint\tlat\tlon\nveh-1\tcolor\tgreen\tfp-1\t34.05\t-118.25\n")
	b, err := ReadFile(context.Background(), path, Options{SourceName: "exif", SourceType: model.SourceImageMetadata})
	require.NoError(t, err)
	require.Len(t, b.Observations, 1)
	assert.Equal(t, model.SourceImageMetadata, b.SourceType)

	sig := b.Observations[0].Signals
	require.NotNil(t, sig.Image)
	assert.Equal(t, "fp-1", sig.Image.Fingerprint)
	require.NotNil(t, sig.Image.Lat)
	assert.InDelta(t, 34.05, *sig.Image.Lat, 1e-9)
	assert.NoError(t, sig.Validate(model.SourceImageMetadata))
}

func TestRead_CSVErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Read(ctx, strings.NewReader("entity_id,value\nveh-1,blue\n"), Options{Format: FormatCSV})
	assert.True(t, model.IsValidation(err))

	_, err = Read(ctx, strings.NewReader("entity_id,field,value,source_type\nveh-1,color,blue,rumor\n"), Options{Format: FormatCSV})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "row 2")

	_, err = Read(ctx, strings.NewReader(""), Options{Format: FormatCSV})
	assert.True(t, model.IsValidation(err))

	_, err = Read(ctx, strings.NewReader("x"), Options{Format: FormatXLSX})
	assert.Error(t, err)
}

func TestRead_JSONArray(t *testing.T) {
	input := ` [
		{"entity_id":"veh-1","field_name":"color","value":"blue","source_type":"manual"},
		{"entity_id":"veh-1","field_name":"year","value":"1972","source_type":"manual","trust":50}
	]`
	b, err := Read(context.Background(), strings.NewReader(input), Options{Format: FormatJSON, SourceName: "review"})
	require.NoError(t, err)
	require.Len(t, b.Observations, 2)
	assert.Equal(t, "review", b.SourceName)
	assert.Equal(t, 50.0, *b.Observations[1].Trust)
}

func TestRead_JSONBatch(t *testing.T) {
	input := `{"source_name":"bat-feed","source_type":"auction","trust":72,
		"observations":[{"entity_id":"veh-1","field_name":"color","value":"red",
		"supporting_signals":{"listing":{"platform":"bat","url":"https://example.test/l/1"}}}]}`
	b, err := Read(context.Background(), strings.NewReader(input), Options{Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, "bat-feed", b.SourceName)
	assert.Equal(t, model.SourceAuction, b.SourceType)
	assert.Equal(t, 72.0, *b.Trust)
	require.Len(t, b.Observations, 1)
	require.NotNil(t, b.Observations[0].Signals.Listing)

	_, err = Read(context.Background(), strings.NewReader(`"nope"`), Options{Format: FormatJSON})
	assert.Error(t, err)
}

func TestReadFile_XLSX(t *testing.T) {
	path := createTestXLSX(t, "Evidence", [][]string{
		{"entity_id", "field_name", "value", "source_type", "user_id"},
		{"veh-1", "color", "silver", "manual", "u-7"},
		{"veh-2", "make", "Porsche", "manual", ""},
	})

	b, err := ReadFile(context.Background(), path, Options{SourceName: "sheet", Sheet: "Evidence"})
	require.NoError(t, err)
	require.Len(t, b.Observations, 2)
	require.NotNil(t, b.Observations[0].Signals.Manual)
	assert.Equal(t, "u-7", b.Observations[0].Signals.Manual.UserID)
	assert.Nil(t, b.Observations[1].Signals.Manual)

	_, err = ReadFile(context.Background(), path, Options{Sheet: "Missing"})
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	for path, want := range map[string]Format{"a.CSV": FormatCSV, "b.tsv": FormatCSV, "c.json": FormatJSON, "d.xlsx": FormatXLSX} {
		got, err := DetectFormat(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
	_, err := DetectFormat("e.parquet")
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	b := evidence.Batch{SourceName: "s", Observations: make([]evidence.Observation, 5)}
	chunks := Chunk(b, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Observations, 2)
	assert.Len(t, chunks[2].Observations, 1)
	assert.Equal(t, "s", chunks[2].SourceName)

	assert.Len(t, Chunk(b, 0), 1)
}

func TestReadFile_RecordsIntoStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.CreateEntity(ctx, &model.Entity{ID: "veh-1"}))
	require.NoError(t, s.CreateEntity(ctx, &model.Entity{ID: "veh-2"}))

	b, err := ReadFile(ctx, writeFile(t, "obs.csv", sampleCSV), Options{SourceName: "import"})
	require.NoError(t, err)

	recs, err := evidence.NewService(s, nil, false).RecordBatch(ctx, b)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	trail, err := s.ListEvidence(ctx, "veh-1", "color")
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}
