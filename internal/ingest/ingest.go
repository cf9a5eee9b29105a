// Package ingest reads evidence batches from CSV, JSON and XLSX files.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

// Format is an input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("ingest: cannot infer format of %s", path)
}

// Options fill batch-level defaults and select the input shape.
type Options struct {
	Format     Format
	SourceName string
	SourceType model.SourceType
	Trust      *float64
	Sheet      string
	Delimiter  rune
}

// ReadFile reads path into one batch. Options override what the file
// itself declares at batch level.
func ReadFile(ctx context.Context, path string, opts Options) (evidence.Batch, error) {
	if opts.Format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return evidence.Batch{}, err
		}
		opts.Format = f
	}
	if opts.Format == FormatCSV && opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}

	log := zap.L().With(zap.String("component", "ingest"), zap.String("path", path), zap.String("format", string(opts.Format)))

	var (
		batch evidence.Batch
		err   error
	)
	if opts.Format == FormatXLSX {
		rows, errs := StreamXLSX(ctx, path, opts.Sheet)
		batch, err = fromRows(rows, errs, opts.SourceType)
	} else {
		var fh *os.File
		fh, err = os.Open(path)
		if err != nil {
			return evidence.Batch{}, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer fh.Close() //nolint:errcheck
		batch, err = Read(ctx, fh, opts)
	}
	if err != nil {
		return evidence.Batch{}, eris.Wrapf(err, "ingest: read %s", path)
	}

	batch = applyOptions(batch, opts)
	log.Info("read evidence file", zap.Int("observations", len(batch.Observations)), zap.String("source", batch.SourceName))
	return batch, nil
}

// Read parses CSV or JSON from r. JSON input is either an array of
// observations or a batch object.
func Read(ctx context.Context, r io.Reader, opts Options) (evidence.Batch, error) {
	var (
		batch evidence.Batch
		err   error
	)
	switch opts.Format {
	case FormatCSV:
		rows, errs := StreamCSV(ctx, r, opts.Delimiter)
		batch, err = fromRows(rows, errs, opts.SourceType)
	case FormatJSON:
		batch, err = readJSON(ctx, r)
	default:
		return evidence.Batch{}, eris.Errorf("ingest: format %q cannot be read from a stream", opts.Format)
	}
	if err != nil {
		return evidence.Batch{}, err
	}
	return applyOptions(batch, opts), nil
}

// Chunk splits b into batches of at most size observations. Each chunk is
// recorded atomically on its own.
func Chunk(b evidence.Batch, size int) []evidence.Batch {
	if size <= 0 || len(b.Observations) <= size {
		return []evidence.Batch{b}
	}
	var out []evidence.Batch
	for start := 0; start < len(b.Observations); start += size {
		end := min(start+size, len(b.Observations))
		c := b
		c.Observations = b.Observations[start:end]
		out = append(out, c)
	}
	return out
}

func applyOptions(b evidence.Batch, opts Options) evidence.Batch {
	if opts.SourceName != "" {
		b.SourceName = opts.SourceName
	}
	if opts.SourceType != "" {
		b.SourceType = opts.SourceType
	}
	if opts.Trust != nil {
		b.Trust = opts.Trust
	}
	return b
}

func readJSON(ctx context.Context, r io.Reader) (evidence.Batch, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return evidence.Batch{}, eris.Wrap(err, "ingest: json")
	}

	dec := json.NewDecoder(br)
	if first == '{' {
		var b evidence.Batch
		if err := dec.Decode(&b); err != nil {
			return evidence.Batch{}, eris.Wrap(err, "ingest: json decode batch")
		}
		return b, nil
	}

	if _, err := dec.Token(); err != nil {
		return evidence.Batch{}, eris.Wrap(err, "ingest: json read opening token")
	}
	items, errs := DecodeJSONArray[evidence.Observation](ctx, dec)
	var b evidence.Batch
	for obs := range items {
		b.Observations = append(b.Observations, obs)
	}
	for err := range errs {
		if err != nil {
			return evidence.Batch{}, err
		}
	}
	return b, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		if c != '{' && c != '[' {
			return 0, eris.Errorf("expected '[' or '{', got %q", c)
		}
		return c, nil
	}
}

// Recognized column names. Lookup is case-insensitive.
const (
	colEntityID   = "entity_id"
	colField      = "field_name"
	colValue      = "value"
	colSourceType = "source_type"
	colSourceName = "source_name"
	colTrust      = "trust"
	colObservedAt = "observed_at"
	colDecoder    = "decoder"
	colVIN        = "vin"
	colPlatform   = "platform"
	colURL        = "url"
	colListingID  = "listing_id"
	colFinger     = "fingerprint"
	colCapturedAt = "captured_at"
	colLat        = "lat"
	colLon        = "lon"
	colUserID     = "user_id"
	colNote       = "note"
)

var columnAliases = map[string]string{
	"field":       colField,
	"entity":      colEntityID,
	"vehicle_id":  colEntityID,
	"source":      colSourceType,
	"observed":    colObservedAt,
	"listing_url": colURL,
}

type header map[string]int

func parseHeader(row []string) (header, error) {
	h := make(header, len(row))
	for i, name := range row {
		key := strings.ToLower(strings.TrimSpace(name))
		if alias, ok := columnAliases[key]; ok {
			key = alias
		}
		if key != "" {
			h[key] = i
		}
	}
	for _, req := range []string{colEntityID, colField, colValue} {
		if _, ok := h[req]; !ok {
			return nil, model.NewValidationError("header", "missing column "+req)
		}
	}
	return h, nil
}

func (h header) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// fromRows maps rows after the header. fallback is the source type used to
// shape signal columns on rows that leave source_type empty.
func fromRows(rows <-chan []string, errs <-chan error, fallback model.SourceType) (evidence.Batch, error) {
	var (
		b      evidence.Batch
		h      header
		line   int
		rowErr error
	)
	for row := range rows {
		line++
		if rowErr != nil {
			continue
		}
		if h == nil {
			h, rowErr = parseHeader(row)
			continue
		}
		if blank(row) {
			continue
		}
		obs, err := h.observation(row, fallback)
		if err != nil {
			rowErr = eris.Wrapf(err, "ingest: row %d", line)
			continue
		}
		b.Observations = append(b.Observations, obs)
	}
	for err := range errs {
		if err != nil {
			return evidence.Batch{}, err
		}
	}
	if rowErr != nil {
		return evidence.Batch{}, rowErr
	}
	if h == nil {
		return evidence.Batch{}, model.NewValidationError("header", "file is empty")
	}
	return b, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}

// observation maps one row. Signal columns are attached to the member that
// matches the row's source type; the evidence service validates the result.
func (h header) observation(row []string, fallback model.SourceType) (evidence.Observation, error) {
	obs := evidence.Observation{
		EntityID:   h.get(row, colEntityID),
		FieldName:  h.get(row, colField),
		Value:      h.get(row, colValue),
		SourceName: h.get(row, colSourceName),
	}

	if raw := h.get(row, colSourceType); raw != "" {
		st, ok := model.ParseSourceType(raw)
		if !ok {
			return obs, model.NewValidationError(colSourceType, "unknown source type "+raw)
		}
		obs.SourceType = st
	}
	if raw := h.get(row, colTrust); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return obs, model.NewValidationError(colTrust, "not a number: "+raw)
		}
		obs.Trust = &v
	}
	if raw := h.get(row, colObservedAt); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return obs, model.NewValidationError(colObservedAt, err.Error())
		}
		obs.ObservedAt = ts
	}

	st := obs.SourceType
	if st == "" {
		st = fallback
	}
	sig, err := h.signals(row, st)
	if err != nil {
		return obs, err
	}
	obs.Signals = sig
	return obs, nil
}

func (h header) signals(row []string, st model.SourceType) (model.SupportingSignals, error) {
	sig := model.SupportingSignals{Kind: st}
	switch st {
	case model.SourceOfficialDecode:
		sig.Decode = &model.DecodeSignals{Decoder: h.get(row, colDecoder), VIN: h.get(row, colVIN)}
	case model.SourceAuction, model.SourceMarketplace:
		sig.Listing = &model.ListingSignals{
			Platform:  h.get(row, colPlatform),
			URL:       h.get(row, colURL),
			ListingID: h.get(row, colListingID),
		}
	case model.SourceImageMetadata:
		img := &model.ImageSignals{Fingerprint: h.get(row, colFinger)}
		if raw := h.get(row, colCapturedAt); raw != "" {
			ts, err := parseTime(raw)
			if err != nil {
				return sig, model.NewValidationError(colCapturedAt, err.Error())
			}
			img.CapturedAt = &ts
		}
		lat, latOK, err := optFloat(h.get(row, colLat), colLat)
		if err != nil {
			return sig, err
		}
		lon, lonOK, err := optFloat(h.get(row, colLon), colLon)
		if err != nil {
			return sig, err
		}
		if latOK && lonOK {
			img.Lat, img.Lon = &lat, &lon
		}
		sig.Image = img
	case model.SourceManual:
		if user, note := h.get(row, colUserID), h.get(row, colNote); user != "" || note != "" {
			sig.Manual = &model.ManualSignals{UserID: user, Note: note}
		}
	}
	return sig, nil
}

func optFloat(raw, col string) (float64, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, model.NewValidationError(col, "not a number: "+raw)
	}
	return v, true, nil
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized time %q", s)
}
