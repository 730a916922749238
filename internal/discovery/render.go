package discovery

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/andydixon/metricsdeck/internal/models"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"name", "type", "help", "labels", "sampleCount"}

// WriteJSON writes metrics as an indented JSON array.
func WriteJSON(w io.Writer, metrics []models.ExtendedMetricInfo) error {
	if metrics == nil {
		metrics = []models.ExtendedMetricInfo{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(metrics)
}

// WriteCSV writes one row per metric with labels joined by ';'.
func WriteCSV(w io.Writer, metrics []models.ExtendedMetricInfo) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, m := range metrics {
		row := []string{m.Name, m.Type, m.Help, strings.Join(m.Labels, ";"), strconv.Itoa(m.SampleCount)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseCSV reads back what WriteCSV produced.
func ParseCSV(r io.Reader) ([]models.ExtendedMetricInfo, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv: missing header")
	}
	for i, col := range csvHeader {
		if rows[0][i] != col {
			return nil, fmt.Errorf("csv: column %d is %q, want %q", i+1, rows[0][i], col)
		}
	}

	out := make([]models.ExtendedMetricInfo, 0, len(rows)-1)
	for n, row := range rows[1:] {
		count, err := strconv.Atoi(row[4])
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: bad sampleCount %q", n+2, row[4])
		}
		labels := []string{}
		if row[3] != "" {
			labels = strings.Split(row[3], ";")
		}
		out = append(out, models.ExtendedMetricInfo{
			Name:        row[0],
			Type:        row[1],
			Help:        row[2],
			Labels:      labels,
			SampleCount: count,
		})
	}
	return out, nil
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// Filename builds metrics-<datasource>-<YYYY-MM-DD>.<format>.
func Filename(datasource, format string, now time.Time) string {
	name := unsafeChars.ReplaceAllString(strings.ToLower(datasource), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "datasource"
	}
	return fmt.Sprintf("metrics-%s-%s.%s", name, now.Format("2006-01-02"), format)
}

// ContentType returns the media type for an export format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}
