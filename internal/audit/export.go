package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Export writes the events matching q in format.
func Export(ctx context.Context, repo Repository, q Query, format ExportFormat) ([]byte, error) {
	if format != ExportFormatCSV && format != ExportFormatJSON {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if repo == nil {
		return nil, ErrNilRepository
	}

	events, err := repo.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	if format == ExportFormatCSV {
		return exportToCSV(events)
	}
	return exportToJSON(events)
}

var csvHeader = []string{
	"ID",
	"Timestamp (UTC)",
	"Site ID",
	"Entity Type",
	"Entity ID",
	"Action",
	"Outcome",
	"Reason",
	"Request ID",
	"IP Address",
	"User Agent",
	"Previous Hash",
}

func exportToCSV(events []*Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.ID,
			e.CreatedAt.Format(time.RFC3339),
			e.SiteID,
			e.EntityType,
			e.EntityID,
			e.Action,
			e.Outcome,
			e.Reason,
			e.RequestID,
			e.IPAddress,
			e.UserAgent,
			e.PreviousHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
