package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/guildtools/guildgate/pkg/store"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// ParseFormat validates a format string from a query parameter or flag.
// Empty defaults to JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type for HTTP responses.
func (f Format) ContentType() string {
	switch f {
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Export encodes audit entries in the given format.
func Export(entries []store.FeaturePermissionAudit, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatNDJSON:
		return exportNDJSON(entries)
	case FormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func exportJSON(entries []store.FeaturePermissionAudit) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

func exportNDJSON(entries []store.FeaturePermissionAudit) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("failed to encode audit entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(entries []store.FeaturePermissionAudit) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"At",
		"GuildID",
		"FeatureKey",
		"ChangedBy",
		"ChangeType",
		"RoleID",
		"AllowedAfter",
		"DeniedAfter",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		var allowedAfter, deniedAfter string
		if e.NewDoc != nil {
			allowedAfter = strings.Join(e.NewDoc.AllowedRoles, " ")
			deniedAfter = strings.Join(e.NewDoc.DeniedRoles, " ")
		}
		row := []string{
			e.At.UTC().Format("2006-01-02 15:04:05"),
			e.GuildID,
			e.FeatureKey,
			e.ChangedBy,
			string(e.ChangeType),
			formatStringPtr(e.RoleID),
			allowedAfter,
			deniedAfter,
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

func formatStringPtr(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
