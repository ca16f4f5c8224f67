package export

import (
	"fmt"
	"strings"
	"time"
)

// Format names a supported export encoding.
type Format string

const (
	// FormatCSV renders comma separated values.
	FormatCSV Format = "csv"
	// FormatPDF renders a paginated table.
	FormatPDF Format = "pdf"
)

// ParseFormat normalises a user supplied format name.
func ParseFormat(raw string) Format {
	return Format(strings.ToLower(strings.TrimSpace(raw)))
}

// Valid reports whether the format can be rendered.
func (f Format) Valid() bool {
	return f == FormatCSV || f == FormatPDF
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Dataset defines tabular export content. Rows are keyed by header.
type Dataset struct {
	Title   string
	Headers []string
	Rows    []map[string]string
}

// File is a rendered export ready to be served.
type File struct {
	Name        string
	ContentType string
	Body        []byte
}

// Render encodes data in the requested format.
func Render(data Dataset, format Format) (*File, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("export requires at least one header")
	}
	var (
		body []byte
		err  error
	)
	switch format {
	case FormatCSV:
		body, err = renderCSV(data)
	case FormatPDF:
		body, err = renderPDF(data, time.Now().UTC())
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return &File{
		Name:        fileName(data.Title, format),
		ContentType: format.ContentType(),
		Body:        body,
	}, nil
}

func fileName(title string, format Format) string {
	base := strings.ToLower(strings.Join(strings.Fields(title), "-"))
	if base == "" {
		base = "export"
	}
	return fmt.Sprintf("%s-%s.%s", base, time.Now().UTC().Format("20060102-150405"), format)
}
