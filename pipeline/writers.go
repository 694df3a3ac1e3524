package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-channels/models"
)

var csvHeader = []string{
	"id", "author", "url", "download_url", "caption",
	"likes", "comments", "shares", "plays", "duration", "create_time",
	"downloaded", "download_path", "status", "error",
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends videos to the CSV output.
func (cw *CSVWriter) Write(videos []*models.Video) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, v := range videos {
		if err := cw.writer.Write(csvRecord(v)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func csvRecord(v *models.Video) []string {
	created := ""
	if !v.CreateTime.IsZero() {
		created = v.CreateTime.UTC().Format(time.RFC3339)
	}
	return []string{
		v.ID,
		v.Author,
		v.URL,
		v.DownloadURL,
		v.Caption,
		strconv.FormatInt(v.Likes, 10),
		strconv.FormatInt(v.Comments, 10),
		strconv.FormatInt(v.Shares, 10),
		strconv.FormatInt(v.Plays, 10),
		strconv.Itoa(v.Duration),
		created,
		strconv.FormatBool(v.Downloaded),
		v.DownloadPath,
		string(v.Status),
		v.Error,
	}
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate re-reads the report and checks the header and that every row is
// a complete video record. It works before and after Close.
func (cw *CSVWriter) Validate() error {
	f, err := os.Open(cw.path)
	if err != nil {
		return fmt.Errorf("open csv report: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(csvHeader)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	if !slices.Equal(header, csvHeader) {
		return fmt.Errorf("unexpected csv header %v", header)
	}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv row: %w", err)
		}
		if row[0] == "" {
			return fmt.Errorf("csv row %d has no video id", line)
		}
		if !validStatus(models.VideoStatus(row[13])) {
			return fmt.Errorf("csv row %d has status %q", line, row[13])
		}
	}
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends videos in JSONL format.
func (jw *JSONWriter) Write(videos []*models.Video) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, v := range videos {
		if err := jw.encoder.Encode(v); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate re-reads the report and checks that every line decodes to a
// video with an id and a known status. It works before and after Close.
func (jw *JSONWriter) Validate() error {
	f, err := os.Open(jw.path)
	if err != nil {
		return fmt.Errorf("open json report: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for line := 1; scanner.Scan(); line++ {
		var v models.Video
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			return fmt.Errorf("json line %d: %w", line, err)
		}
		if v.ID == "" {
			return fmt.Errorf("json line %d has no video id", line)
		}
		if !validStatus(v.Status) {
			return fmt.Errorf("json line %d has status %q", line, v.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan json report: %w", err)
	}
	return nil
}

func validStatus(status models.VideoStatus) bool {
	switch status {
	case models.StatusDone, models.StatusSkipped, models.StatusFailed:
		return true
	}
	return false
}

// NewWriter opens the report writer for format: "csv", "json" (JSONL) or
// "dual", which writes filename with .csv and .jsonl extensions.
func NewWriter(format, filename string) (OutputWriter, error) {
	switch format {
	case "csv":
		return NewCSVWriter(filename)
	case "json":
		return NewJSONWriter(filename)
	case "dual":
		base := filename[:len(filename)-len(filepath.Ext(filename))]
		return NewDualWriter(base+".csv", base+".jsonl")
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
