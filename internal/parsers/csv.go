package parsers

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"os"

	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// CSVParser reads delimited text reports
type CSVParser struct {
	config *Config
	logger logger.Logger
}

// NewCSVParser creates a CSVParser with the given configuration
func NewCSVParser(config *Config) *CSVParser {
	if config == nil {
		config = DefaultConfig()
	}
	return &CSVParser{config: config, logger: parserLogger("csv_parser")}
}

// Rows implements RowParser. The file is opened when iteration starts and
// closed when it ends.
func (p *CSVParser) Rows(ctx context.Context, path string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		file, err := p.open(path)
		if err != nil {
			yield(Row{}, err)
			return
		}
		defer file.Close()

		reader := csv.NewReader(file)
		reader.Comma = p.config.Delimiter
		reader.Comment = p.config.Comment
		reader.TrimLeadingSpace = true
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		line := 0
		var header *Header
		if p.config.HasHeader {
			names, err := reader.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					// an empty report has no rows
					return
				}
				yield(Row{}, apperrors.NewRowError(apperrors.CodeFileCorrupted,
					&apperrors.RowContext{File: path, Row: 1}, "unreadable header", err))
				return
			}
			line++
			header = NewHeader(names)
			if !header.HasAll(p.config.RequiredColumns) {
				yield(Row{}, apperrors.MissingColumnError(path, p.config.RequiredColumns, header.Names))
				return
			}
		} else {
			header = NewHeader(p.config.RequiredColumns)
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line++
			if err != nil {
				yield(Row{}, apperrors.NewRowError(apperrors.CodeInvalidRow,
					&apperrors.RowContext{File: path, Row: line}, "malformed row", err))
				return
			}
			if p.config.SkipEmptyRows && isEmptyRecord(record) {
				continue
			}
			if !yield(Row{File: path, Line: line, Fields: record, header: header}, nil) {
				return
			}
		}
	}
}

func (p *CSVParser) open(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		p.logger.WithError(err).WithField("file_path", path).Error("Failed to open report")
		if os.IsNotExist(err) {
			return nil, apperrors.FileError(apperrors.CodeFileNotFound, path, err)
		}
		return nil, apperrors.FileError(apperrors.CodeFileCorrupted, path, err)
	}

	if p.config.ValidateEncoding {
		if err := validateEncoding(file, path); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, apperrors.FileError(apperrors.CodeFileCorrupted, path, err)
		}
	}
	return file, nil
}
