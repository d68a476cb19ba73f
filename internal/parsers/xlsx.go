package parsers

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// XLSXParser reads spreadsheet reports, streaming rows from one sheet
type XLSXParser struct {
	config *Config
	logger logger.Logger
}

// NewXLSXParser creates an XLSXParser with the given configuration
func NewXLSXParser(config *Config) *XLSXParser {
	if config == nil {
		config = DefaultConfig()
	}
	return &XLSXParser{config: config, logger: parserLogger("xlsx_parser")}
}

// Rows implements RowParser
func (p *XLSXParser) Rows(ctx context.Context, path string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		f, err := excelize.OpenFile(path)
		if err != nil {
			p.logger.WithError(err).WithField("file_path", path).Error("Failed to open spreadsheet")
			if os.IsNotExist(err) {
				yield(Row{}, apperrors.FileError(apperrors.CodeFileNotFound, path, err))
			} else {
				yield(Row{}, apperrors.FileError(apperrors.CodeFileCorrupted, path, err))
			}
			return
		}
		defer f.Close()

		sheet, err := p.pickSheet(f.GetSheetList())
		if err != nil {
			yield(Row{}, apperrors.FileError(apperrors.CodeFileCorrupted, path, err))
			return
		}

		rows, err := f.Rows(sheet)
		if err != nil {
			yield(Row{}, apperrors.FileError(apperrors.CodeFileCorrupted, path, err))
			return
		}
		defer rows.Close()

		maxScan := p.config.MaxHeaderScan
		if maxScan <= 0 {
			maxScan = 50
		}

		line := 0
		var header *Header
		if !p.config.HasHeader {
			header = NewHeader(p.config.RequiredColumns)
		}
		for rows.Next() {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			line++
			cols, err := rows.Columns()
			if err != nil {
				yield(Row{}, apperrors.NewRowError(apperrors.CodeInvalidRow,
					&apperrors.RowContext{File: path, Row: line}, "unreadable row", err))
				return
			}

			if header == nil {
				if isEmptyRecord(cols) {
					continue
				}
				candidate := NewHeader(cols)
				if candidate.HasAll(p.config.RequiredColumns) {
					header = candidate
					continue
				}
				if line >= maxScan {
					yield(Row{}, apperrors.MissingColumnError(path, p.config.RequiredColumns, candidate.Names))
					return
				}
				continue
			}

			if p.config.SkipEmptyRows && isEmptyRecord(cols) {
				continue
			}
			if !yield(Row{File: path, Line: line, Fields: cols, header: header}, nil) {
				return
			}
		}
		if err := rows.Error(); err != nil {
			yield(Row{}, apperrors.FileError(apperrors.CodeFileCorrupted, path, err))
			return
		}
		if header == nil && len(p.config.RequiredColumns) > 0 {
			yield(Row{}, apperrors.MissingColumnError(path, p.config.RequiredColumns, nil))
		}
	}
}

// pickSheet returns the configured sheet, the first one carrying
// SheetPrefix, or the first sheet of the workbook.
func (p *XLSXParser) pickSheet(sheets []string) (string, error) {
	if p.config.Sheet != "" {
		return p.config.Sheet, nil
	}
	if len(sheets) == 0 {
		return "", fmt.Errorf("workbook has no sheets")
	}
	if p.config.SheetPrefix == "" {
		return sheets[0], nil
	}
	for _, name := range sheets {
		if strings.HasPrefix(name, p.config.SheetPrefix) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no sheet named %s*", p.config.SheetPrefix)
}
