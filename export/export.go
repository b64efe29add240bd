// Package export writes tabulated survey data as an .xlsx workbook.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet is a rectangular table. Cells hold strings, numbers, booleans or
// time.Time values; nil leaves the cell empty.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]any
}

// Write renders sheets into a workbook, one worksheet each and in order.
func Write(w io.Writer, sheets []Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("export: no sheets")
	}

	f := excelize.NewFile()
	defer f.Close()

	used := map[string]int{}
	for i, sh := range sheets {
		name := SheetName(sh.Name)
		if n := used[strings.ToLower(name)]; n > 0 {
			suffix := fmt.Sprintf(" (%d)", n+1)
			name = truncate(name, maxSheetName-len(suffix)) + suffix
		}
		used[strings.ToLower(SheetName(sh.Name))]++

		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return fmt.Errorf("export: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("export: new sheet %q: %w", name, err)
		}

		for col, h := range sh.Header {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			if err := f.SetCellValue(name, cell, h); err != nil {
				return fmt.Errorf("export: set header: %w", err)
			}
		}
		for r, row := range sh.Rows {
			for col, val := range row {
				if val == nil {
					continue
				}
				cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
				if err := f.SetCellValue(name, cell, val); err != nil {
					return fmt.Errorf("export: set cell %s: %w", cell, err)
				}
			}
		}
	}
	f.SetActiveSheet(0)

	_, err := f.WriteTo(w)
	return err
}

const maxSheetName = 31

// SheetName makes s usable as a worksheet name: no []:*?/\ characters and
// at most 31 runes.
func SheetName(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	s = strings.Trim(s, "'")
	if s == "" {
		s = "Sheet"
	}
	return truncate(s, maxSheetName)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
