package table

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestParseCSV(t *testing.T) {
	in := "\ufeffNom,Tel,Ville,Prix\nAhmed Benali,0555123456,Oran,4500\n,,,\nSara,0666000000\n"

	tbl, err := Parse("clients.CSV", strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, []string{"Nom", "Tel", "Ville", "Prix"}, tbl.Headers)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "Ahmed Benali", tbl.Cell(0, 0))
	assert.Equal(t, "0666000000", tbl.Cell(1, 1))
	assert.Equal(t, "", tbl.Cell(1, 2), "short row")
	assert.Equal(t, "", tbl.Cell(5, 0), "missing row")
}

func TestParseCSV_HeaderOnly(t *testing.T) {
	_, err := Parse("x.csv", strings.NewReader("Nom,Tel\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestParse_Unsupported(t *testing.T) {
	_, err := Parse("x.pdf", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Full Name", "Phone", "City"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"Leila Saidi", "0777111222", "Blida"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	tbl, err := Parse("upload.xlsx", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{"Full Name", "Phone", "City"}, tbl.Headers)
	assert.Equal(t, [][]string{{"Leila Saidi", "0777111222", "Blida"}}, tbl.Rows)
}
