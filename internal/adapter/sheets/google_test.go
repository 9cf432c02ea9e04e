package gsheets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

func TestColumnIndex(t *testing.T) {
	assert.Equal(t, 0, ColumnIndex("A"))
	assert.Equal(t, 5, ColumnIndex("F"))
	assert.Equal(t, 25, ColumnIndex("Z"))
	assert.Equal(t, 26, ColumnIndex("AA"))
	assert.Equal(t, 27, ColumnIndex("ab"))
	assert.Equal(t, -1, ColumnIndex("A1"))
}

func TestParseResultRange(t *testing.T) {
	start, end, err := ParseResultRange("F:J")
	require.NoError(t, err)
	assert.Equal(t, "F", start)
	assert.Equal(t, "J", end)

	start, end, err = ParseResultRange(" b:f ")
	require.NoError(t, err)
	assert.Equal(t, "B", start)
	assert.Equal(t, "F", end)
}

func TestParseResultRange_Rejects(t *testing.T) {
	for _, r := range []string{"F:H", "F:K", "F", ":J", "F:", "F:J:K", ""} {
		_, _, err := ParseResultRange(r)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, r)
	}
}

func TestVerdictGrid_FillsGapsWithBlanks(t *testing.T) {
	rows := []domain.VerdictRow{
		{RowIndex: 2, Status: domain.StateOK, ResponseCode: 200, LinkFound: true, Indexable: true},
		{RowIndex: 5, Status: domain.StateProblem, ResponseCode: 404},
	}
	values, first, last := verdictGrid(rows)
	assert.Equal(t, 2, first)
	assert.Equal(t, 5, last)
	require.Len(t, values, 4)
	assert.Equal(t, "ok", values[0][0])
	// Gap rows are blanked, not skipped.
	assert.Equal(t, make([]any, domain.ResultRangeWidth), values[1])
	assert.Equal(t, make([]any, domain.ResultRangeWidth), values[2])
	assert.Equal(t, "problem", values[3][0])
}

func TestVerdictCells(t *testing.T) {
	checked := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	cells := verdictCells(domain.VerdictRow{
		RowIndex: 2, Status: domain.StateOK, ResponseCode: 200,
		LinkFound: true, Indexable: true, CheckedAt: checked,
	})
	assert.Equal(t, []any{"ok", 200, "Yes", "", "True (2026-08-26 10:30)"}, cells)

	cells = verdictCells(domain.VerdictRow{
		RowIndex: 3, Status: domain.StateProblem, ResponseCode: 200,
		LinkFound: true, Indexable: false, Reason: "meta robots: noindex", CheckedAt: checked,
	})
	assert.Equal(t, []any{"problem", 200, "No", "meta robots: noindex", "True (2026-08-26 10:30)"}, cells)

	cells = verdictCells(domain.VerdictRow{
		RowIndex: 4, Status: domain.StateProblem, ResponseCode: 404,
		LinkFound: false, Indexable: true, CheckedAt: checked,
	})
	assert.Equal(t, "False (2026-08-26 10:30)", cells[4])

	// Rows that never reached a check carry a bare flag.
	cells = verdictCells(domain.VerdictRow{
		RowIndex: 5, Status: domain.StateProblem, LinkFound: false,
	})
	assert.Equal(t, "False", cells[4])
}

func TestVerdictColor(t *testing.T) {
	green := verdictColor(domain.VerdictRow{Status: domain.StateOK})
	yellow := verdictColor(domain.VerdictRow{Status: domain.StateProblem, LinkFound: true})
	red := verdictColor(domain.VerdictRow{Status: domain.StateProblem})
	grey := verdictColor(domain.VerdictRow{Status: domain.StatePending})

	assert.NotEqual(t, green, yellow)
	assert.NotEqual(t, yellow, red)
	assert.NotEqual(t, red, grey)
	// Red channel dominates the problem colour.
	assert.Greater(t, red.Red, red.Green)
}

func TestQuoteTitle(t *testing.T) {
	assert.Equal(t, "Sheet1", quoteTitle("Sheet1"))
	assert.Equal(t, "'My Links'", quoteTitle("My Links"))
	assert.Equal(t, "'It''s here'", quoteTitle("It's here"))
}
