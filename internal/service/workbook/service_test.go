package workbook

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"gridcore/internal/calculator"
	"gridcore/internal/catalog"
	"gridcore/internal/events"
	"gridcore/internal/model"
	"gridcore/internal/session"
)

func newService(t *testing.T) *Service {
	t.Helper()
	reg, err := session.NewRegistry(session.Options{
		Open:       session.FileOpener(t.TempDir()),
		BufferSize: 64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return NewService(reg, calculator.NewEngine())
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return events.Event{}
}

func TestSetCellsRecalculatesAndEmits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Budget", "alice")
	require.NoError(t, err)

	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)
	defer sub.Close()

	res, err := svc.SetCells(ctx, wb.ID, "Sheet1", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(10)},
		{Row: 2, Col: 1, Value: model.Literal(20)},
		{Row: 3, Col: 1, Formula: model.FormulaRef("=SUM(A1:A2)")},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, 1, res.UpdatedFormulas)
	assert.Empty(t, res.UnsupportedFormulas)

	cells, err := svc.GetCells(ctx, wb.ID, "Sheet1", model.Rect{StartRow: 3, EndRow: 3, StartCol: 1, EndCol: 1})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "30", *cells[0].EvaluatedValue)

	ev := nextEvent(t, sub)
	assert.Equal(t, events.CellsUpdated, ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "alice", ev.Actor)
	assert.Equal(t, "Sheet1", ev.Payload["sheet"])
	assert.Equal(t, []string{"A1", "A2", "A3"}, ev.Payload["cells"])
	assert.Equal(t, 1, ev.Payload["updatedFormulas"])
}

func TestSetCellsRegistersNewSheet(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "bob")
	require.NoError(t, err)
	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = svc.SetCells(ctx, wb.ID, "Data", []model.CellMutation{{Row: 1, Col: 1, Value: model.Literal("x")}}, "bob")
	require.NoError(t, err)

	sheets, err := svc.ListSheets(wb.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1", "Data"}, sheets)

	assert.Equal(t, events.SheetAdded, nextEvent(t, sub).Type)
	assert.Equal(t, events.CellsUpdated, nextEvent(t, sub).Type)
}

func TestSetCellsReportsUnsupported(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)

	res, err := svc.SetCells(ctx, wb.ID, "Sheet1", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(1)},
		{Row: 1, Col: 2, Formula: model.FormulaRef("=LET(x,A1,x+1)")},
		{Row: 1, Col: 3, Formula: model.FormulaRef("=A1+1")},
	}, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedFormulas)
	assert.Equal(t, []string{"=LET(x,A1,x+1)"}, res.UnsupportedFormulas)
}

func TestSetCellsErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.SetCells(ctx, "missing", "Sheet1", nil, "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	_, err = svc.SetCells(ctx, wb.ID, "Sheet1", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(map[string]int{"a": 1})},
	}, "a")
	assert.ErrorIs(t, err, model.ErrBadRequest)
}

func TestSetCellsRejectedBatchLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = svc.SetCells(ctx, wb.ID, "Ghost", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(10)},
		{Row: 2, Col: 1, Value: model.Literal([]int{1})},
	}, "a")
	require.ErrorIs(t, err, model.ErrBadRequest)

	sheets, err := svc.ListSheets(wb.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1"}, sheets)

	// 下一个事件即是这里发布的事件，序号紧接 workbook.created
	_, err = svc.EmitEvent(wb.ID, "marker", "a", nil)
	require.NoError(t, err)
	ev := nextEvent(t, sub)
	assert.Equal(t, "marker", ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)

	cells, err := svc.GetCells(ctx, wb.ID, "Ghost", model.Rect{StartRow: 1, EndRow: 10, StartCol: 1, EndCol: 10})
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestStructuralEvents(t *testing.T) {
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, svc.UpsertChart(wb.ID, model.Chart{ID: "c1", Type: "line"}, "a"))
	added, err := svc.AddWarning(wb.ID, "w", "a")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = svc.AddWarning(wb.ID, "w", "a")
	require.NoError(t, err)
	assert.False(t, added)
	added, err = svc.RegisterSheetIfMissing(wb.ID, "Sheet1", "a")
	require.NoError(t, err)
	assert.False(t, added)

	ev, err := svc.EmitEvent(wb.ID, "cursor.moved", "a", map[string]any{"cell": "B2"})
	require.NoError(t, err)

	assert.Equal(t, events.ChartUpserted, nextEvent(t, sub).Type)
	assert.Equal(t, events.WarningAdded, nextEvent(t, sub).Type)
	custom := nextEvent(t, sub)
	assert.Equal(t, "cursor.moved", custom.Type)
	assert.Equal(t, ev.Seq, custom.Seq)
	assert.Equal(t, uint64(4), custom.Seq)

	_, err = svc.EmitEvent(wb.ID, "", "a", nil)
	assert.ErrorIs(t, err, model.ErrBadRequest)
}

func TestRecalculateEmits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	_, err = svc.SetCells(ctx, wb.ID, "Sheet1", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(2)},
		{Row: 1, Col: 2, Formula: model.FormulaRef("=A1*3")},
	}, "a")
	require.NoError(t, err)

	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)
	defer sub.Close()

	res, err := svc.Recalculate(ctx, wb.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedCells)
	assert.Equal(t, events.WorkbookRecalculated, nextEvent(t, sub).Type)

	_, err = svc.Recalculate(ctx, "missing", "a")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", "Sales"))
	require.NoError(t, f.SetCellValue("Sales", "A1", 5))
	require.NoError(t, f.SetCellValue("Sales", "A2", 7))
	require.NoError(t, f.SetCellValue("Sales", "A3", 0))
	require.NoError(t, f.SetCellFormula("Sales", "A3", "SUM(A1:A2)"))
	require.NoError(t, f.SetCellValue("Sales", "B1", 99))
	require.NoError(t, f.SetCellFormula("Sales", "B1", "VLOOKUP(A1,A1:A2,1,FALSE)"))
	_, err := f.NewSheet("Notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "hello"))
	require.NoError(t, f.MergeCell("Notes", "A1", "B1"))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestImportXLSX(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	res, err := svc.ImportXLSX(ctx, "Imported", bytes.NewReader(buildWorkbook(t)), "importer")
	require.NoError(t, err)

	assert.Equal(t, []string{"Sales", "Notes"}, res.Workbook.Sheets)
	assert.Equal(t, 5, res.Cells)
	assert.Equal(t, 1, res.UpdatedFormulas)
	assert.Equal(t, []string{"=VLOOKUP(A1,A1:A2,1,FALSE)"}, res.UnsupportedFormulas)
	assert.Len(t, res.Workbook.Warnings, 2)
	assert.Contains(t, res.Workbook.Warnings[1], "kept cached value")

	cells, err := svc.LoadSheetSnapshot(ctx, res.Workbook.ID, "Sales")
	require.NoError(t, err)
	byAddr := map[[2]int]model.Cell{}
	for _, c := range cells {
		byAddr[[2]int{c.Row, c.Col}] = c
	}
	assert.Equal(t, "12", *byAddr[[2]int{3, 1}].EvaluatedValue)
	assert.Equal(t, "99", *byAddr[[2]int{1, 2}].EvaluatedValue)

	_, err = svc.ImportXLSX(ctx, "Broken", bytes.NewReader([]byte("nope")), "importer")
	assert.ErrorIs(t, err, model.ErrBadRequest)
}

func TestImportXLSXRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	reg, err := session.NewRegistry(session.Options{
		Open:    session.FileOpener(dir),
		Remove:  session.FileRemover(dir),
		Catalog: cat,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	svc := NewService(reg, calculator.NewEngine())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = svc.ImportXLSX(ctx, "Report", bytes.NewReader(buildWorkbook(t)), "a")
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, svc.ListWorkbooks())
	entries, err := cat.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.db*"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "catalog.db")}, leftovers)
}

func TestDeleteWorkbook(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	sub, err := svc.Subscribe(wb.ID)
	require.NoError(t, err)

	n, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, svc.DeleteWorkbook(wb.ID))
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), events.ErrSubscriptionClosed)

	_, err = svc.GetWorkbook(wb.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteWorkbook(wb.ID), model.ErrNotFound)

	n, err = svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExportXLSX(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	wb, err := svc.CreateWorkbook("Book", "a")
	require.NoError(t, err)
	_, err = svc.SetCells(ctx, wb.ID, "Sheet1", []model.CellMutation{
		{Row: 1, Col: 1, Value: model.Literal(4)},
		{Row: 2, Col: 1, Formula: model.FormulaRef("=A1*2")},
	}, "a")
	require.NoError(t, err)

	f, err := svc.ExportXLSX(ctx, wb.ID)
	require.NoError(t, err)
	defer f.Close()

	formula, err := f.GetCellFormula("Sheet1", "A2")
	require.NoError(t, err)
	assert.Equal(t, "A1*2", formula)
	v, err := f.GetCellValue("Sheet1", "A1")
	require.NoError(t, err)
	assert.Equal(t, "4", v)

	_, err = svc.ExportXLSX(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
