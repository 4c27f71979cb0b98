package packages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

func TestHasTripleRun(t *testing.T) {
	require.True(t, hasTripleRun("xxx"))
	require.True(t, hasTripleRun("Avenida XXXXX 123"))
	require.True(t, hasTripleRun("xXx"), "case-insensitive")
	require.False(t, hasTripleRun("Caballito"), "double letters are legitimate")
	require.False(t, hasTripleRun("Villa Crespo"))
	require.False(t, hasTripleRun("x x x"), "runs are broken by non-letters")
	require.False(t, hasTripleRun(""))
}

func TestFilter_DropsObfuscated(t *testing.T) {
	repo := newRepo()
	repo.filterOut = []*models.Package{
		{ID: 1, MLStreetName: "Av. Rivadavia 1234", MLCityName: "CABA", MLStateName: "Buenos Aires"},
		{ID: 2, MLStreetName: "xxxxxx", MLCityName: "xxxxxx", MLStateName: "xxxxxx"},
		{ID: 3, MLStreetName: "Calle Falsa 123", MLCityName: "Springfield", MLStateName: "BA"},
	}
	svc := New(repo, nil, 0, time.UTC)

	got, err := svc.Filter(context.Background(), FilterInput{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	require.Equal(t, uint64(3), got[1].ID)

	got, err = svc.Filter(context.Background(), FilterInput{IncludeObfuscated: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestFilter_SingleDateWindow(t *testing.T) {
	repo := newRepo()
	svc := New(repo, nil, 0, time.UTC)

	_, err := svc.Filter(context.Background(), FilterInput{Date: "2026-03-15"})
	require.NoError(t, err)

	require.NotNil(t, repo.filterIn.OrderDateFrom)
	require.NotNil(t, repo.filterIn.OrderDateTo)
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), *repo.filterIn.OrderDateFrom)
	require.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), *repo.filterIn.OrderDateTo)
}

func TestFilter_RangeWindowAndFormats(t *testing.T) {
	repo := newRepo()
	svc := New(repo, nil, 0, time.UTC)

	// dd/mm/yyyy comes from operator spreadsheets
	_, err := svc.Filter(context.Background(), FilterInput{StartDate: "01/03/2026", EndDate: "05/03/2026"})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *repo.filterIn.OrderDateFrom)
	require.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), *repo.filterIn.OrderDateTo, "end date is inclusive")

	_, err = svc.Filter(context.Background(), FilterInput{StartDate: "2026-03-05", EndDate: "2026-03-01"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Filter(context.Background(), FilterInput{Date: "15-03-2026"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFilter_CutWindow(t *testing.T) {
	repo := newRepo()
	cut := "18:30"
	repo.stores[5] = &models.Store{ID: 5, CutSchedule: &cut, Timezone: "America/Argentina/Buenos_Aires"}
	svc := New(repo, nil, 0, time.UTC)

	storeID := uint64(5)
	_, err := svc.Filter(context.Background(), FilterInput{CutDay: "2026-03-15", StoreID: &storeID})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 14, 18, 30, 0, 0, loc).UTC(), repo.filterIn.OrderDateFrom.UTC())
	require.Equal(t, time.Date(2026, 3, 15, 18, 30, 0, 0, loc).UTC(), repo.filterIn.OrderDateTo.UTC())
}

func TestFilter_CutWindowValidation(t *testing.T) {
	repo := newRepo()
	repo.stores[5] = &models.Store{ID: 5} // no cut schedule
	svc := New(repo, nil, 0, time.UTC)

	_, err := svc.Filter(context.Background(), FilterInput{CutDay: "2026-03-15"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput, "cut window needs a store id")

	storeID := uint64(5)
	_, err = svc.Filter(context.Background(), FilterInput{CutDay: "2026-03-15", StoreID: &storeID})
	require.ErrorIs(t, err, apperr.ErrInvalidInput, "store without cut schedule")

	storeID = 404
	_, err = svc.Filter(context.Background(), FilterInput{CutDay: "2026-03-15", StoreID: &storeID})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFilter_CutWindowWinsOverRange(t *testing.T) {
	repo := newRepo()
	cut := "10:00"
	repo.stores[5] = &models.Store{ID: 5, CutSchedule: &cut, Timezone: "UTC"}
	svc := New(repo, nil, 0, time.UTC)

	storeID := uint64(5)
	_, err := svc.Filter(context.Background(), FilterInput{
		CutDay:    "2026-03-15",
		StartDate: "2026-01-01",
		EndDate:   "2026-01-31",
		StoreID:   &storeID,
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), repo.filterIn.OrderDateFrom.UTC())
}
