package packages

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

// FilterInput carries the raw query parameters of the listing endpoint.
// Date fields are strings because operators feed them from spreadsheets
// in either dd/mm/yyyy or ISO form.
type FilterInput struct {
	// Exactly one date mode applies; precedence is CutDay, then the
	// StartDate/EndDate range, then the single Date.
	Date      string
	StartDate string
	EndDate   string
	CutDay    string

	MLOrderID    string
	MLTrackingID string
	MLStatus     string
	VoysStatuses []string

	Assigned         *bool
	WithRoute        *bool
	RouteID          *uint64
	StoreID          *uint64
	CustomerID       *uint64
	DeliveryDriverID *uint64

	// Placeholder rows created by carrier test traffic are dropped
	// unless the caller opts in.
	IncludeObfuscated bool
}

// Filter resolves the date inputs into one [from, to) window over the
// order date, queries, and strips obfuscated test packages.
func (s *Service) Filter(ctx context.Context, in FilterInput) ([]*models.Package, error) {
	from, to, err := s.resolveWindow(ctx, in)
	if err != nil {
		return nil, err
	}

	pkgs, err := s.repo.FilterPackages(ctx, pgstore.PackageFilter{
		OrderDateFrom:    from,
		OrderDateTo:      to,
		WithRoute:        in.WithRoute,
		RouteID:          in.RouteID,
		VoysStatuses:     in.VoysStatuses,
		MLOrderID:        in.MLOrderID,
		MLTrackingID:     in.MLTrackingID,
		MLStatus:         in.MLStatus,
		Assigned:         in.Assigned,
		StoreID:          in.StoreID,
		CustomerID:       in.CustomerID,
		DeliveryDriverID: in.DeliveryDriverID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "packages: filter")
	}

	if in.IncludeObfuscated {
		return pkgs, nil
	}
	out := pkgs[:0]
	for _, p := range pkgs {
		if !looksObfuscated(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) resolveWindow(ctx context.Context, in FilterInput) (*time.Time, *time.Time, error) {
	switch {
	case in.CutDay != "":
		if in.StoreID == nil {
			return nil, nil, errors.Wrap(apperr.ErrInvalidInput, "packages: cut window needs a store")
		}
		store, err := s.repo.GetStoreByID(ctx, *in.StoreID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "packages: store for cut window")
		}
		return s.cutWindow(store, in.CutDay)

	case in.StartDate != "" && in.EndDate != "":
		from, err := parseDay(in.StartDate, time.UTC)
		if err != nil {
			return nil, nil, err
		}
		end, err := parseDay(in.EndDate, time.UTC)
		if err != nil {
			return nil, nil, err
		}
		to := end.AddDate(0, 0, 1)
		if to.Before(from) {
			return nil, nil, errors.Wrap(apperr.ErrInvalidInput, "packages: end date before start date")
		}
		return &from, &to, nil

	case in.Date != "":
		from, err := parseDay(in.Date, time.UTC)
		if err != nil {
			return nil, nil, err
		}
		to := from.AddDate(0, 0, 1)
		return &from, &to, nil
	}
	return nil, nil, nil
}

// cutWindow builds the financial cutoff window for a day D: from D-1 at
// the store's cut time (inclusive) to D at the cut time (exclusive), in
// the store's local timezone.
func (s *Service) cutWindow(store *models.Store, day string) (*time.Time, *time.Time, error) {
	if store.CutSchedule == nil || *store.CutSchedule == "" {
		return nil, nil, errors.Wrapf(apperr.ErrInvalidInput, "packages: store %d has no cut schedule", store.ID)
	}
	hour, minute, err := parseCutTime(*store.CutSchedule)
	if err != nil {
		return nil, nil, err
	}

	loc := s.defaultLoc
	if store.Timezone != "" {
		if l, lerr := time.LoadLocation(store.Timezone); lerr == nil {
			loc = l
		}
	}

	d, err := parseDay(day, loc)
	if err != nil {
		return nil, nil, err
	}
	to := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
	from := to.AddDate(0, 0, -1)
	return &from, &to, nil
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(apperr.ErrInvalidInput, "packages: bad date %q", s)
}

func parseCutTime(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.Wrapf(apperr.ErrInvalidInput, "packages: bad cut schedule %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// looksObfuscated flags the synthetic addresses the carrier substitutes on
// test shipments, which come out as runs of one repeated letter ("xxx").
func looksObfuscated(p *models.Package) bool {
	return hasTripleRun(p.MLStreetName) || hasTripleRun(p.MLCityName) || hasTripleRun(p.MLStateName)
}

func hasTripleRun(s string) bool {
	var prev rune
	run := 0
	for _, r := range strings.ToLower(s) {
		if !unicode.IsLetter(r) {
			run, prev = 0, 0
			continue
		}
		if r == prev {
			run++
		} else {
			run, prev = 1, r
		}
		if run >= 3 {
			return true
		}
	}
	return false
}
