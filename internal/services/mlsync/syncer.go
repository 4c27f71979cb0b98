package mlsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/broker/messages"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/services/statusmap"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type Repository interface {
	ListSyncCandidates(ctx context.Context, statuses []string) ([]*models.Package, error)
	ApplySyncUpdate(ctx context.Context, upd pgstore.SyncStatusUpdate) error
	AppendHistory(ctx context.Context, h pgstore.HistoryAppend) (uint64, error)
	ListStatusMappings(ctx context.Context) ([]*models.StatusMapping, error)
}

type TokenProvider interface {
	GetValidToken(ctx context.Context, storeID uint64) (*models.StoreToken, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Syncer is the reconciliation sweep: it re-polls the carrier for every
// in-transit routed package and heals internal state that drifted from
// webhook reality. One instance runs per deployment.
type Syncer struct {
	repo     Repository
	auth     TokenProvider
	client   meli.Client
	producer Producer
	rl       RateLimiter

	topic string

	interval           time.Duration
	batchSize          int
	batchPause         time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCandidates     atomic.Int64
	totalUpdated        atomic.Int64
	totalUnchanged      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, auth TokenProvider, client meli.Client, producer Producer, rl RateLimiter, topic string) *Syncer {
	return &Syncer{
		repo: repo, auth: auth, client: client, producer: producer, rl: rl, topic: topic,
		interval:           5 * time.Minute,
		batchSize:          10,
		batchPause:         time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Syncer) WithSettings(interval time.Duration, batchSize int, batchPause time.Duration, rlPerMin int64) *Syncer {
	if interval > 0 {
		s.interval = interval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if batchPause > 0 {
		s.batchPause = batchPause
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Syncer) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCycleAt     *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt   *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCandidates int64      `json:"totalCandidates"`
	TotalUpdated    int64      `json:"totalUpdated"`
	TotalUnchanged  int64      `json:"totalUnchanged"`
	TotalErrors     int64      `json:"totalErrors"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalCandidates: s.totalCandidates.Load(),
		TotalUpdated:    s.totalUpdated.Load(),
		TotalUnchanged:  s.totalUnchanged.Load(),
		TotalErrors:     s.totalErrors.Load(),
		InFlight:        s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Syncer) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.noteError(err)
			}
		case <-s.triggerCh:
			if _, err := s.RunOnce(ctx); err != nil {
				s.noteError(err)
			}
		}
	}
}

func (s *Syncer) noteError(err error) {
	slog.Error("sync cycle", "error", err.Error())
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

// RunOnce executes one full sweep and returns the number of candidate
// packages it considered. Per-store token failures skip that store's
// packages; per-package carrier failures are counted and skipped so one
// bad shipment never stalls the cycle.
func (s *Syncer) RunOnce(ctx context.Context) (int, error) {
	s.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	candidates, err := s.repo.ListSyncCandidates(ctx, models.InTransitStatuses)
	if err != nil {
		return 0, errors.Wrap(err, "mlsync: list candidates")
	}
	s.totalCandidates.Add(int64(len(candidates)))
	if len(candidates) == 0 {
		return 0, nil
	}

	mappings, err := s.repo.ListStatusMappings(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "mlsync: list status mappings")
	}

	// group by store preserving staleness order so each store's batch
	// uses one token fetch
	storeOrder := make([]uint64, 0, 4)
	byStore := make(map[uint64][]*models.Package)
	for _, p := range candidates {
		if _, ok := byStore[p.StoreID]; !ok {
			storeOrder = append(storeOrder, p.StoreID)
		}
		byStore[p.StoreID] = append(byStore[p.StoreID], p)
	}

	for _, storeID := range storeOrder {
		tok, err := s.auth.GetValidToken(ctx, storeID)
		if err != nil {
			s.totalErrors.Add(1)
			s.noteError(errors.Wrapf(err, "mlsync: token for store %d", storeID))
			if errors.Is(err, apperr.ErrReauthorizationRequired) {
				slog.Warn("store needs re-linking, skipping its packages", "storeID", storeID)
			}
			continue
		}
		s.sweepStore(ctx, storeID, byStore[storeID], tok.AccessToken, mappings)
	}
	return len(candidates), nil
}

func (s *Syncer) sweepStore(ctx context.Context, storeID uint64, pkgs []*models.Package, accessToken string, mappings []*models.StatusMapping) {
	for start := 0; start < len(pkgs); start += s.batchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + s.batchSize
		if end > len(pkgs) {
			end = len(pkgs)
		}

		var wg sync.WaitGroup
		for _, pkg := range pkgs[start:end] {
			wg.Add(1)
			pkgCopy := pkg
			s.inFlight.Add(1)
			go func() {
				defer func() {
					s.inFlight.Add(-1)
					wg.Done()
				}()
				if err := s.syncOne(ctx, storeID, pkgCopy, accessToken, mappings); err != nil {
					s.totalErrors.Add(1)
					s.noteError(errors.Wrapf(err, "mlsync: package %d", pkgCopy.ID))
				}
			}()
		}
		wg.Wait()

		if end < len(pkgs) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.batchPause):
			}
		}
	}
}

func (s *Syncer) syncOne(ctx context.Context, storeID uint64, pkg *models.Package, accessToken string, mappings []*models.StatusMapping) error {
	if s.rl != nil && s.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:meli:%d:%s", storeID, time.Now().UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, minuteKey, s.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Warn("carrier rate limit exceeded", "storeID", storeID, "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	shipment, err := s.client.GetShipment(ctx, pkg.MLTrackingID, accessToken)
	if err != nil {
		return errors.Wrapf(err, "get shipment %s", pkg.MLTrackingID)
	}
	if err := meli.ValidateShipment(shipment); err != nil {
		return err
	}

	if shipment.Status == pkg.MLStatus && shipment.Substatus == pkg.MLSubstatus {
		s.totalUnchanged.Add(1)
		return nil
	}

	// drift never regresses a package to unknown: keep the current slug
	// when the new external status has no mapping
	slug := statusmap.Resolve(mappings, shipment.Status)
	if slug == "" {
		slug = pkg.VoysStatus
	}

	if err := s.repo.ApplySyncUpdate(ctx, pgstore.SyncStatusUpdate{
		PackageID:   pkg.ID,
		MLStatus:    shipment.Status,
		MLSubstatus: shipment.Substatus,
		VoysStatus:  slug,
		MLLatitude:  shipment.Receiver.Latitude,
		MLLongitude: shipment.Receiver.Longitude,
	}); err != nil {
		return errors.Wrap(err, "apply sync update")
	}

	oldState := joinState(pkg.MLStatus, pkg.MLSubstatus)
	newState := joinState(shipment.Status, shipment.Substatus)
	if _, err := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
		PackageID: pkg.ID,
		Actor:     messages.SourceAutoSync,
		State:     newState,
		Comment:   fmt.Sprintf("Actualización automática desde MercadoLibre: %s -> %s", oldState, newState),
	}); err != nil {
		slog.Error("mlsync: append history", "packageID", pkg.ID, "err", err)
	}

	s.totalUpdated.Add(1)
	s.publish(ctx, pkg, shipment, slug)
	return nil
}

func joinState(status, substatus string) string {
	if substatus == "" {
		return status
	}
	return status + " " + substatus
}

func (s *Syncer) publish(ctx context.Context, pkg *models.Package, shipment *meli.ShipmentPayload, slug string) {
	if s.producer == nil || s.topic == "" {
		return
	}
	var orderID string
	if pkg.MLOrderID != nil {
		orderID = *pkg.MLOrderID
	}
	b, err := json.Marshal(messages.PackageUpdated{
		PackageID:    pkg.ID,
		MLOrderID:    orderID,
		MLTrackingID: pkg.MLTrackingID,
		MLStatus:     shipment.Status,
		MLSubstatus:  shipment.Substatus,
		VoysStatus:   slug,
		Source:       messages.SourceAutoSync,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(strconv.FormatUint(pkg.ID, 10)), b); err != nil {
		slog.Error("mlsync: publish package.updated", "packageID", pkg.ID, "err", err)
	}
}
