// Package service реализует бизнес-логику сервиса сверки выручки:
// циклы синхронизации источников, атрибуцию и пересчёт LTV.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/revenue-system/internal/ltv"
	"github.com/mmeshcher/revenue-system/internal/model"
	"github.com/mmeshcher/revenue-system/internal/reconcile"
	"github.com/mmeshcher/revenue-system/internal/source"
)

// ErrSyncRunning возвращается при попытке запустить цикл, пока идёт другой.
var ErrSyncRunning = errors.New("sync cycle already running")

// Окно перекрытия при чтении курсора: поздно пришедшие записи
// источника перечитываются следующим циклом.
const cursorOverlap = 24 * time.Hour

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	ReadCursor(ctx context.Context, stream string) (*time.Time, error)
	AdvanceCursor(ctx context.Context, stream string, value time.Time) error
	CompactCursors(ctx context.Context) (int64, error)
	CursorStates(ctx context.Context) ([]model.CursorState, error)
	InsertAttributionEvents(ctx context.Context, events []model.AttributionEvent) (int, error)
	LTVByEmail(ctx context.Context, email string) ([]model.LTVRecord, error)
	UpsertLead(ctx context.Context, lead *model.Lead) error
}

// Merger сливает пакет записей источника в каноническое хранилище.
type Merger interface {
	Merge(ctx context.Context, src string, batch *source.Batch) (*reconcile.Stats, error)
}

// Linker связывает платежи с маркетинговыми касаниями.
type Linker interface {
	Link(ctx context.Context, lookback time.Duration) (int, error)
}

// Aggregator пересчитывает LTV по источникам.
type Aggregator interface {
	Recompute(ctx context.Context, sources []string) (ltv.Stats, error)
}

// EventsFetcher загружает события покупок одной маркетинговой платформы.
type EventsFetcher interface {
	Platform() string
	FetchPurchaseEvents(ctx context.Context, start, end time.Time) ([]model.AttributionEvent, error)
}

// Options задаёт параметры циклов синхронизации.
type Options struct {
	SyncInterval time.Duration
	Lookback     time.Duration
	BackfillDays int
}

// Service содержит бизнес-логику сервиса сверки выручки.
type Service struct {
	repo     Repository
	engine   Merger
	linker   Linker
	ltv      Aggregator
	adapters []source.Adapter
	events   []EventsFetcher
	opts     Options
	logger   *zap.Logger

	cycleMu sync.Mutex

	stateMu sync.Mutex
	running bool
	lastRun *model.CycleSummary
}

// NewService создаёт сервис. events может быть пустым, если маркетинговые
// платформы не настроены; тогда шаги атрибуции и LTV пропускаются
// только в части загрузки событий.
func NewService(repo Repository, engine Merger, linker Linker, aggregator Aggregator,
	adapters []source.Adapter, events []EventsFetcher, opts Options, logger *zap.Logger) *Service {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Hour
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	if opts.BackfillDays <= 0 {
		opts.BackfillDays = 365
	}
	return &Service{
		repo:     repo,
		engine:   engine,
		linker:   linker,
		ltv:      aggregator,
		adapters: adapters,
		events:   events,
		opts:     opts,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Start запускает периодические циклы синхронизации. Первый цикл
// выполняется сразу. Если предыдущий цикл ещё идёт, очередной тик
// пропускается.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.runQuietly(ctx)

		ticker := time.NewTicker(s.opts.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runQuietly(ctx)
			}
		}
	}()
}

func (s *Service) runQuietly(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrSyncRunning) {
		s.logger.Error("sync cycle failed", zap.Error(err))
	}
}

// RunCycle выполняет один цикл: тянет записи всех источников, сливает их,
// загружает события аналитики, связывает атрибуцию и пересчитывает LTV.
// Отказ одного потока не прерывает остальные.
func (s *Service) RunCycle(ctx context.Context) (*model.CycleSummary, error) {
	if !s.cycleMu.TryLock() {
		return nil, ErrSyncRunning
	}
	defer s.cycleMu.Unlock()

	s.setRunning(true)
	defer s.setRunning(false)

	summary := &model.CycleSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Streams:   make([]model.StreamResult, len(s.adapters)),
	}

	s.logger.Info("sync cycle started", zap.String("run_id", summary.RunID))

	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range s.adapters {
		g.Go(func() error {
			summary.Streams[i] = s.syncStream(gctx, adapter)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if len(s.events) > 0 {
		s.ingestEvents(ctx, summary)
	}

	if s.linker != nil {
		created, err := s.linker.Link(ctx, s.opts.Lookback)
		summary.LinksCreated = created
		if err != nil {
			s.logger.Error("attribution linking failed", zap.Error(err))
		}
	}

	if s.ltv != nil {
		sources := make([]string, 0, len(s.adapters))
		for _, a := range s.adapters {
			sources = append(sources, a.Name())
		}
		stats, err := s.ltv.Recompute(ctx, sources)
		summary.LTVSources = stats.Sources
		summary.LTVCustomers = stats.Customers
		summary.LTVWritten = stats.Written
		if err != nil {
			s.logger.Error("ltv recompute failed", zap.Error(err))
		}
	}

	summary.FinishedAt = time.Now().UTC()

	s.stateMu.Lock()
	s.lastRun = summary
	s.stateMu.Unlock()

	s.logger.Info("sync cycle finished",
		zap.String("run_id", summary.RunID),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)))

	return summary, nil
}

// syncStream обрабатывает один поток источника: курсор, выборка, слияние,
// продвижение курсора. Ошибка фиксируется в результате потока, курсор
// при этом не продвигается.
func (s *Service) syncStream(ctx context.Context, adapter source.Adapter) model.StreamResult {
	res := model.StreamResult{Stream: adapter.Stream()}

	cursor, err := s.repo.ReadCursor(ctx, adapter.Stream())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	since := s.sinceFor(cursor)

	batch, err := adapter.Fetch(ctx, since)
	if err != nil {
		s.logger.Error("fetch failed",
			zap.String("stream", adapter.Stream()), zap.Error(err))
		res.Error = err.Error()
		return res
	}

	stats, err := s.engine.Merge(ctx, adapter.Name(), batch)
	if stats != nil {
		res.Detected = stats.Detected
		res.Inserted = stats.Inserted
		res.Updated = stats.Updated
		res.Skipped = stats.Skipped
	}
	if err != nil {
		s.logger.Error("merge failed",
			zap.String("stream", adapter.Stream()), zap.Error(err))
		res.Error = err.Error()
		return res
	}

	// Пакет, состоящий только из поздно пришедших записей окна перекрытия,
	// не должен откатывать водяной знак назад.
	if stats.Latest != nil && (cursor == nil || stats.Latest.After(*cursor)) {
		if err := s.repo.AdvanceCursor(ctx, adapter.Stream(), *stats.Latest); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Watermark = stats.Latest
	}

	s.logger.Info("stream synced",
		zap.String("stream", adapter.Stream()),
		zap.Int("detected", res.Detected),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped))

	return res
}

// sinceFor возвращает нижнюю границу выборки потока: курсор минус окно
// перекрытия либо глубина первоначальной загрузки, если курсора нет.
func (s *Service) sinceFor(cursor *time.Time) *time.Time {
	var since time.Time
	if cursor != nil {
		since = cursor.Add(-cursorOverlap)
	} else {
		since = time.Now().UTC().AddDate(0, 0, -s.opts.BackfillDays)
	}
	return &since
}

// ingestEvents загружает события всех настроенных платформ. Отказ одной
// платформы не мешает остальным.
func (s *Service) ingestEvents(ctx context.Context, summary *model.CycleSummary) {
	end := time.Now().UTC()
	start := end.Add(-s.opts.Lookback)

	for _, fetcher := range s.events {
		events, err := fetcher.FetchPurchaseEvents(ctx, start, end)
		if err != nil {
			s.logger.Error("analytics fetch failed",
				zap.String("platform", fetcher.Platform()), zap.Error(err))
			continue
		}

		inserted, err := s.repo.InsertAttributionEvents(ctx, events)
		if err != nil {
			s.logger.Error("store analytics events failed",
				zap.String("platform", fetcher.Platform()), zap.Error(err))
			continue
		}

		summary.EventsFetched += inserted
		s.logger.Info("analytics events ingested",
			zap.String("platform", fetcher.Platform()),
			zap.Int("fetched", len(events)), zap.Int("new", inserted))
	}
}

func (s *Service) setRunning(v bool) {
	s.stateMu.Lock()
	s.running = v
	s.stateMu.Unlock()
}

// SyncStatus описывает текущее состояние синхронизации.
type SyncStatus struct {
	Running bool                `json:"running"`
	LastRun *model.CycleSummary `json:"last_run,omitempty"`
	Cursors []model.CursorState `json:"cursors"`
}

// Status возвращает состояние синхронизации и актуальные курсоры.
func (s *Service) Status(ctx context.Context) (*SyncStatus, error) {
	cursors, err := s.repo.CursorStates(ctx)
	if err != nil {
		return nil, err
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return &SyncStatus{
		Running: s.running,
		LastRun: s.lastRun,
		Cursors: cursors,
	}, nil
}

// CompactCursors удаляет устаревшие строки курсоров.
func (s *Service) CompactCursors(ctx context.Context) (int64, error) {
	return s.repo.CompactCursors(ctx)
}

// LTVByEmail возвращает накопленные значения LTV для почты.
func (s *Service) LTVByEmail(ctx context.Context, email string) ([]model.LTVRecord, error) {
	return s.repo.LTVByEmail(ctx, email)
}

// SaveLead сохраняет лид вебхука.
func (s *Service) SaveLead(ctx context.Context, lead *model.Lead) error {
	if lead.Email == "" {
		return errors.New("lead email is required")
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	return s.repo.UpsertLead(ctx, lead)
}
