// Package postgres is the gorm-backed store.Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"lockpoint/internal/domain"
	"lockpoint/internal/store"
	"lockpoint/pkg/geo"
)

const snapshotBatchSize = 500

type Options struct {
	DSN           string
	SlowThreshold time.Duration
	MaxOpenConns  int
	Logger        *slog.Logger
}

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ store.Repository = (*Store)(nil)

// Open connects and migrates. The gorm logger writes through slog at warn level.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = 200 * time.Millisecond
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 20
	}

	lg := logger.New(
		slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(pgdriver.Open(opts.DSN), &gorm.Config{Logger: lg})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, logger: opts.Logger.With("component", "postgres")}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema, tables and the EXIT_NO_REPORT dedup index.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error; err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := db.AutoMigrate(
		&zoneModel{}, &unitModel{}, &soldierModel{}, &transitionModel{},
		&exitReportModel{}, &notificationModel{}, &snapshotModel{}, &auditModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	idx := `CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_exit_once
		ON ` + schema + `.notifications (user_id, type, related_id)
		WHERE type = '` + string(domain.AlertExitNoReport) + `'`
	if err := db.Exec(idx).Error; err != nil {
		return fmt.Errorf("create dedup index: %w", err)
	}

	s.logger.Info("schema migrated", "schema", schema)
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func (s *Store) ListActiveZones(ctx context.Context) ([]domain.Zone, error) {
	var rows []zoneModel
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active zones: %w", err)
	}
	return zonesToDomain(rows), nil
}

func (s *Store) ListZones(ctx context.Context) ([]domain.Zone, error) {
	var rows []zoneModel
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return zonesToDomain(rows), nil
}

func zonesToDomain(rows []zoneModel) []domain.Zone {
	zones := make([]domain.Zone, 0, len(rows))
	for _, r := range rows {
		zones = append(zones, r.toDomain())
	}
	return zones
}

func (s *Store) GetZone(ctx context.Context, id string) (domain.Zone, error) {
	var m zoneModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Zone{}, notFound(err, "zone", id)
	}
	return m.toDomain(), nil
}

func (s *Store) UpsertZone(ctx context.Context, zone domain.Zone) (domain.Zone, error) {
	if err := zone.Shape.Validate(); err != nil {
		return domain.Zone{}, fmt.Errorf("zone %s: %w", zone.ID, err)
	}
	if zone.ID == "" {
		zone.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if zone.CreatedAt.IsZero() {
		zone.CreatedAt = now
	}
	zone.UpdatedAt = now

	m := toZoneModel(zone)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "kind", "center_lat", "center_lng", "radius_meters",
			"vertex_lats", "vertex_lngs", "is_active", "unit_id", "created_by", "updated_at",
		}),
	}).Create(&m).Error
	if err != nil {
		return domain.Zone{}, fmt.Errorf("upsert zone %s: %w", zone.ID, err)
	}
	return s.GetZone(ctx, zone.ID)
}

func (s *Store) GetSoldier(ctx context.Context, id string) (domain.Soldier, error) {
	var m soldierModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Soldier{}, notFound(err, "soldier", id)
	}
	return m.toDomain(), nil
}

func (s *Store) ListSoldiers(ctx context.Context, filter store.SoldierFilter) ([]domain.Soldier, error) {
	q := s.db.WithContext(ctx).Model(&soldierModel{})
	if filter.UnitID != "" {
		q = q.Where("unit_id = ?", filter.UnitID)
	}
	if filter.Status != "" {
		q = q.Where("current_status = ?", string(filter.Status))
	}
	if filter.Role != "" {
		q = q.Where("role = ?", string(filter.Role))
	}

	var rows []soldierModel
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list soldiers: %w", err)
	}
	result := make([]domain.Soldier, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) UpsertSoldier(ctx context.Context, soldier domain.Soldier) error {
	if soldier.ID == "" {
		return errors.New("soldier id is required")
	}
	if soldier.Status == "" {
		soldier.Status = domain.StatusUnknown
	}
	if soldier.Role == "" {
		soldier.Role = domain.RoleSoldier
	}

	m := toSoldierModel(soldier)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"service_number", "first_name", "last_name", "rank_code", "role", "unit_id",
		}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upsert soldier %s: %w", soldier.ID, err)
	}
	return nil
}

func (s *Store) UpdateSoldierStatus(ctx context.Context, id string, status domain.PresenceStatus, loc *geo.Coordinate, at time.Time) error {
	updates := map[string]any{"current_status": string(status)}
	if loc != nil {
		updates["last_known_lat"] = loc.Lat
		updates["last_known_lng"] = loc.Lng
	}
	if !at.IsZero() {
		updates["last_location_update"] = at
	}

	res := s.db.WithContext(ctx).Model(&soldierModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update soldier %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("soldier %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	var m unitModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Unit{}, notFound(err, "unit", id)
	}
	return domain.Unit{ID: m.ID, Name: m.Name, ParentID: m.ParentID, CommanderID: m.CommanderID}, nil
}

func (s *Store) UpsertUnit(ctx context.Context, unit domain.Unit) error {
	if unit.ID == "" {
		return errors.New("unit id is required")
	}
	m := unitModel{ID: unit.ID, Name: unit.Name, ParentID: unit.ParentID, CommanderID: unit.CommanderID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "commander_id"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upsert unit %s: %w", unit.ID, err)
	}
	return nil
}

func (s *Store) CreateTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	id := uuid.New()
	if rec.ID != "" {
		parsed, err := uuid.Parse(rec.ID)
		if err != nil {
			return domain.TransitionRecord{}, fmt.Errorf("transition id %q: %w", rec.ID, err)
		}
		id = parsed
	}
	if rec.Source == "" {
		rec.Source = domain.SourceDevice
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	m := transitionModel{
		ID:           id,
		SoldierID:    rec.SoldierID,
		ZoneID:       rec.ZoneID,
		ZoneName:     rec.ZoneName,
		Kind:         string(rec.Kind),
		Lat:          rec.Location.Lat,
		Lng:          rec.Location.Lng,
		Accuracy:     rec.AccuracyMeters,
		BatteryLevel: rec.BatteryLevel,
		Source:       string(rec.Source),
		Timestamp:    rec.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("create transition: %w", err)
	}
	return m.toDomain(), nil
}

func (s *Store) GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("transition %s: %w", id, store.ErrNotFound)
	}
	var m transitionModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", uid).Error; err != nil {
		return domain.TransitionRecord{}, notFound(err, "transition", id)
	}
	return m.toDomain(), nil
}

func (s *Store) ListTransitions(ctx context.Context, soldierID string, limit int) ([]domain.TransitionRecord, error) {
	q := s.db.WithContext(ctx).Model(&transitionModel{})
	if soldierID != "" {
		q = q.Where("soldier_id = ?", soldierID)
	}

	var rows []transitionModel
	if err := q.Order("timestamp DESC").Limit(store.ListLimit(limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return transitionsToDomain(rows), nil
}

func (s *Store) FindUnreportedExits(ctx context.Context, olderThan time.Time) ([]domain.TransitionRecord, error) {
	t := transitionModel{}.TableName()
	r := exitReportModel{}.TableName()

	var rows []transitionModel
	err := s.db.WithContext(ctx).
		Model(&transitionModel{}).
		Select(t+".*").
		Joins("LEFT JOIN "+r+" ON "+r+".event_id = "+t+".id").
		Where(t+".kind = ? AND "+t+".timestamp < ? AND "+r+".id IS NULL", string(domain.TransitionExit), olderThan).
		Order(t + ".timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find unreported exits: %w", err)
	}
	return transitionsToDomain(rows), nil
}

func transitionsToDomain(rows []transitionModel) []domain.TransitionRecord {
	result := make([]domain.TransitionRecord, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result
}

// CreateExitReport checks ownership and uniqueness inside one transaction.
func (s *Store) CreateExitReport(ctx context.Context, report domain.ExitReport) (domain.ExitReport, error) {
	eventID, err := uuid.Parse(report.EventID)
	if err != nil {
		return domain.ExitReport{}, fmt.Errorf("transition %s: %w", report.EventID, store.ErrNotFound)
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	reportID, err := uuid.Parse(report.ID)
	if err != nil {
		return domain.ExitReport{}, fmt.Errorf("report id %q: %w", report.ID, err)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev transitionModel
		if err := tx.First(&ev, "id = ?", eventID).Error; err != nil {
			return notFound(err, "transition", report.EventID)
		}
		if ev.SoldierID != report.SoldierID {
			return fmt.Errorf("transition %s belongs to another soldier: %w", report.EventID, store.ErrForbidden)
		}

		m := exitReportModel{
			ID:              reportID,
			SoldierID:       report.SoldierID,
			EventID:         eventID,
			Destination:     report.Destination,
			Reason:          string(report.Reason),
			FreeText:        report.FreeText,
			EstimatedReturn: report.EstimatedReturn,
			CreatedAt:       report.CreatedAt,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
		if res.Error != nil {
			return fmt.Errorf("create exit report: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("transition %s: %w", report.EventID, store.ErrAlreadyReported)
		}
		return nil
	})
	if err != nil {
		return domain.ExitReport{}, err
	}
	return report, nil
}

func (s *Store) AlertExists(ctx context.Context, q domain.AlertQuery) (bool, error) {
	db := s.db.WithContext(ctx).Model(&notificationModel{}).
		Where("user_id = ? AND type = ? AND related_id = ?", q.RecipientID, string(q.Type), q.RelatedID)
	if !q.Since.IsZero() {
		db = db.Where("created_at > ?", q.Since)
	}

	var count int64
	if err := db.Count(&count).Error; err != nil {
		return false, fmt.Errorf("alert exists: %w", err)
	}
	return count > 0, nil
}

// CreateAlert inserts with ON CONFLICT DO NOTHING so the partial unique index
// turns a concurrent duplicate EXIT_NO_REPORT into ErrAlreadyNotified.
func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	id := uuid.New()
	if alert.ID != "" {
		parsed, err := uuid.Parse(alert.ID)
		if err != nil {
			return domain.Alert{}, fmt.Errorf("alert id %q: %w", alert.ID, err)
		}
		id = parsed
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	m := notificationModel{
		ID:        id,
		UserID:    alert.RecipientID,
		Type:      string(alert.Type),
		RelatedID: alert.RelatedID,
		Title:     alert.Title,
		Body:      alert.Body,
		Read:      alert.Read,
		CreatedAt: alert.CreatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return domain.Alert{}, fmt.Errorf("create alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Alert{}, store.ErrAlreadyNotified
	}
	return m.toDomain(), nil
}

func (s *Store) ListAlerts(ctx context.Context, recipientID string, limit int) ([]domain.Alert, error) {
	q := s.db.WithContext(ctx).Model(&notificationModel{})
	if recipientID != "" {
		q = q.Where("user_id = ?", recipientID)
	}

	var rows []notificationModel
	if err := q.Order("created_at DESC").Limit(store.ListLimit(limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	result := make([]domain.Alert, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) AppendStatusSnapshots(ctx context.Context, rows []domain.StatusSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().UTC()
	models := make([]snapshotModel, 0, len(rows))
	for _, r := range rows {
		m := snapshotModel{
			ID:         uuid.New(),
			SoldierID:  r.SoldierID,
			UnitID:     r.UnitID,
			Status:     string(r.Status),
			CapturedAt: r.CapturedAt,
		}
		if m.CapturedAt.IsZero() {
			m.CapturedAt = now
		}
		if r.Location != nil {
			lat, lng := r.Location.Lat, r.Location.Lng
			m.Lat, m.Lng = &lat, &lng
		}
		models = append(models, m)
	}

	if err := s.db.WithContext(ctx).CreateInBatches(models, snapshotBatchSize).Error; err != nil {
		return fmt.Errorf("append snapshots: %w", err)
	}
	return nil
}

func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&snapshotModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	m := auditModel{
		ID:         uuid.New(),
		UserID:     entry.UserID,
		Action:     string(entry.Action),
		Resource:   entry.Resource,
		ResourceID: entry.ResourceID,
		Detail:     detail,
		CreatedAt:  entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
