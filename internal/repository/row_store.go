package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
)

const maxSelectLimit = 500

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ErrInvalidIdentifier is returned when a table or column name is not a plain identifier.
var ErrInvalidIdentifier = errors.New("invalid table or column identifier")

// RowStore implements the backend row and counter procedure surface on top of
// GORM. Every committed write is forwarded to the change sink as a row change event.
type RowStore struct {
	db     *gorm.DB
	sink   backend.ChangeSink
	logger zerolog.Logger
	now    func() time.Time
}

var (
	_ backend.Rows       = (*RowStore)(nil)
	_ backend.Procedures = (*RowStore)(nil)
)

// NewRowStore constructs a row store. A nil sink disables change publication.
func NewRowStore(db *gorm.DB, sink backend.ChangeSink, logger zerolog.Logger) *RowStore {
	return &RowStore{
		db:     db,
		sink:   sink,
		logger: logger.With().Str("component", "row_store").Logger(),
		now:    time.Now,
	}
}

func (r *RowStore) Select(ctx context.Context, table string, query backend.Query) ([]backend.Row, error) {
	if err := validateIdentifiers(table, query.Filter); err != nil {
		return nil, err
	}

	tx := r.db.WithContext(ctx).Table(table)
	if len(query.Filter) > 0 {
		tx = tx.Where(map[string]interface{}(query.Filter))
	}
	if query.Order != "" {
		if !identifierPattern.MatchString(query.Order) {
			return nil, fmt.Errorf("order %q: %w", query.Order, ErrInvalidIdentifier)
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: query.Order}, Desc: query.Desc})
	}
	limit := query.Limit
	if limit <= 0 || limit > maxSelectLimit {
		limit = maxSelectLimit
	}

	var rows []map[string]interface{}
	if err := tx.Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]backend.Row, 0, len(rows))
	for _, row := range rows {
		result = append(result, backend.Row(row))
	}
	return result, nil
}

func (r *RowStore) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	if err := validateIdentifiers(table, backend.Filter(row)); err != nil {
		return nil, err
	}

	record := make(map[string]interface{}, len(row)+2)
	for key, value := range row {
		record[key] = value
	}
	if _, ok := record["id"]; !ok {
		record["id"] = uuid.NewString()
	}
	if _, ok := record["created_at"]; !ok {
		record["created_at"] = r.now().UTC()
	}

	if err := r.db.WithContext(ctx).Table(table).Create(record).Error; err != nil {
		return nil, err
	}

	inserted := backend.Row(record)
	r.publish(ctx, backend.EventInsert, table, inserted, nil)
	return inserted, nil
}

func (r *RowStore) Update(ctx context.Context, table string, patch backend.Row, filter backend.Filter) error {
	if err := validateIdentifiers(table, filter); err != nil {
		return err
	}
	if err := validateIdentifiers(table, backend.Filter(patch)); err != nil {
		return err
	}
	if len(filter) == 0 {
		return fmt.Errorf("update on %s requires a filter", table)
	}

	var before []map[string]interface{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(table).Where(map[string]interface{}(filter)).Find(&before).Error; err != nil {
			return err
		}
		if len(before) == 0 {
			return nil
		}
		return tx.Table(table).Where(map[string]interface{}(filter)).Updates(map[string]interface{}(patch)).Error
	})
	if err != nil {
		return err
	}

	for _, old := range before {
		updated := make(backend.Row, len(old)+len(patch))
		for key, value := range old {
			updated[key] = value
		}
		for key, value := range patch {
			updated[key] = value
		}
		r.publish(ctx, backend.EventUpdate, table, updated, backend.Row(old))
	}
	return nil
}

func (r *RowStore) Delete(ctx context.Context, table string, filter backend.Filter) error {
	if err := validateIdentifiers(table, filter); err != nil {
		return err
	}
	if len(filter) == 0 {
		return fmt.Errorf("delete on %s requires a filter", table)
	}

	var removed []map[string]interface{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(table).Where(map[string]interface{}(filter)).Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Table(table).Where(map[string]interface{}(filter)).Delete(map[string]interface{}{}).Error
	})
	if err != nil {
		return err
	}

	for _, old := range removed {
		r.publish(ctx, backend.EventDelete, table, nil, backend.Row(old))
	}
	return nil
}

// Call runs the counter procedures against a content row.
func (r *RowStore) Call(ctx context.Context, function string, args backend.CounterArgs) error {
	if !models.IsCounterColumn(args.ColumnName) {
		return fmt.Errorf("column %q is not a counter: %w", args.ColumnName, ErrInvalidIdentifier)
	}
	if !models.IsContentTable(args.TableName) {
		return fmt.Errorf("table %q has no counters: %w", args.TableName, ErrInvalidIdentifier)
	}

	column := args.ColumnName
	var expr clause.Expr
	switch function {
	case backend.ProcIncrementCounter:
		expr = gorm.Expr(column + " + 1")
	case backend.ProcDecrementCounter:
		expr = gorm.Expr("CASE WHEN " + column + " > 0 THEN " + column + " - 1 ELSE 0 END")
	default:
		return fmt.Errorf("unknown procedure %q", function)
	}

	before := map[string]interface{}{}
	after := map[string]interface{}{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(args.TableName).Where("id = ?", args.RowID).Take(&before).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return backend.ErrNotFound
			}
			return err
		}
		if err := tx.Table(args.TableName).Where("id = ?", args.RowID).UpdateColumn(column, expr).Error; err != nil {
			return err
		}
		return tx.Table(args.TableName).Where("id = ?", args.RowID).Take(&after).Error
	})
	if err != nil {
		return err
	}

	r.publish(ctx, backend.EventUpdate, args.TableName, backend.Row(after), backend.Row(before))
	return nil
}

func (r *RowStore) publish(ctx context.Context, eventType backend.EventType, table string, newRow, oldRow backend.Row) {
	if r.sink == nil {
		return
	}

	event := backend.ChangeEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Schema:          backend.DefaultSchema,
		Table:           table,
		New:             newRow,
		Old:             oldRow,
		CommitTimestamp: r.now().UTC(),
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("table", table).Str("event", string(eventType)).Msg("failed to publish row change")
	}
}

func validateIdentifiers(table string, columns backend.Filter) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("table %q: %w", table, ErrInvalidIdentifier)
	}
	for column := range columns {
		if !identifierPattern.MatchString(column) {
			return fmt.Errorf("column %q: %w", column, ErrInvalidIdentifier)
		}
	}
	return nil
}
