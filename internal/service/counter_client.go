package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/observability"
)

// CounterClient bumps counter columns through the backend procedures.
// Calls are best effort: failures are logged and dropped, never returned.
type CounterClient interface {
	Increment(ctx context.Context, rowID, column, table string)
	Decrement(ctx context.Context, rowID, column, table string)
}

type counterClient struct {
	procs  backend.Procedures
	logger zerolog.Logger
}

// NewCounterClient constructs a counter client over the backend procedures.
func NewCounterClient(procs backend.Procedures, logger zerolog.Logger) CounterClient {
	return &counterClient{
		procs:  procs,
		logger: logger.With().Str("component", "counter_client").Logger(),
	}
}

func (c *counterClient) Increment(ctx context.Context, rowID, column, table string) {
	c.call(ctx, backend.ProcIncrementCounter, rowID, column, table)
}

func (c *counterClient) Decrement(ctx context.Context, rowID, column, table string) {
	c.call(ctx, backend.ProcDecrementCounter, rowID, column, table)
}

func (c *counterClient) call(ctx context.Context, function, rowID, column, table string) {
	args := backend.CounterArgs{RowID: rowID, ColumnName: column, TableName: table}
	if err := c.procs.Call(ctx, function, args); err != nil {
		observability.CounterRPCFailures().WithLabelValues(function, table).Inc()
		c.logger.Warn().
			Err(err).
			Str("function", function).
			Str("table", table).
			Str("column", column).
			Str("row_id", rowID).
			Msg("counter update dropped")
	}
}
