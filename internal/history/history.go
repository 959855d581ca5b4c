// Package history archives terminal rollout outcomes into Postgres so
// past rollouts stay queryable after the local state file is removed.
// Everything here is best effort: the archive never blocks or fails a
// rollout.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

const rolloutsTable = "rollouts"

type Archive struct {
	db *pgxpool.Pool
	sb squirrel.StatementBuilderType
}

func NewArchive(ctx context.Context, user, password, addr string, port uint16) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=postgres sslmode=disable pool_max_conns=5",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Archive{
		db: pool,
		sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// Record upserts the terminal state of a rollout. Re-running the same
// terminal rollout overwrites the previous row instead of duplicating.
func (a *Archive) Record(ctx context.Context, state *models.RolloutState) error {
	errorsJSON, err := json.Marshal(state.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout errors: %w", err)
	}

	sql, args, err := a.sb.
		Insert(rolloutsTable).
		Columns(
			"rollout_id", "service_group", "service_id", "environment",
			"status", "artifact_version", "stage_map_version", "branch_name",
			"deployed_regions", "errors", "started_at", "finished_at",
		).
		Values(
			state.RolloutID, state.ServiceGroupName, state.ServiceID, state.Environment,
			state.OverallStatus, state.ArtifactVersion, state.StageMapVersion, state.BranchName,
			state.DeployedRegions, errorsJSON, state.StartTime, state.LastUpdateTime,
		).
		Suffix(`on conflict (rollout_id) do update set
			status = excluded.status,
			deployed_regions = excluded.deployed_regions,
			errors = excluded.errors,
			finished_at = excluded.finished_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build archive insert: %w", err)
	}

	if _, err := a.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to archive rollout %s: %w", state.RolloutID, err)
	}
	log.Info().Msgf("archived rollout %s with status %s", state.RolloutID, state.OverallStatus)
	return nil
}

type ArchivedRollout struct {
	RolloutID   models.RolloutID
	ServiceID   string
	Environment string
	Status      models.RolloutStatus
}

// ListRecent returns the latest archived rollouts for a service, newest
// first.
func (a *Archive) ListRecent(ctx context.Context, serviceID string, limit uint64) ([]ArchivedRollout, error) {
	sql, args, err := a.sb.
		Select("rollout_id", "service_id", "environment", "status").
		From(rolloutsTable).
		Where(squirrel.Eq{"service_id": serviceID}).
		OrderBy("finished_at desc").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build archive query: %w", err)
	}

	rows, err := a.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	result := make([]ArchivedRollout, 0, limit)
	for rows.Next() {
		row := ArchivedRollout{}
		if err := rows.Scan(&row.RolloutID, &row.ServiceID, &row.Environment, &row.Status); err != nil {
			return nil, fmt.Errorf("failed to scan archived rollout: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (a *Archive) Close() {
	a.db.Close()
}
