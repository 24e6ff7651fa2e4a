package datastore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by migrations

	"github.com/cicadatesting/cicada/pkg/types"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresDatastore stores test state in postgres. Queues are tables
// drained with DELETE ... RETURNING, manager registries are rows ordered
// by a sequence column, and metric series are rows aggregated per query.
type PostgresDatastore struct {
	pool *pgxpool.Pool
}

var _ Datastore = (*PostgresDatastore)(nil)

// NewPostgresDatastore connects to databaseURL, applies pending schema
// migrations, and returns a ready datastore.
func NewPostgresDatastore(ctx context.Context, databaseURL string) (*PostgresDatastore, error) {
	if err := runPostgresMigrations(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)

	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging postgres: %w", err)
	}

	return &PostgresDatastore{pool: pool}, nil
}

// Close releases the connection pool.
func (d *PostgresDatastore) Close() {
	d.pool.Close()
}

// runPostgresMigrations applies the embedded migration files. Migrations
// run over a dedicated database/sql connection so that closing the
// migrator cannot tear down the query pool.
func runPostgresMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)

	if err != nil {
		return fmt.Errorf("error opening migration connection: %w", err)
	}

	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})

	if err != nil {
		return fmt.Errorf("error creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")

	if err != nil {
		return fmt.Errorf("error creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)

	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error applying migrations: %w", err)
	}

	return sourceDriver.Close()
}

func (d *PostgresDatastore) CreateTest(
	ctx context.Context,
	backendAddress string,
	schedulingMetadata json.RawMessage,
	tags []string,
	env map[string]string,
) (string, error) {
	testID := newTestID()

	if schedulingMetadata == nil {
		schedulingMetadata = json.RawMessage(`{}`)
	}

	if tags == nil {
		tags = []string{}
	}

	if env == nil {
		env = map[string]string{}
	}

	_, err := d.pool.Exec(
		ctx,
		`INSERT INTO tests (id, backend_address, scheduling_metadata, tags, env)
		 VALUES ($1, $2, $3, $4, $5)`,
		testID, backendAddress, schedulingMetadata, tags, env,
	)

	if err != nil {
		return "", fmt.Errorf("error creating test: %w", err)
	}

	return testID, nil
}

func (d *PostgresDatastore) GetTest(ctx context.Context, testID string) (*Test, error) {
	test := Test{}

	err := d.pool.QueryRow(
		ctx,
		`SELECT id, backend_address, scheduling_metadata, tags, env FROM tests WHERE id = $1`,
		testID,
	).Scan(&test.ID, &test.BackendAddress, &test.SchedulingMetadata, &test.Tags, &test.Env)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting test: %w", err)
	}

	return &test, nil
}

func (d *PostgresDatastore) CreateScenario(
	ctx context.Context,
	testID, name, encodedContext string,
	usersPerInstance int,
	tags []string,
) (string, error) {
	if _, err := d.GetTest(ctx, testID); err != nil {
		return "", err
	}

	scenarioID := newScenarioID()

	if tags == nil {
		tags = []string{}
	}

	_, err := d.pool.Exec(
		ctx,
		`INSERT INTO scenarios (id, test_id, name, context, users_per_instance, tags)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		scenarioID, testID, name, encodedContext, usersPerInstance, tags,
	)

	if err != nil {
		return "", fmt.Errorf("error creating scenario: %w", err)
	}

	return scenarioID, nil
}

func (d *PostgresDatastore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	scenario := Scenario{}

	err := d.pool.QueryRow(
		ctx,
		`SELECT id, test_id, name, context, users_per_instance, tags FROM scenarios WHERE id = $1`,
		scenarioID,
	).Scan(
		&scenario.ID,
		&scenario.TestID,
		&scenario.Name,
		&scenario.Context,
		&scenario.UsersPerInstance,
		&scenario.Tags,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting scenario: %w", err)
	}

	return &scenario, nil
}

func (d *PostgresDatastore) managerIDs(ctx context.Context, tx pgx.Tx, scenarioID string) ([]string, error) {
	rows, err := tx.Query(
		ctx,
		`SELECT id FROM user_managers WHERE scenario_id = $1 ORDER BY seq`,
		scenarioID,
	)

	if err != nil {
		return nil, fmt.Errorf("error getting managers: %w", err)
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (d *PostgresDatastore) pushUserEvent(ctx context.Context, tx pgx.Tx, managerID string, event types.UserEvent) error {
	b, err := json.Marshal(event)

	if err != nil {
		return fmt.Errorf("error marshalling user event: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO user_events (manager_id, kind, event) VALUES ($1, $2, $3)`,
		managerID, event.Kind, b,
	)

	if err != nil {
		return fmt.Errorf("error adding user event: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) addWork(ctx context.Context, tx pgx.Tx, managerID string, amount int) error {
	_, err := tx.Exec(
		ctx,
		`INSERT INTO user_work (manager_id, amount) VALUES ($1, $2)
		 ON CONFLICT (manager_id) DO UPDATE SET amount = user_work.amount + EXCLUDED.amount`,
		managerID, amount,
	)

	if err != nil {
		return fmt.Errorf("error adding work: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) CreateUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	scenario, err := d.GetScenario(ctx, scenarioID)

	if err != nil {
		return nil, err
	}

	if amount < 1 {
		return []string{}, nil
	}

	tx, err := d.pool.Begin(ctx)

	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback(ctx)

	managers, err := d.managerIDs(ctx, tx, scenarioID)

	if err != nil {
		return nil, err
	}

	usersToCreate := map[string][]string{}
	eventOrder := []string{}
	newManagers := []string{}
	remaining := amount

	for _, managerID := range managers {
		var existing int

		err := tx.QueryRow(
			ctx,
			`SELECT COUNT(*) FROM users WHERE manager_id = $1`,
			managerID,
		).Scan(&existing)

		if err != nil {
			return nil, fmt.Errorf("error counting users: %w", err)
		}

		fill := min(remaining, scenario.UsersPerInstance-existing)

		if fill < 1 {
			continue
		}

		for i := 0; i < fill; i++ {
			usersToCreate[managerID] = append(usersToCreate[managerID], newUserID())
		}

		eventOrder = append(eventOrder, managerID)
		remaining -= fill
	}

	for remaining > 0 {
		managerID := newUserManagerID()

		_, err := tx.Exec(
			ctx,
			`INSERT INTO user_managers (id, scenario_id) VALUES ($1, $2)`,
			managerID, scenarioID,
		)

		if err != nil {
			return nil, fmt.Errorf("error creating manager: %w", err)
		}

		count := min(scenario.UsersPerInstance, remaining)

		for i := 0; i < count; i++ {
			usersToCreate[managerID] = append(usersToCreate[managerID], newUserID())
		}

		eventOrder = append(eventOrder, managerID)
		newManagers = append(newManagers, managerID)
		remaining -= count
	}

	for _, managerID := range eventOrder {
		userIDs := usersToCreate[managerID]

		for _, userID := range userIDs {
			_, err := tx.Exec(
				ctx,
				`INSERT INTO users (id, manager_id) VALUES ($1, $2)`,
				userID, managerID,
			)

			if err != nil {
				return nil, fmt.Errorf("error creating user: %w", err)
			}
		}

		event := types.UserEvent{
			Kind:    types.StartUsersEvent,
			Payload: types.UserEventPayload{IDs: userIDs},
		}

		if err := d.pushUserEvent(ctx, tx, managerID, event); err != nil {
			return nil, err
		}
	}

	if err := d.flushBuffers(ctx, tx, scenarioID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}

	return newManagers, nil
}

func (d *PostgresDatastore) flushBuffers(ctx context.Context, tx pgx.Tx, scenarioID string) error {
	var bufferedAmount int

	err := tx.QueryRow(
		ctx,
		`DELETE FROM buffered_work WHERE scenario_id = $1 RETURNING amount`,
		scenarioID,
	).Scan(&bufferedAmount)

	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("error flushing buffered work: %w", err)
	}

	if bufferedAmount > 0 {
		if err := d.distributeWork(ctx, tx, scenarioID, bufferedAmount); err != nil {
			return err
		}
	}

	rows, err := tx.Query(
		ctx,
		`DELETE FROM buffered_events WHERE scenario_id = $1 RETURNING id, event`,
		scenarioID,
	)

	if err != nil {
		return fmt.Errorf("error flushing buffered events: %w", err)
	}

	type bufferedEvent struct {
		seq int64
		raw []byte
	}

	buffered := []bufferedEvent{}

	for rows.Next() {
		entry := bufferedEvent{}

		if err := rows.Scan(&entry.seq, &entry.raw); err != nil {
			rows.Close()
			return fmt.Errorf("error scanning buffered event: %w", err)
		}

		buffered = append(buffered, entry)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading buffered events: %w", err)
	}

	if len(buffered) < 1 {
		return nil
	}

	managers, err := d.managerIDs(ctx, tx, scenarioID)

	if err != nil {
		return err
	}

	for _, entry := range buffered {
		event := types.UserEvent{}

		if err := json.Unmarshal(entry.raw, &event); err != nil {
			return fmt.Errorf("error loading buffered event: %w", err)
		}

		for _, managerID := range managers {
			if err := d.pushUserEvent(ctx, tx, managerID, event); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *PostgresDatastore) StopUsers(ctx context.Context, scenarioID string, amount int) ([]string, error) {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	tx, err := d.pool.Begin(ctx)

	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback(ctx)

	managers, err := d.managerIDs(ctx, tx, scenarioID)

	if err != nil {
		return nil, err
	}

	stoppedManagers := []string{}
	remaining := amount

	for _, managerID := range managers {
		if remaining < 1 {
			break
		}

		rows, err := tx.Query(
			ctx,
			`DELETE FROM users WHERE id IN (
			    SELECT id FROM users WHERE manager_id = $1 ORDER BY seq LIMIT $2
			 ) RETURNING id`,
			managerID, remaining,
		)

		if err != nil {
			return nil, fmt.Errorf("error removing users: %w", err)
		}

		removed, err := pgx.CollectRows(rows, pgx.RowTo[string])

		if err != nil {
			return nil, fmt.Errorf("error collecting removed users: %w", err)
		}

		event := types.UserEvent{
			Kind:    types.StopUsersEvent,
			Payload: types.UserEventPayload{IDs: removed},
		}

		if err := d.pushUserEvent(ctx, tx, managerID, event); err != nil {
			return nil, err
		}

		var left int

		err = tx.QueryRow(
			ctx,
			`SELECT COUNT(*) FROM users WHERE manager_id = $1`,
			managerID,
		).Scan(&left)

		if err != nil {
			return nil, fmt.Errorf("error counting users: %w", err)
		}

		if left < 1 {
			_, err := tx.Exec(ctx, `DELETE FROM user_managers WHERE id = $1`, managerID)

			if err != nil {
				return nil, fmt.Errorf("error removing manager: %w", err)
			}

			stoppedManagers = append(stoppedManagers, managerID)
		}

		remaining -= len(removed)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}

	return stoppedManagers, nil
}

func (d *PostgresDatastore) DistributeWork(ctx context.Context, scenarioID string, amount int) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	tx, err := d.pool.Begin(ctx)

	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback(ctx)

	if err := d.distributeWork(ctx, tx, scenarioID, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) distributeWork(ctx context.Context, tx pgx.Tx, scenarioID string, amount int) error {
	managers, err := d.managerIDs(ctx, tx, scenarioID)

	if err != nil {
		return err
	}

	if len(managers) < 1 {
		_, err := tx.Exec(
			ctx,
			`INSERT INTO buffered_work (scenario_id, amount) VALUES ($1, $2)
			 ON CONFLICT (scenario_id) DO UPDATE SET amount = buffered_work.amount + EXCLUDED.amount`,
			scenarioID, amount,
		)

		if err != nil {
			return fmt.Errorf("error buffering work: %w", err)
		}

		return nil
	}

	rand.Shuffle(len(managers), func(i, j int) {
		managers[i], managers[j] = managers[j], managers[i]
	})

	base := amount / len(managers)
	remainder := amount % len(managers)

	for i, managerID := range managers {
		share := base

		if i < remainder {
			share++
		}

		if share < 1 {
			continue
		}

		if err := d.addWork(ctx, tx, managerID, share); err != nil {
			return err
		}
	}

	return nil
}

func (d *PostgresDatastore) GetUserWork(ctx context.Context, userManagerID string) (int, error) {
	var amount int

	err := d.pool.QueryRow(
		ctx,
		`DELETE FROM user_work WHERE manager_id = $1 RETURNING amount`,
		userManagerID,
	).Scan(&amount)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("error getting work: %w", err)
	}

	return amount, nil
}

func (d *PostgresDatastore) AddUserEvent(ctx context.Context, scenarioID string, event types.UserEvent) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	tx, err := d.pool.Begin(ctx)

	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback(ctx)

	managers, err := d.managerIDs(ctx, tx, scenarioID)

	if err != nil {
		return err
	}

	if len(managers) < 1 {
		b, err := json.Marshal(event)

		if err != nil {
			return fmt.Errorf("error marshalling user event: %w", err)
		}

		_, err = tx.Exec(
			ctx,
			`INSERT INTO buffered_events (scenario_id, event) VALUES ($1, $2)`,
			scenarioID, b,
		)

		if err != nil {
			return fmt.Errorf("error buffering user event: %w", err)
		}
	}

	for _, managerID := range managers {
		if err := d.pushUserEvent(ctx, tx, managerID, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) GetUserEvents(ctx context.Context, userManagerID, kind string) ([]types.UserEvent, error) {
	rows, err := d.pool.Query(
		ctx,
		`WITH drained AS (
		    DELETE FROM user_events WHERE manager_id = $1 AND kind = $2 RETURNING id, event
		 ) SELECT event FROM drained ORDER BY id`,
		userManagerID, kind,
	)

	if err != nil {
		return nil, fmt.Errorf("error draining user events: %w", err)
	}

	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])

	if err != nil {
		return nil, fmt.Errorf("error collecting user events: %w", err)
	}

	events := []types.UserEvent{}

	for _, raw := range raws {
		event := types.UserEvent{}

		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("error loading user event: %w", err)
		}

		events = append(events, event)
	}

	return events, nil
}

func (d *PostgresDatastore) AddUserResults(ctx context.Context, userManagerID string, results []types.Result) error {
	for _, result := range results {
		b, err := json.Marshal(result)

		if err != nil {
			return fmt.Errorf("error marshalling result: %w", err)
		}

		_, err = d.pool.Exec(
			ctx,
			`INSERT INTO user_results (manager_id, result) VALUES ($1, $2)`,
			userManagerID, b,
		)

		if err != nil {
			return fmt.Errorf("error adding result: %w", err)
		}
	}

	return nil
}

func (d *PostgresDatastore) MoveUserResults(ctx context.Context, scenarioID string, limit int) ([]types.Result, error) {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(
		ctx,
		`WITH drained AS (
		    DELETE FROM user_results WHERE id IN (
		        SELECT r.id FROM user_results r
		        JOIN user_managers m ON m.id = r.manager_id
		        WHERE m.scenario_id = $1
		        ORDER BY r.id LIMIT $2
		    ) RETURNING id, result
		 ) SELECT result FROM drained ORDER BY id`,
		scenarioID, limit,
	)

	if err != nil {
		return nil, fmt.Errorf("error draining results: %w", err)
	}

	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])

	if err != nil {
		return nil, fmt.Errorf("error collecting results: %w", err)
	}

	results := []types.Result{}

	for _, raw := range raws {
		result := types.Result{}

		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("error loading result: %w", err)
		}

		results = append(results, result)
	}

	return results, nil
}

func (d *PostgresDatastore) SetScenarioResult(
	ctx context.Context,
	scenarioID string,
	output json.RawMessage,
	exception *string,
	logs string,
	timeTaken float64,
	succeeded, failed int,
) error {
	if _, err := d.GetScenario(ctx, scenarioID); err != nil {
		return err
	}

	result := types.ScenarioResult{
		ID:        uuid.NewString(),
		Output:    output,
		Exception: exception,
		Logs:      logs,
		Timestamp: time.Now(),
		TimeTaken: timeTaken,
		Succeeded: succeeded,
		Failed:    failed,
	}

	b, err := json.Marshal(result)

	if err != nil {
		return fmt.Errorf("error marshalling scenario result: %w", err)
	}

	_, err = d.pool.Exec(
		ctx,
		`INSERT INTO scenario_results (scenario_id, result) VALUES ($1, $2)
		 ON CONFLICT (scenario_id) DO UPDATE SET result = EXCLUDED.result`,
		scenarioID, b,
	)

	if err != nil {
		return fmt.Errorf("error setting scenario result: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) MoveScenarioResult(ctx context.Context, scenarioID string) (*types.ScenarioResult, error) {
	var raw []byte

	err := d.pool.QueryRow(
		ctx,
		`DELETE FROM scenario_results WHERE scenario_id = $1 RETURNING result`,
		scenarioID,
	).Scan(&raw)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting scenario result: %w", err)
	}

	result := types.ScenarioResult{}

	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("error loading scenario result: %w", err)
	}

	return &result, nil
}

func (d *PostgresDatastore) AddTestEvent(ctx context.Context, testID string, event types.TestEvent) error {
	b, err := json.Marshal(event)

	if err != nil {
		return fmt.Errorf("error marshalling test event: %w", err)
	}

	_, err = d.pool.Exec(
		ctx,
		`INSERT INTO test_events (test_id, event) VALUES ($1, $2)`,
		testID, b,
	)

	if err != nil {
		return fmt.Errorf("error adding test event: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) GetTestEvents(ctx context.Context, testID string) ([]types.TestEvent, error) {
	rows, err := d.pool.Query(
		ctx,
		`WITH drained AS (
		    DELETE FROM test_events WHERE test_id = $1 RETURNING id, event
		 ) SELECT event FROM drained ORDER BY id`,
		testID,
	)

	if err != nil {
		return nil, fmt.Errorf("error draining test events: %w", err)
	}

	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])

	if err != nil {
		return nil, fmt.Errorf("error collecting test events: %w", err)
	}

	events := []types.TestEvent{}

	for _, raw := range raws {
		event := types.TestEvent{}

		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("error loading test event: %w", err)
		}

		events = append(events, event)
	}

	return events, nil
}

func (d *PostgresDatastore) AddMetric(ctx context.Context, scenarioID, name string, value float64) error {
	_, err := d.pool.Exec(
		ctx,
		`INSERT INTO metric_samples (scenario_id, name, value) VALUES ($1, $2, $3)`,
		scenarioID, name, value,
	)

	if err != nil {
		return fmt.Errorf("error adding metric sample: %w", err)
	}

	return nil
}

func (d *PostgresDatastore) GetMetricTotal(ctx context.Context, scenarioID, name string) (float64, error) {
	var total *float64

	err := d.pool.QueryRow(
		ctx,
		`SELECT SUM(value) FROM metric_samples WHERE scenario_id = $1 AND name = $2`,
		scenarioID, name,
	).Scan(&total)

	if err != nil {
		return 0, fmt.Errorf("error getting metric total: %w", err)
	}

	if total == nil {
		return 0, ErrNotFound
	}

	return *total, nil
}

func (d *PostgresDatastore) GetLastMetric(ctx context.Context, scenarioID, name string) (float64, error) {
	var last float64

	err := d.pool.QueryRow(
		ctx,
		`SELECT value FROM metric_samples WHERE scenario_id = $1 AND name = $2 ORDER BY id DESC LIMIT 1`,
		scenarioID, name,
	).Scan(&last)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("error getting last metric: %w", err)
	}

	return last, nil
}

func (d *PostgresDatastore) GetMetricStatistics(ctx context.Context, scenarioID, name string) (*types.MetricStatistics, error) {
	stats := types.MetricStatistics{}
	var minimum, maximum, median, average *float64

	err := d.pool.QueryRow(
		ctx,
		`SELECT MIN(value), MAX(value), PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY value),
		        AVG(value), COUNT(*)
		 FROM metric_samples WHERE scenario_id = $1 AND name = $2`,
		scenarioID, name,
	).Scan(&minimum, &maximum, &median, &average, &stats.Len)

	if err != nil {
		return nil, fmt.Errorf("error getting metric statistics: %w", err)
	}

	if stats.Len < 1 {
		return nil, ErrNotFound
	}

	stats.Min = *minimum
	stats.Max = *maximum
	stats.Median = *median
	stats.Average = *average

	return &stats, nil
}

func (d *PostgresDatastore) GetMetricRate(ctx context.Context, scenarioID, name string, splitPoint float64) (float64, error) {
	var above, total int64

	err := d.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FILTER (WHERE value >= $3), COUNT(*)
		 FROM metric_samples WHERE scenario_id = $1 AND name = $2`,
		scenarioID, name, splitPoint,
	).Scan(&above, &total)

	if err != nil {
		return 0, fmt.Errorf("error getting metric rate: %w", err)
	}

	if total < 1 {
		return 0, ErrNotFound
	}

	return float64(above) / float64(total), nil
}
