package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/labctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	cfg      Config
	observer OperationObserver
	now      func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	// Every connection to :memory: opens a distinct database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// SetObserver registers an observer for operation durations.
func (s *SQLiteStore) SetObserver(o OperationObserver) {
	s.observer = o
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Writers take the lock at BEGIN so concurrent step updates serialise.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if isMemory(s.cfg.Path) {
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// observe reports the operation to the observer and converts persistence
// failures into StoreUnavailable errors. Engine errors pass through.
func (s *SQLiteStore) observe(op string, start time.Time, errp *error) {
	if *errp != nil {
		var ee *engine.EngineError
		if !errors.As(*errp, &ee) {
			*errp = engine.NewStoreUnavailableError(op, *errp)
		}
	}
	if s.observer != nil {
		s.observer.ObserveStoreOperation(op, time.Since(start), *errp)
	}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ensureDeployment inserts an empty record for depID unless one exists.
func ensureDeployment(ctx context.Context, tx *sql.Tx, depID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deployments (dep_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(dep_id) DO NOTHING
	`, depID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}
	return nil
}

// touch advances updated_at and replaces the latest details when provided.
func touch(ctx context.Context, tx *sql.Tx, depID, details string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE deployments
		SET updated_at = MAX(updated_at, ?),
		    details = CASE WHEN ? <> '' THEN ? ELSE details END
		WHERE dep_id = ?
	`, now, details, details, depID)
	if err != nil {
		return fmt.Errorf("failed to touch deployment: %w", err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, depID, field, status, details string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_history (dep_id, field, status, details, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, depID, field, status, details, now)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// UpdateStep sets one step's status. Other steps of the same deployment are
// separate rows and are never rewritten.
func (s *SQLiteStore) UpdateStep(ctx context.Context, depID, step string, status engine.StepStatus, details string) (err error) {
	defer s.observe("update_step", time.Now(), &err)

	if err := status.Validate(); err != nil {
		return engine.NewValidationError(err.Error())
	}
	if depID == "" || step == "" {
		return engine.NewValidationError("deployment id and step are required")
	}

	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureDeployment(ctx, tx, depID, now); err != nil {
			return err
		}

		var currentStatus, currentDetails string
		err := tx.QueryRowContext(ctx,
			`SELECT status, details FROM deployment_steps WHERE dep_id = ? AND step = ?`,
			depID, step).Scan(&currentStatus, &currentDetails)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read step: %w", err)
		}

		current := engine.StepStatus(currentStatus)
		if !engine.CanStepTransition(step, current, status) {
			return engine.NewInvalidTransitionError(depID, step, current, status)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_steps (dep_id, step, status, details, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(dep_id, step) DO UPDATE SET
				status = excluded.status,
				details = CASE WHEN excluded.details <> '' THEN excluded.details ELSE deployment_steps.details END,
				updated_at = MAX(deployment_steps.updated_at, excluded.updated_at)
		`, depID, step, string(status), details, now)
		if err != nil {
			return fmt.Errorf("failed to update step: %w", err)
		}

		if err := touch(ctx, tx, depID, details, now); err != nil {
			return err
		}

		if current == status && (details == "" || details == currentDetails) {
			return nil
		}
		return appendHistory(ctx, tx, depID, step, string(status), details, now)
	})
}

// SetWorkflowStatus sets deployment_status or cleanup_status.
func (s *SQLiteStore) SetWorkflowStatus(ctx context.Context, depID string, workflow engine.Workflow, status engine.WorkflowStatus, details string) (err error) {
	defer s.observe("set_workflow_status", time.Now(), &err)

	if err := workflow.Validate(); err != nil {
		return engine.NewValidationError(err.Error())
	}
	if err := status.Validate(); err != nil {
		return engine.NewValidationError(err.Error())
	}

	// Column names come from the validated Workflow constants.
	query := fmt.Sprintf(`UPDATE deployments SET %s = ? WHERE dep_id = ?`, string(workflow))

	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureDeployment(ctx, tx, depID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, string(status), depID); err != nil {
			return fmt.Errorf("failed to set %s: %w", workflow, err)
		}
		if err := touch(ctx, tx, depID, details, now); err != nil {
			return err
		}
		return appendHistory(ctx, tx, depID, string(workflow), string(status), details, now)
	})
}

// SetFlags records the ground-truth flags.
func (s *SQLiteStore) SetFlags(ctx context.Context, depID string, createdNamespace, createdUser bool) (err error) {
	defer s.observe("set_flags", time.Now(), &err)

	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureDeployment(ctx, tx, depID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE deployments
			SET created_namespace = ?, created_user = ?, updated_at = MAX(updated_at, ?)
			WHERE dep_id = ?
		`, createdNamespace, createdUser, now, depID)
		if err != nil {
			return fmt.Errorf("failed to set flags: %w", err)
		}
		return nil
	})
}

// SetIdentity records the identifying fields, leaving empty inputs untouched.
func (s *SQLiteStore) SetIdentity(ctx context.Context, record *engine.DeploymentRecord) (err error) {
	defer s.observe("set_identity", time.Now(), &err)

	now := toMillis(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureDeployment(ctx, tx, record.DeploymentID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE deployments
			SET lab_id = COALESCE(NULLIF(?, ''), lab_id),
			    email = COALESCE(NULLIF(?, ''), email),
			    petname = COALESCE(NULLIF(?, ''), petname),
			    ssm_base_path = COALESCE(NULLIF(?, ''), ssm_base_path),
			    updated_at = MAX(updated_at, ?)
			WHERE dep_id = ?
		`, record.LabID, record.Email, record.Petname, record.SSMBasePath, now, record.DeploymentID)
		if err != nil {
			return fmt.Errorf("failed to set identity: %w", err)
		}
		return nil
	})
}

const deploymentColumns = `dep_id, lab_id, email, petname, ssm_base_path, created_namespace, created_user,
	deployment_status, cleanup_status, details, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row rowScanner) (*engine.DeploymentRecord, error) {
	var (
		r                            engine.DeploymentRecord
		deployStatus, cleanupStatus  string
		expiresAt, created, updated  int64
		createdNamespace, createdUsr bool
	)
	err := row.Scan(
		&r.DeploymentID,
		&r.LabID,
		&r.Email,
		&r.Petname,
		&r.SSMBasePath,
		&createdNamespace,
		&createdUsr,
		&deployStatus,
		&cleanupStatus,
		&r.Details,
		&expiresAt,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedNamespace = createdNamespace
	r.CreatedUser = createdUsr
	r.DeploymentStatus = engine.WorkflowStatus(deployStatus)
	r.CleanupStatus = engine.WorkflowStatus(cleanupStatus)
	r.ExpiresAt = fromMillis(expiresAt)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.StepStatuses = make(map[string]engine.StepStatus)
	r.StepDetails = make(map[string]string)
	return &r, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, r *engine.DeploymentRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, status, details FROM deployment_steps WHERE dep_id = ? ORDER BY step`, r.DeploymentID)
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step, status, details string
		if err := rows.Scan(&step, &status, &details); err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		r.StepStatuses[step] = engine.StepStatus(status)
		if details != "" {
			r.StepDetails[step] = details
		}
	}
	return rows.Err()
}

// GetRecord retrieves a deployment with its steps.
func (s *SQLiteStore) GetRecord(ctx context.Context, depID string) (_ *engine.DeploymentRecord, err error) {
	defer s.observe("get_record", time.Now(), &err)

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE dep_id = ?`, depID)
	r, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("deployment", depID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	if err := s.loadSteps(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateDeployment inserts a new record; an existing depID is a conflict.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, record *engine.DeploymentRecord) (err error) {
	defer s.observe("create_deployment", time.Now(), &err)

	status := record.DeploymentStatus
	if status == "" {
		status = engine.WorkflowStatusPending
	}
	now := toMillis(s.now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (dep_id, lab_id, email, petname, ssm_base_path, deployment_status, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dep_id) DO NOTHING
		`, record.DeploymentID, record.LabID, record.Email, record.Petname, record.SSMBasePath,
			string(status), toMillis(record.ExpiresAt), now, now)
		if err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return engine.NewAlreadyExistsError("deployment", record.DeploymentID)
		}
		return appendHistory(ctx, tx, record.DeploymentID, string(engine.WorkflowDeployment), string(status), "Deployment dispatched", now)
	})
}

// ExtendTTL moves the expiry of an existing deployment.
func (s *SQLiteStore) ExtendTTL(ctx context.Context, depID string, expiresAt time.Time) (err error) {
	defer s.observe("extend_ttl", time.Now(), &err)

	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET expires_at = ?, updated_at = MAX(updated_at, ?) WHERE dep_id = ?
	`, toMillis(expiresAt), toMillis(s.now()), depID)
	if err != nil {
		return fmt.Errorf("failed to extend ttl: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError("deployment", depID)
	}
	return nil
}

// ListExpired returns deployments whose TTL passed before now, oldest first.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) (_ []*engine.DeploymentRecord, err error) {
	defer s.observe("list_expired", time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE expires_at > 0 AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?
	`, toMillis(now), limit)
}

// ListDeployments lists deployments, most recently updated first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter ListFilter) (_ []*engine.DeploymentRecord, err error) {
	defer s.observe("list_deployments", time.Now(), &err)

	var (
		where []string
		args  []interface{}
	)
	if filter.DeploymentStatus != "" {
		where = append(where, "deployment_status = ?")
		args = append(args, string(filter.DeploymentStatus))
	}
	if filter.CleanupStatus != "" {
		where = append(where, "cleanup_status = ?")
		args = append(args, string(filter.CleanupStatus))
	}
	if filter.LabID != "" {
		where = append(where, "lab_id = ?")
		args = append(args, filter.LabID)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY updated_at DESC, dep_id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryDeployments(ctx, query, args...)
}

func (s *SQLiteStore) queryDeployments(ctx context.Context, query string, args ...interface{}) ([]*engine.DeploymentRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var records []*engine.DeploymentRecord
	for rows.Next() {
		r, err := scanDeployment(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	rows.Close()

	// Steps are loaded after the cursor is closed; :memory: stores hold one connection.
	for _, r := range records {
		if err := s.loadSteps(ctx, r); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// DeleteDeployment removes a deployment with its steps and history.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, depID string) (err error) {
	defer s.observe("delete_deployment", time.Now(), &err)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM deployment_history WHERE dep_id = ?`,
			`DELETE FROM deployment_steps WHERE dep_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, depID); err != nil {
				return fmt.Errorf("failed to delete deployment: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE dep_id = ?`, depID)
		if err != nil {
			return fmt.Errorf("failed to delete deployment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return engine.NewNotFoundError("deployment", depID)
		}
		return nil
	})
}

// History returns the status writes of a deployment, oldest first.
func (s *SQLiteStore) History(ctx context.Context, depID string, limit int) (_ []*HistoryEntry, err error) {
	defer s.observe("history", time.Now(), &err)

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dep_id, field, status, details, recorded_at
		FROM deployment_history
		WHERE dep_id = ?
		ORDER BY id
		LIMIT ?
	`, depID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var recorded int64
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Field, &e.Status, &e.Details, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.RecordedAt = fromMillis(recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ImportRecord writes a complete record, replacing any existing one.
func (s *SQLiteStore) ImportRecord(ctx context.Context, r *engine.DeploymentRecord) (err error) {
	defer s.observe("import_record", time.Now(), &err)

	if r.DeploymentID == "" {
		return engine.NewValidationError("deployment id is required")
	}
	for step, status := range r.StepStatuses {
		if err := status.Validate(); err != nil {
			return engine.NewValidationError(fmt.Sprintf("step %s: %v", step, err))
		}
	}

	now := s.now()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (`+deploymentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dep_id) DO UPDATE SET
				lab_id = excluded.lab_id,
				email = excluded.email,
				petname = excluded.petname,
				ssm_base_path = excluded.ssm_base_path,
				created_namespace = excluded.created_namespace,
				created_user = excluded.created_user,
				deployment_status = excluded.deployment_status,
				cleanup_status = excluded.cleanup_status,
				details = excluded.details,
				expires_at = excluded.expires_at,
				updated_at = MAX(deployments.updated_at, excluded.updated_at)
		`, r.DeploymentID, r.LabID, r.Email, r.Petname, r.SSMBasePath, r.CreatedNamespace, r.CreatedUser,
			string(r.DeploymentStatus), string(r.CleanupStatus), r.Details, toMillis(r.ExpiresAt),
			toMillis(created), toMillis(updated))
		if err != nil {
			return fmt.Errorf("failed to import deployment: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_steps WHERE dep_id = ?`, r.DeploymentID); err != nil {
			return fmt.Errorf("failed to replace steps: %w", err)
		}
		for step, status := range r.StepStatuses {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO deployment_steps (dep_id, step, status, details, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, r.DeploymentID, step, string(status), r.StepDetails[step], toMillis(updated))
			if err != nil {
				return fmt.Errorf("failed to import step %s: %w", step, err)
			}
		}
		return nil
	})
}

// GetLab implements engine.LabSource.
func (s *SQLiteStore) GetLab(ctx context.Context, labID string) (_ *engine.LabConfiguration, err error) {
	defer s.observe("get_lab", time.Now(), &err)

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT lab_id, ssm_base_path, group_names, namespace_roles, user_ns, pre_action, post_action, disabled
		FROM lab_configurations WHERE lab_id = ?
	`, labID)
	lab, err := scanLab(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("lab", labID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lab: %w", err)
	}
	return lab, nil
}

// PutLab creates or replaces a lab configuration.
func (s *SQLiteStore) PutLab(ctx context.Context, lab *engine.LabConfiguration) (err error) {
	defer s.observe("put_lab", time.Now(), &err)

	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	groups, err := json.Marshal(nonNil(lab.GroupNames))
	if err != nil {
		return fmt.Errorf("failed to marshal group names: %w", err)
	}
	roles := lab.NamespaceRoles
	if roles == nil {
		roles = []engine.NamespaceRole{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to marshal namespace roles: %w", err)
	}

	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lab_configurations (lab_id, ssm_base_path, group_names, namespace_roles, user_ns, pre_action, post_action, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lab_id) DO UPDATE SET
			ssm_base_path = excluded.ssm_base_path,
			group_names = excluded.group_names,
			namespace_roles = excluded.namespace_roles,
			user_ns = excluded.user_ns,
			pre_action = excluded.pre_action,
			post_action = excluded.post_action,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
	`, lab.LabID, lab.SSMBasePath, string(groups), string(rolesJSON), lab.UserNamespace,
		lab.PreAction, lab.PostAction, lab.Disabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to put lab: %w", err)
	}
	return nil
}

// ListLabs lists lab configurations ordered by ID.
func (s *SQLiteStore) ListLabs(ctx context.Context) (_ []*engine.LabConfiguration, err error) {
	defer s.observe("list_labs", time.Now(), &err)

	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lab_id, ssm_base_path, group_names, namespace_roles, user_ns, pre_action, post_action, disabled
		FROM lab_configurations ORDER BY lab_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labs: %w", err)
	}
	defer rows.Close()

	var labs []*engine.LabConfiguration
	for rows.Next() {
		lab, err := scanLab(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab: %w", err)
		}
		labs = append(labs, lab)
	}
	return labs, rows.Err()
}

// DeleteLab removes a lab configuration.
func (s *SQLiteStore) DeleteLab(ctx context.Context, labID string) (err error) {
	defer s.observe("delete_lab", time.Now(), &err)

	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM lab_configurations WHERE lab_id = ?`, labID)
	if err != nil {
		return fmt.Errorf("failed to delete lab: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError("lab", labID)
	}
	return nil
}

func scanLab(row rowScanner) (*engine.LabConfiguration, error) {
	var (
		lab           engine.LabConfiguration
		groups, roles string
	)
	if err := row.Scan(&lab.LabID, &lab.SSMBasePath, &groups, &roles, &lab.UserNamespace,
		&lab.PreAction, &lab.PostAction, &lab.Disabled); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groups), &lab.GroupNames); err != nil {
		return nil, fmt.Errorf("failed to decode group names: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &lab.NamespaceRoles); err != nil {
		return nil, fmt.Errorf("failed to decode namespace roles: %w", err)
	}
	return &lab, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
