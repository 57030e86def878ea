// Package postgres implements repository.Store on PostgreSQL through the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/flotilla/internal/apperrors"
	"github.com/loykin/flotilla/internal/fleet"
	"github.com/loykin/flotilla/internal/repository"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS machines(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			ssh_user TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS processes(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			module TEXT NOT NULL DEFAULT '',
			config_content TEXT NOT NULL DEFAULT '',
			jvm_options TEXT NOT NULL DEFAULT '',
			deploy_base_dir TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS instances(
			id BIGSERIAL PRIMARY KEY,
			process_id BIGINT NOT NULL,
			machine_id BIGINT NOT NULL,
			deploy_path TEXT NOT NULL,
			state TEXT NOT NULL,
			pid TEXT NOT NULL DEFAULT '',
			config_stale BOOLEAN NOT NULL DEFAULT FALSE,
			state_changed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(machine_id, deploy_path)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_process ON instances(process_id);`,
		`CREATE TABLE IF NOT EXISTS tasks(
			id TEXT PRIMARY KEY,
			process_id BIGINT NOT NULL,
			instance_id BIGINT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			operation_type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_process ON tasks(process_id);`,
		`CREATE TABLE IF NOT EXISTS steps(
			task_id TEXT NOT NULL,
			instance_id BIGINT NOT NULL,
			machine_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL,
			error_message TEXT NOT NULL DEFAULT '',
			seq BIGSERIAL,
			PRIMARY KEY(task_id, instance_id, kind)
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Machines() repository.MachineRepo   { return (*machineRepo)(p) }
func (p *DB) Processes() repository.ProcessRepo  { return (*processRepo)(p) }
func (p *DB) Instances() repository.InstanceRepo { return (*instanceRepo)(p) }
func (p *DB) Tasks() repository.TaskRepo         { return (*taskRepo)(p) }
func (p *DB) Steps() repository.StepRepo         { return (*stepRepo)(p) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type machineRepo DB

func (r *machineRepo) Create(ctx context.Context, m *fleet.Machine) error {
	m.CreatedAt = time.Now().UTC()
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO machines(name, host, port, ssh_user, created_at)
		VALUES($1, $2, $3, $4, $5) RETURNING id;`,
		m.Name, m.Host, m.Port, m.User, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("machine %q already exists", m.Name)
		}
		return apperrors.Internal("create machine", err)
	}
	return nil
}

func (r *machineRepo) GetByID(ctx context.Context, id int64) (fleet.Machine, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, ssh_user, created_at FROM machines WHERE id=$1;`, id)
	var m fleet.Machine
	err := row.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.User, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Machine{}, apperrors.NotFound("machine", id)
	}
	if err != nil {
		return fleet.Machine{}, apperrors.Internal("get machine", err)
	}
	return m, nil
}

func (r *machineRepo) List(ctx context.Context) ([]fleet.Machine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, host, port, ssh_user, created_at FROM machines ORDER BY id;`)
	if err != nil {
		return nil, apperrors.Internal("list machines", err)
	}
	defer func() { _ = rows.Close() }()
	var out []fleet.Machine
	for rows.Next() {
		var m fleet.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.User, &m.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan machine", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *machineRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE id=$1;`, id)
	if err != nil {
		return apperrors.Internal("delete machine", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("machine", id)
	}
	return nil
}

type processRepo DB

const processCols = `id, name, module, config_content, jvm_options, deploy_base_dir, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (fleet.Process, error) {
	var p fleet.Process
	err := row.Scan(&p.ID, &p.Name, &p.Module, &p.ConfigContent, &p.JvmOptions, &p.DeployBaseDir, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *processRepo) Create(ctx context.Context, p *fleet.Process) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO processes(name, module, config_content, jvm_options, deploy_base_dir, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING id;`,
		p.Name, p.Module, p.ConfigContent, p.JvmOptions, p.DeployBaseDir, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("process %q already exists", p.Name)
		}
		return apperrors.Internal("create process", err)
	}
	return nil
}

func (r *processRepo) GetByID(ctx context.Context, id int64) (fleet.Process, error) {
	p, err := scanProcess(r.db.QueryRowContext(ctx,
		`SELECT `+processCols+` FROM processes WHERE id=$1;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Process{}, apperrors.NotFound("process", id)
	}
	if err != nil {
		return fleet.Process{}, apperrors.Internal("get process", err)
	}
	return p, nil
}

func (r *processRepo) GetByName(ctx context.Context, name string) (fleet.Process, error) {
	p, err := scanProcess(r.db.QueryRowContext(ctx,
		`SELECT `+processCols+` FROM processes WHERE name=$1;`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Process{}, apperrors.NotFound("process", name)
	}
	if err != nil {
		return fleet.Process{}, apperrors.Internal("get process", err)
	}
	return p, nil
}

func (r *processRepo) Update(ctx context.Context, p fleet.Process) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processes SET name=$1, module=$2, config_content=$3, jvm_options=$4, deploy_base_dir=$5, updated_at=$6
		WHERE id=$7;`,
		p.Name, p.Module, p.ConfigContent, p.JvmOptions, p.DeployBaseDir, p.UpdatedAt.UTC(), p.ID)
	if err != nil {
		return apperrors.Internal("update process", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("process", p.ID)
	}
	return nil
}

func (r *processRepo) List(ctx context.Context) ([]fleet.Process, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+processCols+` FROM processes ORDER BY id;`)
	if err != nil {
		return nil, apperrors.Internal("list processes", err)
	}
	defer func() { _ = rows.Close() }()
	var out []fleet.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, apperrors.Internal("scan process", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *processRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM processes WHERE id=$1;`, id)
	if err != nil {
		return apperrors.Internal("delete process", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("process", id)
	}
	return nil
}

type instanceRepo DB

const instanceCols = `id, process_id, machine_id, deploy_path, state, pid, config_stale, state_changed_at, created_at`

func scanInstance(row interface{ Scan(...any) error }) (fleet.Instance, error) {
	var i fleet.Instance
	err := row.Scan(&i.ID, &i.ProcessID, &i.MachineID, &i.DeployPath, &i.State, &i.PID, &i.ConfigStale, &i.StateChangedAt, &i.CreatedAt)
	return i, err
}

func (r *instanceRepo) Create(ctx context.Context, inst *fleet.Instance) error {
	if existing, err := r.FindByMachineAndPath(ctx, inst.MachineID, inst.DeployPath); err == nil {
		return apperrors.Conflict("deploy path %s on machine %d is used by instance %d of process %d",
			inst.DeployPath, inst.MachineID, existing.ID, existing.ProcessID)
	}
	now := time.Now().UTC()
	inst.StateChangedAt, inst.CreatedAt = now, now
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO instances(process_id, machine_id, deploy_path, state, pid, config_stale, state_changed_at, created_at)
		VALUES($1, $2, $3, $4, '', FALSE, $5, $6) RETURNING id;`,
		inst.ProcessID, inst.MachineID, inst.DeployPath, inst.State, inst.StateChangedAt, inst.CreatedAt).Scan(&inst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("deploy path %s on machine %d is already in use", inst.DeployPath, inst.MachineID)
		}
		return apperrors.Internal("create instance", err)
	}
	return nil
}

func (r *instanceRepo) GetByID(ctx context.Context, id int64) (fleet.Instance, error) {
	i, err := scanInstance(r.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE id=$1;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Instance{}, apperrors.NotFound("instance", id)
	}
	if err != nil {
		return fleet.Instance{}, apperrors.Internal("get instance", err)
	}
	return i, nil
}

func (r *instanceRepo) FindByProcess(ctx context.Context, processID int64) ([]fleet.Instance, error) {
	return r.find(ctx, `SELECT `+instanceCols+` FROM instances WHERE process_id=$1 ORDER BY id;`, processID)
}

func (r *instanceRepo) FindByMachineAndPath(ctx context.Context, machineID int64, deployPath string) (fleet.Instance, error) {
	i, err := scanInstance(r.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE machine_id=$1 AND deploy_path=$2;`, machineID, deployPath))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Instance{}, apperrors.NotFound("instance", deployPath)
	}
	if err != nil {
		return fleet.Instance{}, apperrors.Internal("find instance", err)
	}
	return i, nil
}

func (r *instanceRepo) FindWithPID(ctx context.Context) ([]fleet.Instance, error) {
	return r.find(ctx, `SELECT `+instanceCols+` FROM instances WHERE pid<>'' ORDER BY id;`)
}

func (r *instanceRepo) find(ctx context.Context, query string, args ...any) ([]fleet.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("query instances", err)
	}
	defer func() { _ = rows.Close() }()
	var out []fleet.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, apperrors.Internal("scan instance", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *instanceRepo) UpdateState(ctx context.Context, id int64, state fleet.InstanceState, at time.Time) error {
	return r.exec(ctx, id, `UPDATE instances SET state=$1, state_changed_at=$2 WHERE id=$3;`, state, at.UTC(), id)
}

func (r *instanceRepo) UpdatePID(ctx context.Context, id int64, pid string) error {
	return r.exec(ctx, id, `UPDATE instances SET pid=$1 WHERE id=$2;`, pid, id)
}

func (r *instanceRepo) ClearPIDAndSetState(ctx context.Context, id int64, state fleet.InstanceState, at time.Time) error {
	return r.exec(ctx, id, `UPDATE instances SET pid='', state=$1, state_changed_at=$2 WHERE id=$3;`, state, at.UTC(), id)
}

func (r *instanceRepo) SetConfigStale(ctx context.Context, processID int64, stale bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE instances SET config_stale=$1 WHERE process_id=$2;`, stale, processID)
	if err != nil {
		return apperrors.Internal("set config stale", err)
	}
	return nil
}

func (r *instanceRepo) ClearConfigStale(ctx context.Context, id int64) error {
	return r.exec(ctx, id, `UPDATE instances SET config_stale=FALSE WHERE id=$1;`, id)
}

func (r *instanceRepo) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, id, `DELETE FROM instances WHERE id=$1;`, id)
}

func (r *instanceRepo) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Internal("update instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("instance", id)
	}
	return nil
}

type taskRepo DB

func (r *taskRepo) Create(ctx context.Context, t fleet.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks(id, process_id, instance_id, name, description, operation_type, status, start_time, end_time, error_message, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, NULL, NULL, '', $8);`,
		t.ID, t.ProcessID, t.InstanceID, t.Name, t.Description, t.OperationType, t.Status, t.CreatedAt)
	if err != nil {
		return apperrors.Internal("create task", err)
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (fleet.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, process_id, instance_id, name, description, operation_type, status, start_time, end_time, error_message, created_at
		FROM tasks WHERE id=$1;`, id)
	var t fleet.Task
	var instanceID sql.NullInt64
	var start, end sql.NullTime
	err := row.Scan(&t.ID, &t.ProcessID, &instanceID, &t.Name, &t.Description, &t.OperationType, &t.Status, &start, &end, &t.ErrorMessage, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Task{}, apperrors.NotFound("task", id)
	}
	if err != nil {
		return fleet.Task{}, apperrors.Internal("get task", err)
	}
	if instanceID.Valid {
		t.InstanceID = &instanceID.Int64
	}
	if start.Valid {
		t.StartTime = &start.Time
	}
	if end.Valid {
		t.EndTime = &end.Time
	}
	return t, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status fleet.TaskStatus) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case status == fleet.TaskRunning:
		res, err = r.db.ExecContext(ctx, `
			UPDATE tasks SET status=$1, start_time=COALESCE(start_time, $2) WHERE id=$3;`, status, now, id)
	case status.Terminal():
		res, err = r.db.ExecContext(ctx, `
			UPDATE tasks SET status=$1, end_time=COALESCE(end_time, $2) WHERE id=$3;`, status, now, id)
	default:
		res, err = r.db.ExecContext(ctx, `UPDATE tasks SET status=$1 WHERE id=$2;`, status, id)
	}
	if err != nil {
		return apperrors.Internal("update task status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func (r *taskRepo) SetError(ctx context.Context, id string, message string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET error_message=$1 WHERE id=$2;`, message, id)
	if err != nil {
		return apperrors.Internal("set task error", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func (r *taskRepo) FindIDsByProcess(ctx context.Context, processID int64) ([]string, error) {
	return r.findIDs(ctx, `SELECT id FROM tasks WHERE process_id=$1 ORDER BY created_at DESC;`, processID)
}

func (r *taskRepo) FindIDsByInstance(ctx context.Context, instanceID int64) ([]string, error) {
	return r.findIDs(ctx, `
		SELECT DISTINCT t.id FROM tasks t
		LEFT JOIN steps s ON s.task_id = t.id
		WHERE t.instance_id=$1 OR s.instance_id=$1
		ORDER BY t.id;`, instanceID)
}

func (r *taskRepo) findIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("query tasks", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("scan task id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type stepRepo DB

func (r *stepRepo) CreateBatch(ctx context.Context, steps []fleet.Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin step batch", err)
	}
	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps(task_id, instance_id, machine_id, kind, status, start_time, end_time, error_message)
			VALUES($1, $2, $3, $4, $5, NULL, NULL, '');`,
			st.TaskID, st.InstanceID, st.MachineID, st.Kind, st.Status); err != nil {
			_ = tx.Rollback()
			return apperrors.Internal("insert step", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit step batch", err)
	}
	return nil
}

func (r *stepRepo) FindByTask(ctx context.Context, taskID string) ([]fleet.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, instance_id, machine_id, kind, status, start_time, end_time, error_message
		FROM steps WHERE task_id=$1 ORDER BY instance_id, seq;`, taskID)
	if err != nil {
		return nil, apperrors.Internal("query steps", err)
	}
	defer func() { _ = rows.Close() }()
	var out []fleet.Step
	for rows.Next() {
		var st fleet.Step
		var start, end sql.NullTime
		if err := rows.Scan(&st.TaskID, &st.InstanceID, &st.MachineID, &st.Kind, &st.Status, &start, &end, &st.ErrorMessage); err != nil {
			return nil, apperrors.Internal("scan step", err)
		}
		if start.Valid {
			st.StartTime = &start.Time
		}
		if end.Valid {
			st.EndTime = &end.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *stepRepo) UpdateStatus(ctx context.Context, taskID string, instanceID int64, kind fleet.StepKind, status fleet.StepStatus, errMsg string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case status == fleet.StepRunning:
		res, err = r.db.ExecContext(ctx, `
			UPDATE steps SET status=$1, error_message=$2, start_time=COALESCE(start_time, $3)
			WHERE task_id=$4 AND instance_id=$5 AND kind=$6;`,
			status, errMsg, now, taskID, instanceID, kind)
	case status.Terminal():
		res, err = r.db.ExecContext(ctx, `
			UPDATE steps SET status=$1, error_message=$2, end_time=COALESCE(end_time, $3)
			WHERE task_id=$4 AND instance_id=$5 AND kind=$6;`,
			status, errMsg, now, taskID, instanceID, kind)
	default:
		res, err = r.db.ExecContext(ctx, `
			UPDATE steps SET status=$1, error_message=$2
			WHERE task_id=$3 AND instance_id=$4 AND kind=$5;`,
			status, errMsg, taskID, instanceID, kind)
	}
	if err != nil {
		return apperrors.Internal("update step status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("step", string(kind))
	}
	return nil
}

func (r *stepRepo) DeleteByTask(ctx context.Context, taskID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM steps WHERE task_id=$1;`, taskID); err != nil {
		return apperrors.Internal("delete steps", err)
	}
	return nil
}
