package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLStore implements Store on top of modernc.org/sqlite — a pure-Go
// driver, so the control plane keeps a single statically linkable binary.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if necessary) a sqlite database at path and
// applies pending migrations. Pass ":memory:" for tests.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under the scheduler's concurrent loops.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// --- Tenants ---

func (s *SQLStore) CreateTenant(ctx context.Context, t *types.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, subdomain, plan_id, payment_attested, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Subdomain, t.PlanID, t.PaymentAttested, t.CreatedAt)
	return err
}

func (s *SQLStore) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subdomain, plan_id, payment_attested, created_at FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

func (s *SQLStore) GetTenantBySubdomain(ctx context.Context, subdomain string) (*types.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subdomain, plan_id, payment_attested, created_at FROM tenants WHERE subdomain = ?`, subdomain)
	return scanTenant(row)
}

func scanTenant(row *sql.Row) (*types.Tenant, error) {
	var t types.Tenant
	if err := row.Scan(&t.ID, &t.Subdomain, &t.PlanID, &t.PaymentAttested, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.NotProvisioned, "tenant not found", nil)
		}
		return nil, err
	}
	return &t, nil
}

// --- Instances ---

func (s *SQLStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (tenant_id, worker_id, state, preview_subdomain, container_id,
			gateway_token_encrypted, provision_retries, last_heartbeat, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.TenantID, nullIfEmpty(inst.WorkerID), inst.State, nullIfEmpty(inst.PreviewSubdomain),
		nullIfEmpty(inst.ContainerID), nullIfBytesEmpty(inst.GatewayTokenEncrypted), inst.ProvisionRetries,
		inst.LastHeartbeat, nullIfEmpty(inst.LastError), inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (s *SQLStore) GetInstance(ctx context.Context, tenantID string) (*types.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, worker_id, state, preview_subdomain, container_id,
			gateway_token_encrypted, provision_retries, last_heartbeat, last_error, created_at, updated_at
		FROM instances WHERE tenant_id = ?`, tenantID)
	return scanInstance(row)
}

func (s *SQLStore) ListInstancesByState(ctx context.Context, states ...types.InstanceState) ([]*types.Instance, error) {
	query := `SELECT tenant_id, worker_id, state, preview_subdomain, container_id,
			gateway_token_encrypted, provision_retries, last_heartbeat, last_error, created_at, updated_at
		FROM instances WHERE state IN (` + placeholders(len(states)) + `)`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *SQLStore) ListInstancesByWorker(ctx context.Context, workerID string) ([]*types.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, worker_id, state, preview_subdomain, container_id,
			gateway_token_encrypted, provision_retries, last_heartbeat, last_error, created_at, updated_at
		FROM instances WHERE worker_id = ?`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *types.Instance) error {
	inst.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET worker_id = ?, state = ?, preview_subdomain = ?, container_id = ?,
			gateway_token_encrypted = ?, provision_retries = ?, last_heartbeat = ?, last_error = ?, updated_at = ?
		WHERE tenant_id = ?`,
		nullIfEmpty(inst.WorkerID), inst.State, nullIfEmpty(inst.PreviewSubdomain), nullIfEmpty(inst.ContainerID),
		nullIfBytesEmpty(inst.GatewayTokenEncrypted), inst.ProvisionRetries, inst.LastHeartbeat, nullIfEmpty(inst.LastError),
		inst.UpdatedAt, inst.TenantID)
	return err
}

// CompareAndSetState is the SQL expression of the state machine's atomic
// transition requirement: the UPDATE only matches a row whose current
// state is one of fromStates, and the rows-affected count tells the caller
// whether it won the race.
func (s *SQLStore) CompareAndSetState(ctx context.Context, tenantID string, fromStates []types.InstanceState, toState types.InstanceState) error {
	query := `UPDATE instances SET state = ?, updated_at = ? WHERE tenant_id = ? AND state IN (` + placeholders(len(fromStates)) + `)`
	args := make([]any, 0, len(fromStates)+3)
	args = append(args, string(toState), time.Now(), tenantID)
	for _, st := range fromStates {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Wrap(errs.Conflict, fmt.Sprintf("instance %s not in expected state for %s", tenantID, toState), nil)
	}
	return nil
}

func (s *SQLStore) IncrementProvisionRetries(ctx context.Context, tenantID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE instances SET provision_retries = provision_retries + 1, updated_at = ? WHERE tenant_id = ?`, time.Now(), tenantID); err != nil {
		return 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT provision_retries FROM instances WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *SQLStore) ResetProvisionRetries(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET provision_retries = 0, updated_at = ? WHERE tenant_id = ?`, time.Now(), tenantID)
	return err
}

func (s *SQLStore) TouchHeartbeat(ctx context.Context, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET last_heartbeat = ? WHERE tenant_id = ?`, at, tenantID)
	return err
}

func scanInstance(row *sql.Row) (*types.Instance, error) {
	var inst types.Instance
	var workerID, preview, container, lastErr sql.NullString
	var tokenEncrypted []byte
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&inst.TenantID, &workerID, &inst.State, &preview, &container,
		&tokenEncrypted, &inst.ProvisionRetries, &lastHeartbeat, &lastErr, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.NotProvisioned, "instance not found", nil)
		}
		return nil, err
	}
	inst.WorkerID = workerID.String
	inst.PreviewSubdomain = preview.String
	inst.ContainerID = container.String
	inst.GatewayTokenEncrypted = tokenEncrypted
	inst.LastError = lastErr.String
	inst.LastHeartbeat = lastHeartbeat.Time
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*types.Instance, error) {
	var out []*types.Instance
	for rows.Next() {
		var inst types.Instance
		var workerID, preview, container, lastErr sql.NullString
		var tokenEncrypted []byte
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&inst.TenantID, &workerID, &inst.State, &preview, &container,
			&tokenEncrypted, &inst.ProvisionRetries, &lastHeartbeat, &lastErr, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.WorkerID = workerID.String
		inst.PreviewSubdomain = preview.String
		inst.ContainerID = container.String
		inst.GatewayTokenEncrypted = tokenEncrypted
		inst.LastError = lastErr.String
		inst.LastHeartbeat = lastHeartbeat.Time
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// --- Workers ---

func (s *SQLStore) CreateWorker(ctx context.Context, w *types.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, address, status, cpu_cores, memory_bytes, memory_allocated, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Address, w.Status, w.CPUCores, w.MemoryBytes, w.MemoryAllocated, w.LastHeartbeat, w.CreatedAt)
	return err
}

func (s *SQLStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, address, status, cpu_cores, memory_bytes, memory_allocated, last_heartbeat, created_at
		FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (s *SQLStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, status, cpu_cores, memory_bytes, memory_allocated, last_heartbeat, created_at
		FROM workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		var w types.Worker
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&w.ID, &w.Address, &w.Status, &w.CPUCores, &w.MemoryBytes, &w.MemoryAllocated, &lastHeartbeat, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.LastHeartbeat = lastHeartbeat.Time
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateWorker(ctx context.Context, w *types.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET address = ?, status = ?, cpu_cores = ?, memory_bytes = ?,
			memory_allocated = ?, last_heartbeat = ? WHERE id = ?`,
		w.Address, w.Status, w.CPUCores, w.MemoryBytes, w.MemoryAllocated, w.LastHeartbeat, w.ID)
	return err
}

func (s *SQLStore) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	return err
}

func (s *SQLStore) AdjustWorkerAllocation(ctx context.Context, workerID string, deltaBytes int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET memory_allocated = memory_allocated + ? WHERE id = ?`, deltaBytes, workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Wrap(errs.NotProvisioned, fmt.Sprintf("worker %s not found", workerID), nil)
	}
	return nil
}

func scanWorker(row *sql.Row) (*types.Worker, error) {
	var w types.Worker
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&w.ID, &w.Address, &w.Status, &w.CPUCores, &w.MemoryBytes, &w.MemoryAllocated, &lastHeartbeat, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.NotProvisioned, "worker not found", nil)
		}
		return nil, err
	}
	w.LastHeartbeat = lastHeartbeat.Time
	return &w, nil
}

// --- Plans ---

func (s *SQLStore) CreatePlan(ctx context.Context, p *types.Plan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, name, ram_bytes, cpus, max_child_agents, idle_timeout_seconds) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RAMBytes, p.CPUs, p.MaxChildAgents, int64(p.IdleTimeout/time.Second))
	return err
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, ram_bytes, cpus, max_child_agents, idle_timeout_seconds FROM plans WHERE id = ?`, id)
	var p types.Plan
	var idleSeconds int64
	if err := row.Scan(&p.ID, &p.Name, &p.RAMBytes, &p.CPUs, &p.MaxChildAgents, &idleSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.NotProvisioned, "plan not found", nil)
		}
		return nil, err
	}
	p.IdleTimeout = time.Duration(idleSeconds) * time.Second
	return &p, nil
}

func (s *SQLStore) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, ram_bytes, cpus, max_child_agents, idle_timeout_seconds FROM plans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Plan
	for rows.Next() {
		var p types.Plan
		var idleSeconds int64
		if err := rows.Scan(&p.ID, &p.Name, &p.RAMBytes, &p.CPUs, &p.MaxChildAgents, &idleSeconds); err != nil {
			return nil, err
		}
		p.IdleTimeout = time.Duration(idleSeconds) * time.Second
		out = append(out, &p)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfBytesEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
