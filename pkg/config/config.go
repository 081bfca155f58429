// Package config reads and writes each tenant's instance config document
// on its worker's filesystem, and drives the reapply-gateway and
// send-message protocols against the running instance process.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsfleet/opsfleet/pkg/errs"
	"github.com/opsfleet/opsfleet/pkg/log"
	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

const minDocumentBytes = 10

// Execer is the subset of *transport.Transport the config store needs.
// Tests substitute a fake so Read/Write/ReapplyGateway can be exercised
// without a real SSH channel.
type Execer interface {
	Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error)
	ExecWithStdin(ctx context.Context, worker *types.Worker, command []string, stdin []byte) (transport.Result, error)
	WriteStdin(ctx context.Context, worker *types.Worker, remotePath string, payload []byte) error
}

// Store reads and writes tenant config documents over the worker transport.
// The document never lives locally or in the relational store — the
// instance process itself is the document's only reader.
type Store struct {
	transport Execer
}

// New builds a config Store over the given worker transport.
func New(t Execer) *Store {
	return &Store{transport: t}
}

// Read fetches tenantId's config document from worker. If the primary file
// is missing or fails to parse, it falls back to the tenant's
// config.default.json backup. If both fail, it returns an empty document
// with Degraded set — callers MUST check Degraded and never persist this
// empty document back as if it were real.
func (s *Store) Read(ctx context.Context, worker *types.Worker, tenantID string) (*types.ConfigDocument, bool, error) {
	if !transport.ValidUUID(tenantID) {
		return nil, false, errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid tenant id %q", tenantID), nil)
	}

	if doc, err := s.readFile(ctx, worker, primaryPath(tenantID)); err == nil {
		return doc, false, nil
	}

	if doc, err := s.readFile(ctx, worker, backupPath(tenantID)); err == nil {
		log.Warn(fmt.Sprintf("config: primary document unreadable for tenant %s, used backup", tenantID))
		return doc, false, nil
	}

	log.Warn(fmt.Sprintf("config: both primary and backup documents unreadable for tenant %s, returning degraded empty document", tenantID))
	return &types.ConfigDocument{TenantID: tenantID, UpdatedAt: time.Now()}, true, nil
}

func (s *Store) readFile(ctx context.Context, worker *types.Worker, path string) (*types.ConfigDocument, error) {
	res, err := s.transport.Exec(ctx, worker, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 || len(res.Stdout) == 0 {
		return nil, fmt.Errorf("config: %s not found or empty", path)
	}

	var doc types.ConfigDocument
	if err := json.Unmarshal([]byte(res.Stdout), &doc); err != nil {
		return nil, fmt.Errorf("config: %s parse failed: %w", path, err)
	}
	return &doc, nil
}

// Write serializes doc as indented JSON and writes it to tenantId's
// primary config path through a tmp-then-rename sequence on the worker, so
// a reader never observes a partial document. Documents under
// minDocumentBytes are refused — a too-small write is almost always a bug
// upstream producing an empty or truncated document.
func (s *Store) Write(ctx context.Context, worker *types.Worker, tenantID string, doc *types.ConfigDocument) error {
	if !transport.ValidUUID(tenantID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid tenant id %q", tenantID), nil)
	}

	if err := doc.Validate(); err != nil {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("config document for tenant %s: %v", tenantID, err), nil)
	}

	doc.UpdatedAt = time.Now()
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal document for tenant %s: %w", tenantID, err)
	}
	if len(body) < minDocumentBytes {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("config document for tenant %s is suspiciously small (%d bytes)", tenantID, len(body)), nil)
	}

	primary := primaryPath(tenantID)
	tmp := primary + ".tmp"

	if err := s.transport.WriteStdin(ctx, worker, tmp, body); err != nil {
		return fmt.Errorf("config: write tmp for tenant %s: %w", tenantID, err)
	}

	res, err := s.transport.Exec(ctx, worker, []string{"mv", tmp, primary})
	if err != nil || res.ExitCode != 0 {
		s.transport.Exec(ctx, worker, []string{"rm", "-f", tmp})
		if err == nil {
			err = fmt.Errorf("mv exited %d: %s", res.ExitCode, res.Stderr)
		}
		return fmt.Errorf("config: rename tmp to primary for tenant %s: %w", tenantID, err)
	}

	return nil
}

// ReapplyGateway re-issues the gateway discovery endpoint and device token
// through the instance's own config-set interface after the process has
// verifiably started, since the process's own startup "doctor" pass strips
// those keys from the document it owns on disk.
func (s *Store) ReapplyGateway(ctx context.Context, worker *types.Worker, tenantID, containerID string, gw types.GatewayConfig) error {
	if !transport.ValidUUID(tenantID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid tenant id %q", tenantID), nil)
	}
	if !transport.ValidName(containerID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid container id %q", containerID), nil)
	}

	payload, err := json.Marshal(gw)
	if err != nil {
		return fmt.Errorf("config: marshal gateway config for tenant %s: %w", tenantID, err)
	}

	cmd := []string{"docker", "exec", "-i", containerID, "instance-cli", "config-set", "--gateway"}
	res, err := s.transport.ExecWithStdin(ctx, worker, cmd, payload)
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("reapply gateway for tenant %s", tenantID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("config: reapply gateway for tenant %s exited %d: %s", tenantID, res.ExitCode, log.Redact(res.Stderr))
	}

	approveCmd := []string{"docker", "exec", containerID, "instance-cli", "token", "approve"}
	res, err = s.transport.Exec(ctx, worker, approveCmd)
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Sprintf("approve device token for tenant %s", tenantID), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("config: approve device token for tenant %s exited %d: %s", tenantID, res.ExitCode, log.Redact(res.Stderr))
	}

	return nil
}

// SendMessage delivers a single-shot stdin payload to containerID's CLI,
// used by the tenant-scheduled task runner to fire a cron-triggered prompt.
func (s *Store) SendMessage(ctx context.Context, worker *types.Worker, containerID string, payload []byte) error {
	if !transport.ValidName(containerID) {
		return errs.Wrap(errs.InvariantViolation, fmt.Sprintf("invalid container id %q", containerID), nil)
	}

	cmd := []string{"docker", "exec", "-i", containerID, "instance-cli", "message"}
	res, err := s.transport.ExecWithStdin(ctx, worker, cmd, payload)
	if err != nil {
		return errs.Wrap(errs.Unreachable, "send message", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("config: send message exited %d: %s", res.ExitCode, log.Redact(res.Stderr))
	}
	return nil
}

func primaryPath(tenantID string) string {
	return fmt.Sprintf("/opt/instances/%s/config.json", tenantID)
}

func backupPath(tenantID string) string {
	return fmt.Sprintf("/opt/instances/%s/config.default.json", tenantID)
}
