package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tovfikur/fleetd/internal/model"
)

// ServerFilter narrows ListServers results. Zero values match everything.
type ServerFilter struct {
	Status model.ServerStatus
	Role   string
}

// InsertServer persists a new server record. A UNIQUE violation on
// (ip_address, port) is mapped to model.ErrDuplicateServer.
func (s *Store) InsertServer(srv *model.Server) error {
	authJSON, err := json.Marshal(srv.Auth)
	if err != nil {
		return fmt.Errorf("marshaling auth: %w", err)
	}
	rolesJSON, err := json.Marshal(srv.Roles)
	if err != nil {
		return fmt.Errorf("marshaling roles: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO servers
		(id, name, ip_address, port, username, auth_json, roles_json, status,
		 health_score, last_health_check, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.IPAddress, srv.Port, srv.Username,
		string(authJSON), string(rolesJSON), srv.Status, srv.HealthScore,
		nullableUnix(srv.LastHealthCheck), srv.CreatedAt.Unix(), srv.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s:%d", model.ErrDuplicateServer, srv.IPAddress, srv.Port)
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// GetServer fetches a server by id.
func (s *Store) GetServer(id string) (*model.Server, error) {
	row := s.db.QueryRow(serverSelect+` WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: server %s", model.ErrNotFound, id)
	}
	return srv, err
}

// ServerByAddress fetches a server by IP and port, or ErrNotFound.
func (s *Store) ServerByAddress(ip string, port int) (*model.Server, error) {
	row := s.db.QueryRow(serverSelect+` WHERE ip_address = ? AND port = ?`, ip, port)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: server %s:%d", model.ErrNotFound, ip, port)
	}
	return srv, err
}

// ListServers returns servers matching the filter, newest first.
func (s *Store) ListServers(filter ServerFilter) ([]*model.Server, error) {
	query := serverSelect
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		if filter.Role != "" && !hasRole(srv, filter.Role) {
			continue
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServerHealth writes the monitor-owned health fields. Last write
// wins; the monitor is the only caller.
func (s *Store) UpdateServerHealth(id string, score int, status model.ServerStatus, checkedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE servers
		SET health_score = ?, status = ?, last_health_check = ?, updated_at = ?
		WHERE id = ?`,
		score, status, checkedAt.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("updating server health: %w", err)
	}
	return requireRow(res, id)
}

// UpdateServerRoles replaces the operator-managed role set.
func (s *Store) UpdateServerRoles(id string, roles []string) error {
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("marshaling roles: %w", err)
	}
	res, err := s.db.Exec(`UPDATE servers SET roles_json = ?, updated_at = ? WHERE id = ?`,
		string(rolesJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating server roles: %w", err)
	}
	return requireRow(res, id)
}

// SetServerStatus writes an operator-driven status change (disable/enable).
func (s *Store) SetServerStatus(id string, status model.ServerStatus) error {
	res, err := s.db.Exec(`UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("setting server status: %w", err)
	}
	return requireRow(res, id)
}

// DeleteServer removes a server record. Callers must have checked that no
// in-flight task references it.
func (s *Store) DeleteServer(id string) error {
	res, err := s.db.Exec(`DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return requireRow(res, id)
}

const serverSelect = `
	SELECT id, name, ip_address, port, username, auth_json, roles_json,
	       status, health_score, last_health_check, created_at, updated_at
	FROM servers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*model.Server, error) {
	var srv model.Server
	var authJSON, rolesJSON string
	var lastCheck sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&srv.ID, &srv.Name, &srv.IPAddress, &srv.Port, &srv.Username,
		&authJSON, &rolesJSON, &srv.Status, &srv.HealthScore, &lastCheck,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	if err := json.Unmarshal([]byte(authJSON), &srv.Auth); err != nil {
		return nil, fmt.Errorf("unmarshaling auth for %s: %w", srv.ID, err)
	}
	if err := json.Unmarshal([]byte(rolesJSON), &srv.Roles); err != nil {
		return nil, fmt.Errorf("unmarshaling roles for %s: %w", srv.ID, err)
	}
	if lastCheck.Valid {
		t := time.Unix(lastCheck.Int64, 0)
		srv.LastHealthCheck = &t
	}
	srv.CreatedAt = time.Unix(createdAt, 0)
	srv.UpdatedAt = time.Unix(updatedAt, 0)
	return &srv, nil
}

func hasRole(srv *model.Server, role string) bool {
	for _, r := range srv.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return nil
}
