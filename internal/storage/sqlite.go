package storage

import (
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/mpataki/fleet/internal/models"
)

// Storage is the run-history database: one row per orchestration run, one row
// per agent. It is bookkeeping for the CLI; the live coordination medium is
// the status files, never this database.
type Storage struct {
	db *sql.DB
}

// Agent is an agent row: the report summary plus the PID recorded at launch,
// kept so `fleet kill` can reach still-running process groups.
type Agent struct {
	models.AgentSummary
	PID int
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		source_repo TEXT,
		config_path TEXT,
		run_dir TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		total INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		agent_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		branch TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		completion_percentage INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		pid INTEGER,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		errors TEXT,
		log_path TEXT,
		UNIQUE(run_id, agent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_agents_run ON agents(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (uuid, source_repo, config_path, run_dir, status, total)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.UUID, run.SourceRepo, run.ConfigPath, run.RunDir, run.Status, run.Total,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, run_dir = ?, status = ?, total = ?,
		        completed = ?, failed = ?, timed_out = ?, error = ?
		 WHERE id = ?`,
		run.CompletedAt, run.RunDir, run.Status, run.Total,
		run.Completed, run.Failed, run.TimedOut, run.Error, run.ID,
	)
	return err
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, uuid, created_at, completed_at, source_repo, config_path, run_dir,
		        status, total, completed, failed, timed_out, error
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, uuid, created_at, completed_at, source_repo, config_path, run_dir,
		        status, total, completed, failed, timed_out, error
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var sourceRepo, configPath, runDir, errMsg sql.NullString

	err := row.Scan(
		&run.ID, &run.UUID, &run.CreatedAt, &completedAt, &sourceRepo, &configPath,
		&runDir, &run.Status, &run.Total, &run.Completed, &run.Failed, &run.TimedOut, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.SourceRepo = sourceRepo.String
	run.ConfigPath = configPath.String
	run.RunDir = runDir.String
	run.Error = errMsg.String

	return &run, nil
}

func (s *Storage) CreateAgent(runID int64, a *Agent) error {
	errorsJSON, err := json.Marshal(a.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO agents (run_id, agent_id, task_id, branch, status, completion_percentage,
		                     exit_code, pid, started_at, ended_at, errors, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, a.AgentID, a.TaskID, a.Branch, a.Status, a.CompletionPercentage,
		a.ExitCode, a.PID, a.StartedAt, a.EndedAt, string(errorsJSON), a.LogPath,
	)
	return err
}

func (s *Storage) UpdateAgent(runID int64, a *Agent) error {
	errorsJSON, err := json.Marshal(a.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE agents SET status = ?, completion_percentage = ?, exit_code = ?, pid = ?,
		        started_at = ?, ended_at = ?, errors = ?, log_path = ?
		 WHERE run_id = ? AND agent_id = ?`,
		a.Status, a.CompletionPercentage, a.ExitCode, a.PID,
		a.StartedAt, a.EndedAt, string(errorsJSON), a.LogPath,
		runID, a.AgentID,
	)
	return err
}

func (s *Storage) GetAgentsForRun(runID int64) ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, task_id, branch, status, completion_percentage, exit_code, pid,
		        started_at, ended_at, errors, log_path
		 FROM agents WHERE run_id = ? ORDER BY agent_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var branch, errorsJSON, logPath sql.NullString
		var exitCode, pid sql.NullInt64
		var startedAt, endedAt sql.NullTime

		err := rows.Scan(
			&a.AgentID, &a.TaskID, &branch, &a.Status, &a.CompletionPercentage,
			&exitCode, &pid, &startedAt, &endedAt, &errorsJSON, &logPath,
		)
		if err != nil {
			return nil, err
		}

		a.Branch = branch.String
		a.LogPath = logPath.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			a.ExitCode = &code
		}
		if pid.Valid {
			a.PID = int(pid.Int64)
		}
		if startedAt.Valid {
			a.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			a.EndedAt = &endedAt.Time
		}
		a.Errors = []string{}
		if errorsJSON.Valid && errorsJSON.String != "" {
			json.Unmarshal([]byte(errorsJSON.String), &a.Errors)
		}

		agents = append(agents, &a)
	}

	return agents, rows.Err()
}

func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agents WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}
