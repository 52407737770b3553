package db

import (
	"database/sql"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/borgitory/borgitory/errors"
)

// Statistics is an aggregate snapshot over persisted jobs plus current
// system memory, for status surfaces and capacity decisions.
type Statistics struct {
	TotalJobs    int            `json:"total_jobs"`
	JobsByStatus map[string]int `json:"jobs_by_status"`
	JobsByKind   map[string]int `json:"jobs_by_kind"`
	TotalTasks   int            `json:"total_tasks"`
	Repositories int            `json:"repositories"`
	Schedules    int            `json:"schedules"`

	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// GetStatistics aggregates job counts per status and kind, table totals,
// and a memory snapshot. Memory read failures degrade to zeros rather
// than failing the whole call.
func (r *Records) GetStatistics() (*Statistics, error) {
	stats := &Statistics{
		JobsByStatus: make(map[string]int),
		JobsByKind:   make(map[string]int),
	}

	if err := countBy(r.db, `SELECT status, COUNT(*) FROM jobs GROUP BY status`, stats.JobsByStatus); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	if err := countBy(r.db, `SELECT kind, COUNT(*) FROM jobs GROUP BY kind`, stats.JobsByKind); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by kind")
	}
	for _, n := range stats.JobsByStatus {
		stats.TotalJobs += n
	}

	if err := r.db.QueryRow(`SELECT COUNT(*) FROM job_tasks`).Scan(&stats.TotalTasks); err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM repositories`).Scan(&stats.Repositories); err != nil {
		return nil, errors.Wrap(err, "failed to count repositories")
	}
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM schedules`).Scan(&stats.Schedules); err != nil {
		return nil, errors.Wrap(err, "failed to count schedules")
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		stats.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		stats.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		stats.MemoryPercent = vm.UsedPercent
	}

	return stats, nil
}

func countBy(db *sql.DB, query string, into map[string]int) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}
