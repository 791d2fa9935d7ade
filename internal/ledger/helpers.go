package ledger

import (
	"database/sql"
	"errors"
	"time"
)

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (Run, error) {
	var (
		run         Run
		startedRaw  string
		finishedRaw sql.NullString
		report      sql.NullString
		runErr      sql.NullString
	)
	if err := row.Scan(&run.ID, &run.State, &startedRaw, &finishedRaw, &report, &runErr); err != nil {
		return Run{}, err
	}
	if ts, err := parseTimeString(startedRaw); err == nil {
		run.StartedAt = ts
	}
	if finishedRaw.Valid {
		if ts, err := parseTimeString(finishedRaw.String); err == nil {
			run.FinishedAt = &ts
		}
	}
	run.ReportJSON = report.String
	run.Error = runErr.String
	return run, nil
}

func scanPackage(row scanner) (Package, error) {
	var (
		pkg          Package
		description  sql.NullString
		typ          sql.NullString
		assigned     sql.NullString
		pkgErr       sql.NullString
		result       sql.NullString
		createdRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&pkg.RunID,
		&pkg.ID,
		&description,
		&typ,
		&pkg.Complexity,
		&pkg.Status,
		&assigned,
		&pkg.Attempts,
		&pkgErr,
		&result,
		&createdRaw,
		&completedRaw,
	); err != nil {
		return Package{}, err
	}
	pkg.Description = description.String
	pkg.Type = typ.String
	pkg.AssignedWorker = assigned.String
	pkg.Error = pkgErr.String
	pkg.ResultJSON = result.String
	if ts, err := parseTimeString(createdRaw); err == nil {
		pkg.CreatedAt = ts
	}
	if completedRaw.Valid {
		if ts, err := parseTimeString(completedRaw.String); err == nil {
			pkg.CompletedAt = &ts
		}
	}
	return pkg, nil
}

// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
