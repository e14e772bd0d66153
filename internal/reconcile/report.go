package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Report aggregates one UTC day of reconciliation activity.
type Report struct {
	Day              string    `json:"day"` // 2006-01-02
	Confirmed        int64     `json:"confirmed"`
	Discrepancies    int64     `json:"discrepancies"`
	AvgConfirmLatSec float64   `json:"avg_confirm_latency_sec"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// maybeDailyReport emits the previous day's report the first time a tick
// lands on a new UTC day.
func (r *Reconciler) maybeDailyReport(ctx context.Context) {
	today := r.now().UTC().Format("2006-01-02")
	if r.lastReportDay == "" {
		// First tick after startup: remember the day, don't re-report it.
		r.lastReportDay = today
		return
	}
	if r.lastReportDay == today {
		return
	}
	r.lastReportDay = today

	yesterday := r.now().UTC().AddDate(0, 0, -1)
	if err := r.DailyReport(ctx, yesterday); err != nil {
		r.logger.Error("daily report failed", slog.String("error", err.Error()))
	}
}

// DailyReport builds, archives, and announces the report for the UTC day
// containing `day`.
func (r *Reconciler) DailyReport(ctx context.Context, day time.Time) error {
	day = day.UTC()
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	confirmed, discrepancies, avgLat, err := r.records.ConfirmationStats(ctx, from, to)
	if err != nil {
		return fmt.Errorf("reconcile: confirmation stats: %w", err)
	}

	report := Report{
		Day:              from.Format("2006-01-02"),
		Confirmed:        confirmed,
		Discrepancies:    discrepancies,
		AvgConfirmLatSec: avgLat,
		GeneratedAt:      r.now().UTC(),
	}
	r.logger.Info("daily reconciliation report",
		slog.String("day", report.Day),
		slog.Int64("confirmed", confirmed),
		slog.Int64("discrepancies", discrepancies),
		slog.Float64("avg_confirm_latency_sec", avgLat),
	)

	var path string
	if r.archiver != nil {
		path, err = r.archiver.ArchiveReport(ctx, report)
		if err != nil {
			return fmt.Errorf("reconcile: archive report: %w", err)
		}
	}

	if r.notifier != nil {
		msg := fmt.Sprintf("Reconciliation %s: %d confirmed, %d discrepancies, avg confirmation latency %.0fs.",
			report.Day, confirmed, discrepancies, avgLat)
		if path != "" {
			msg += " Archived at " + path + "."
		}
		if err := r.notifier.Notify(ctx, "daily_report", "Daily reconciliation report", msg); err != nil {
			r.logger.Error("notify failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
