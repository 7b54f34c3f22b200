package scheduler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/config"
)

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ComputeNextRunFrom(tc.expr, from)
		if err != nil {
			t.Errorf("%q: %v", tc.expr, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("%q: next = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestComputeNextRunFrom_BadExpression(t *testing.T) {
	if _, err := ComputeNextRunFrom("not a cron", time.Now()); err == nil {
		t.Error("expected parse error")
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, cfg := range []*config.SchedulerConfig{
		nil,
		{Enabled: false},
	} {
		s := New(nil, cfg, logger)
		cancel, err := s.Start(context.Background())
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		cancel()
	}
}

func TestStart_BadCronRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(nil, &config.SchedulerConfig{Enabled: true, CronExpr: "bogus"}, logger)
	if _, err := s.Start(context.Background()); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
