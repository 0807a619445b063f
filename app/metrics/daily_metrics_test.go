package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDailyCounters(t *testing.T) {
	m := New(Config{ServiceName: "test-service"})

	today := time.Now().UTC().Format("2006-01-02")

	m.IncrementDaily("exports_created")
	m.IncrementDaily("exports_created")
	m.IncrementDailyBy("records_exported", 250)

	if got := m.GetCounterValue("exports_created_" + today); got != 2 {
		t.Errorf("expected exports_created_%s = 2, got %d", today, got)
	}
	if got := m.GetCounterValue("records_exported_" + today); got != 250 {
		t.Errorf("expected records_exported_%s = 250, got %d", today, got)
	}

	output := scrape(t, m)
	want := fmt.Sprintf(`exports_created{date="%s",service="test-service"} 2`, today)
	if !strings.Contains(output, want) {
		t.Errorf("expected output to contain %s, got: %s", want, output)
	}
}

func TestTrackDailySession(t *testing.T) {
	m := New(Config{ServiceName: "test-service"})

	m.TrackDailySession("session-a")
	m.TrackDailySession("session-a")
	m.TrackDailySession("session-b")
	m.TrackDailySession("")

	if got := m.GetTodaySessionCount(); got != 2 {
		t.Errorf("expected 2 unique sessions today, got %d", got)
	}
	if got := m.GetDailySessionCount("1999-01-01"); got != 0 {
		t.Errorf("expected 0 sessions for an unknown date, got %d", got)
	}

	today := time.Now().UTC().Format("2006-01-02")
	want := fmt.Sprintf(`daily_unique_sessions_total{date="%s",service="test-service"} 2`, today)
	if output := scrape(t, m); !strings.Contains(output, want) {
		t.Errorf("expected output to contain %s, got: %s", want, output)
	}
}

func TestCleanupOldData(t *testing.T) {
	m := New(Config{ServiceName: "test-service", CleanupRetentionDays: 7})

	old := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02")
	m.dailySessions.Store(old, &sessionSet{count: 5})
	m.dailySessionsVec.WithLabelValues(old, m.serviceName).Set(5)
	m.TrackDailySession("fresh")

	m.CleanupOldData()

	if got := m.GetDailySessionCount(old); got != 0 {
		t.Errorf("expected old data removed, got %d", got)
	}
	if got := m.GetTodaySessionCount(); got != 1 {
		t.Errorf("expected today's data kept, got %d", got)
	}
	if output := scrape(t, m); strings.Contains(output, old) {
		t.Errorf("expected gauge for %s to be removed", old)
	}
}
