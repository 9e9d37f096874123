// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Get(KeyProxyURL); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.Set(KeyProxyURL, "https://proxy.example.com"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(KeyProxyURL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "https://proxy.example.com" {
		t.Errorf("Get() = %q", got)
	}

	// Replacement, not duplication.
	if err := s.Set(KeyProxyURL, "https://other.example.com"); err != nil {
		t.Fatal(err)
	}
	if got := s.GetOr(KeyProxyURL, ""); got != "https://other.example.com" {
		t.Errorf("after replace = %q", got)
	}

	if err := s.Delete(KeyProxyURL); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := s.GetOr(KeyProxyURL, "fallback"); got != "fallback" {
		t.Errorf("GetOr after delete = %q, want fallback", got)
	}
}

func TestRecordUsageIncrementsSameDay(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)

	for i := 1; i <= 3; i++ {
		u, err := s.RecordUsage(now)
		if err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
		if u.Count != i {
			t.Errorf("count after %d calls = %d", i, u.Count)
		}
		if u.Day != "2025-03-10" {
			t.Errorf("day = %q", u.Day)
		}
	}
}

func TestRecordUsageRollsOverToNewDay(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2025, 3, 10, 23, 50, 0, 0, time.Local)
	day2 := time.Date(2025, 3, 11, 0, 5, 0, 0, time.Local)

	for i := 0; i < 5; i++ {
		if _, err := s.RecordUsage(day1); err != nil {
			t.Fatal(err)
		}
	}

	// A new day starts counting at 1 regardless of yesterday's total.
	u, err := s.RecordUsage(day2)
	if err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if u.Day != "2025-03-11" || u.Count != 1 {
		t.Errorf("rollover = %+v, want {2025-03-11 1}", u)
	}
}

func TestUsageOnEmptyDayIsZero(t *testing.T) {
	s := newTestStore(t)
	u, err := s.UsageOn(time.Now())
	if err != nil {
		t.Fatalf("UsageOn() error = %v", err)
	}
	if u.Count != 0 {
		t.Errorf("count = %d, want 0", u.Count)
	}
}

func TestUsageHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	days := []time.Time{
		time.Date(2025, 3, 8, 12, 0, 0, 0, time.Local),
		time.Date(2025, 3, 9, 12, 0, 0, 0, time.Local),
		time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local),
	}
	for _, d := range days {
		if _, err := s.RecordUsage(d); err != nil {
			t.Fatal(err)
		}
	}

	history, err := s.UsageHistory(2)
	if err != nil {
		t.Fatalf("UsageHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Day != "2025-03-10" || history[1].Day != "2025-03-09" {
		t.Errorf("history order = %v", history)
	}
}

func TestStatePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set(KeyAvailabilityHint, "ready"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if got := s2.GetOr(KeyAvailabilityHint, ""); got != "ready" {
		t.Errorf("hint after reopen = %q, want ready", got)
	}
}
