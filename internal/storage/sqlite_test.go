package storage

import (
	"context"
	"testing"
	"time"

	"doorguard/internal/model"
)

func testStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDoorRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	door := model.Door{
		ID: "door-1", Name: "Lobby", Host: "10.0.0.5", Port: 8000,
		Username: "admin", Password: "secret",
		Direction: model.DirectionEnter, Status: model.DoorStatusActive, IsOpen: true,
	}
	if err := s.UpsertDoor(ctx, door); err != nil {
		t.Fatal(err)
	}

	doors, err := s.ListDoors(ctx, DoorFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(doors) != 1 {
		t.Fatalf("doors = %d, want 1", len(doors))
	}
	got := doors[0]
	if got.ID != "door-1" || got.Host != "10.0.0.5" || got.Port != 8000 || !got.IsOpen {
		t.Errorf("unexpected door: %+v", got)
	}
	if got.Liveness != model.LivenessOffline {
		t.Errorf("new door liveness = %s, want offline", got.Liveness)
	}

	// Re-upserting with new administrative fields must not touch liveness.
	if err := s.UpdateDoorLiveness(ctx, "door-1", model.LivenessOnline); err != nil {
		t.Fatal(err)
	}
	door.Name = "Lobby East"
	door.Status = model.DoorStatusInactive
	if err := s.UpsertDoor(ctx, door); err != nil {
		t.Fatal(err)
	}
	doors, _ = s.ListDoors(ctx, DoorFilter{})
	if doors[0].Liveness != model.LivenessOnline {
		t.Errorf("administrative upsert reset liveness to %s", doors[0].Liveness)
	}
	if doors[0].Name != "Lobby East" || doors[0].Status != model.DoorStatusInactive {
		t.Errorf("administrative fields not updated: %+v", doors[0])
	}
}

func TestListDoorsStatusFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, d := range []model.Door{
		{ID: "a", Host: "h", Port: 1, Direction: model.DirectionEnter, Status: model.DoorStatusActive},
		{ID: "b", Host: "h", Port: 2, Direction: model.DirectionExit, Status: model.DoorStatusDeleted},
	} {
		if err := s.UpsertDoor(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.ListDoors(ctx, DoorFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered = %d, want 2 (deleted doors stay listed)", len(all))
	}
	active, err := s.ListDoors(ctx, DoorFilter{Status: model.DoorStatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("active filter = %+v", active)
	}
}

func TestLivenessLogAppendAndPage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	lat := 3.5
	for i := 0; i < 5; i++ {
		entry := model.LivenessEntry{
			DoorID:    "door-1",
			Liveness:  model.LivenessOnline,
			LatencyMS: &lat,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendLivenessLog(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendLivenessLog(ctx, model.LivenessEntry{
		DoorID: "door-2", Liveness: model.LivenessOffline, Timestamp: base,
	}); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListLivenessLog(ctx, "door-1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %d, want 2", len(page))
	}
	if !page[0].Timestamp.After(page[1].Timestamp) {
		t.Error("entries not newest-first")
	}
	next, err := s.ListLivenessLog(ctx, "door-1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 || !page[1].Timestamp.After(next[0].Timestamp) {
		t.Errorf("pagination broken: %+v then %+v", page, next)
	}

	offline, err := s.ListLivenessLog(ctx, "door-2", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(offline) != 1 || offline[0].LatencyMS != nil {
		t.Errorf("offline entry must have null latency: %+v", offline)
	}
}

func TestBulkInsertAndListEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	events := []model.Event{
		{ID: "e1", Modality: model.ModalityCard, Timestamp: base, UserID: "u1", DoorID: "doorA", EmployeeNo: "1001", SerialNo: 5},
		{ID: "e2", Modality: model.ModalityFace, Timestamp: base.Add(time.Hour), UserID: "u2", DoorID: "doorB", EmployeeNo: "1002", SerialNo: 6, PictureURL: "http://cam/1.jpg"},
	}
	if err := s.BulkInsertEvents(ctx, events); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}

	byDoor, err := s.ListEvents(ctx, EventFilter{DoorID: "doorA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDoor) != 1 || byDoor[0].ID != "e1" {
		t.Errorf("door filter = %+v", byDoor)
	}

	ranged, err := s.ListEvents(ctx, EventFilter{From: base.Add(30 * time.Minute), To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].ID != "e2" {
		t.Errorf("time range filter = %+v", ranged)
	}
	if ranged[0].PictureURL != "http://cam/1.jpg" {
		t.Errorf("picture url lost: %+v", ranged[0])
	}
}

func TestBulkInsertAllOrNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	events := []model.Event{
		{ID: "e1", Modality: model.ModalityCard, Timestamp: base, UserID: "u1", DoorID: "doorA", EmployeeNo: "1001"},
		{ID: "e1", Modality: model.ModalityCard, Timestamp: base, UserID: "u1", DoorID: "doorA", EmployeeNo: "1001"},
	}
	if err := s.BulkInsertEvents(ctx, events); err == nil {
		t.Fatal("duplicate primary key must fail the batch")
	}
	all, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("partial commit: %d events stored, want 0", len(all))
	}
}

func TestExistsEventWindowBoundary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := s.BulkInsertEvents(ctx, []model.Event{
		{ID: "e1", Modality: model.ModalityCard, Timestamp: at, UserID: "u1", DoorID: "doorA", EmployeeNo: "1001"},
	}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{59 * time.Second, true},
		{-59 * time.Second, true},
		{60 * time.Second, true},
		{61 * time.Second, false},
		{-61 * time.Second, false},
	}
	for _, tc := range cases {
		got, err := s.ExistsEvent(ctx, "doorA", "1001", at.Add(tc.offset))
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("ExistsEvent at %+v = %v, want %v", tc.offset, got, tc.want)
		}
	}

	// Different door or employee never matches.
	if got, _ := s.ExistsEvent(ctx, "doorB", "1001", at); got {
		t.Error("matched wrong door")
	}
	if got, _ := s.ExistsEvent(ctx, "doorA", "1002", at); got {
		t.Error("matched wrong employee")
	}
}

func TestUserLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, u := range []model.User{
		{ID: "u1", Name: "Ada", EmployeeNo: "1001"},
		{ID: "u2", Name: "Lin", EmployeeNo: "1002"},
	} {
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.FindUsersByEmployeeNos(ctx, []string{"1001", "1002", "1001", "9999", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("resolved = %d, want 2", len(users))
	}
	if users["1001"].ID != "u1" || users["1002"].ID != "u2" {
		t.Errorf("unexpected mapping: %+v", users)
	}

	exists, err := s.UserExists(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("UserExists(1001) = false")
	}
	exists, err = s.UserExists(ctx, "9999")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("UserExists(9999) = true")
	}

	none, err := s.FindUsersByEmployeeNos(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("empty lookup = %+v", none)
	}
}
