package mission

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/mission-tender/donation"
)

func fixedCatalog() *Catalog {
	c := NewCatalog()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return t0 }
	return c
}

func TestMatch(t *testing.T) {
	templates := []Template{
		{ID: 1, Name: "big", StarCount: 1000, EventKind: donation.KindAll, Active: true},
		{ID: 2, Name: "five balloon", StarCount: 500, EventKind: donation.KindBalloon, Active: true},
		{ID: 3, Name: "five any", StarCount: 500, EventKind: donation.KindAll, Active: true},
		{ID: 4, Name: "off", StarCount: 300, EventKind: donation.KindAll, Active: false},
	}
	tests := []struct {
		name      string
		ev        donation.Event
		threshold int
		wantID    int64
		wantAuto  bool
		wantStars int
	}{
		{"exact match", donation.Event{Amount: 1000, Kind: donation.KindVideo}, 0, 1, false, 1000},
		{"first in order wins", donation.Event{Amount: 500, Kind: donation.KindBalloon}, 0, 2, false, 500},
		{"kind filter skips", donation.Event{Amount: 500, Kind: donation.KindMission}, 0, 3, false, 500},
		{"inactive ignored", donation.Event{Amount: 300, Kind: donation.KindBalloon}, 0, 0, false, 0},
		{"no range matching", donation.Event{Amount: 999, Kind: donation.KindBalloon}, 0, 0, false, 0},
		{"auto threshold", donation.Event{Amount: 1500, Kind: donation.KindBalloon}, 1000, 0, true, 1000},
		{"below threshold", donation.Event{Amount: 900, Kind: donation.KindBalloon}, 1000, 0, false, 0},
		{"template beats threshold", donation.Event{Amount: 1000, Kind: donation.KindBalloon}, 100, 1, false, 1000},
		{"threshold disabled", donation.Event{Amount: 5000, Kind: donation.KindBalloon}, 0, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.ev, templates, tt.threshold)
			var gotID int64
			if got.Template != nil {
				gotID = got.Template.ID
			}
			if gotID != tt.wantID || got.Auto != tt.wantAuto || got.StarCount != tt.wantStars {
				t.Errorf("Match = {id:%d auto:%v stars:%d}, want {id:%d auto:%v stars:%d}",
					gotID, got.Auto, got.StarCount, tt.wantID, tt.wantAuto, tt.wantStars)
			}
			if got.Matched() != (tt.wantID != 0 || tt.wantAuto) {
				t.Errorf("Matched() = %v", got.Matched())
			}
		})
	}
}

func TestOutcomeName(t *testing.T) {
	if got := (Outcome{Auto: true}).Name(1500); got != "1500개 자동등록" {
		t.Errorf("auto name = %q", got)
	}
	tpl := Template{Name: "dance"}
	if got := (Outcome{Template: &tpl}).Name(1500); got != "dance" {
		t.Errorf("template name = %q", got)
	}
}

func TestCatalog_AddDefaultsAndOrder(t *testing.T) {
	c := fixedCatalog()
	a, err := c.Add(Template{Name: "a", StarCount: 100})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.Category != DefaultCategory || a.EventKind != donation.KindAll || !a.Active {
		t.Errorf("defaults not applied: %+v", a)
	}
	b, _ := c.Add(Template{StarCount: 500})
	d, _ := c.Add(Template{Name: "d", StarCount: 500})

	if b.Name != DefaultName {
		t.Errorf("default name = %q", b.Name)
	}
	if b.ID == a.ID || d.ID == b.ID {
		t.Error("ids must be unique under a frozen clock")
	}

	got := c.List()
	want := []int64{b.ID, d.ID, a.ID}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order = %v, want ids %v", got, want)
		}
	}
}

func TestCatalog_UpdateResorts(t *testing.T) {
	c := fixedCatalog()
	small, _ := c.Add(Template{Name: "small", StarCount: 100})
	c.Add(Template{Name: "large", StarCount: 500})

	stars := 900
	if _, err := c.Update(small.ID, Patch{StarCount: &stars}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if first := c.List()[0]; first.ID != small.ID {
		t.Errorf("first template = %q, want resorted small", first.Name)
	}

	bad := donation.Kind("nope")
	if _, err := c.Update(small.ID, Patch{EventKind: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Update bad kind err = %v", err)
	}
	if _, err := c.Update(42, Patch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing err = %v", err)
	}
}

func TestCatalog_ToggleDeleteThreshold(t *testing.T) {
	c := fixedCatalog()
	tpl, _ := c.Add(Template{Name: "x", StarCount: 100})

	toggled, err := c.Toggle(tpl.ID)
	if err != nil || toggled.Active {
		t.Fatalf("Toggle = %+v, %v", toggled, err)
	}
	if err := c.Delete(tpl.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(tpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
	if got := c.SetAutoThreshold(-5); got != 0 {
		t.Errorf("SetAutoThreshold(-5) = %d", got)
	}
	c.SetAutoThreshold(1000)
	if _, th := c.Snapshot(); th != 1000 {
		t.Errorf("threshold = %d", th)
	}
}

func TestCatalog_LoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	seed := `autoThreshold: 1000
templates:
  - name: dance
    starCount: 500
    eventType: balloon
    active: true
    collectMessage: true
  - name: paused
    starCount: 300
    active: false
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}
	c := fixedCatalog()
	n, err := c.LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if n != 2 || c.AutoThreshold() != 1000 {
		t.Errorf("LoadSeed = %d templates, threshold %d", n, c.AutoThreshold())
	}
	list := c.List()
	if list[0].Name != "dance" || !list[0].Active || !list[0].CollectMessage {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].Active {
		t.Error("paused template seeded active")
	}
}

func TestCatalog_Restore(t *testing.T) {
	c := fixedCatalog()
	c.Restore([]Template{{ID: 5, StarCount: 10}, {ID: 9, StarCount: 20}}, 300)
	if got := c.List(); got[0].ID != 9 || got[1].Category != DefaultCategory {
		t.Errorf("restored = %+v", got)
	}
	next, _ := c.Add(Template{StarCount: 1})
	if next.ID <= 9 {
		t.Errorf("new id %d does not follow restored ids", next.ID)
	}
}

