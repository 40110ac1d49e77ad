package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"anembot/internal/config"
	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.json")
	s := NewFileStore(path, logx.Nop())
	ctx := context.Background()

	m := member.New("NIN1", "W1", "CCP1", "0550")
	m.SetStatus(member.StatusBooked, "appointment booked for 2025-12-25")
	m.MarkBooked("RDV1", "2025-12-25")
	m.IsProcessing = true // must not survive the round trip

	if err := s.Save(ctx, []*member.Member{m}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	g := got[0]
	if g.NIN != "NIN1" || g.Status != member.StatusBooked || g.RdvSource != member.RdvSourceSystem {
		t.Fatalf("loaded = %+v", g)
	}
	if g.IsProcessing {
		t.Fatal("is_processing must reset on load")
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none.json"), logx.Nop())
	got, err := s.Load(context.Background())
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestFileStoreKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.json")
	s := NewFileStore(path, logx.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, []*member.Member{member.New("A", "", "", "")}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.Save(ctx, []*member.Member{member.New("B", "", "", "")}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
}

func TestFileStoreInfersDiscoveredSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.json")
	raw := `{"version":1,"members":[{"nin":"N","wassit_number":"W","ccp":"C","status":"verified","rdv_date":"2025-12-25"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileStore(path, logx.Nop()).Load(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v %v", got, err)
	}
	if got[0].RdvSource != member.RdvSourceDiscovered {
		t.Fatalf("rdv_source = %q, want discovered", got[0].RdvSource)
	}
}

func TestOpenDispatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "m.json")}, logx.Nop())
	if err != nil || s == nil {
		t.Fatalf("file driver: %v", err)
	}
	s.Close()

	if _, err := Open(config.StorageConfig{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("want error for unknown driver")
	}
}
