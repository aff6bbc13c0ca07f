package connmgr

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
)

func TestUpdateSettingsRemovingActiveClearsSelection(t *testing.T) {
	m, store, tunnel := newTestManager(t, catalog(""))
	ctx := context.Background()

	if err := m.SelectEnvironment(ctx, "env1"); err != nil {
		t.Fatal(err)
	}

	next := environment.Settings{Environments: []environment.Environment{env2, env3}}
	if err := m.UpdateSettings(ctx, next); err != nil {
		t.Fatalf("UpdateSettings() error: %v", err)
	}

	if got := tunnel.getCalls(); !reflect.DeepEqual(got, []string{"open:root@h1", "close:root@h1"}) {
		t.Errorf("calls = %v", got)
	}
	if _, ok := m.ActiveEnvironment(); ok {
		t.Error("selection should be cleared")
	}
	stored := store.get()
	if stored.ActiveEnvironmentID != "" || len(stored.Environments) != 2 {
		t.Errorf("stored = %+v", stored)
	}
	if st := m.State(); st.Status != StatusDisconnected || st.EnvironmentID != "" {
		t.Errorf("state = %+v", st)
	}
}

func TestUpdateSettingsHostChangeRebuildsTunnel(t *testing.T) {
	m, _, tunnel := newTestManager(t, catalog(""))
	ctx := context.Background()

	if err := m.SelectEnvironment(ctx, "env1"); err != nil {
		t.Fatal(err)
	}

	edited := env1
	edited.HostAddress = "h1-new:2222"
	next := environment.Settings{Environments: []environment.Environment{edited, env2}}
	if err := m.UpdateSettings(ctx, next); err != nil {
		t.Fatal(err)
	}

	want := []string{"open:root@h1", "close:root@h1", "open:root@h1-new:2222"}
	if got := tunnel.getCalls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if !m.IsConnected() || !m.IsActiveHost(edited.Host()) {
		t.Error("tunnel should be up against the edited host")
	}
}

func TestUpdateSettingsKeepsSelectionAndTunnel(t *testing.T) {
	m, _, tunnel := newTestManager(t, catalog(""))
	ctx := context.Background()

	if err := m.SelectEnvironment(ctx, "env1"); err != nil {
		t.Fatal(err)
	}

	renamed := env1
	renamed.Name = "Renamed"
	next := environment.Settings{
		Environments:        []environment.Environment{renamed, env2},
		ActiveEnvironmentID: "env2", // ignored: selection changes go through SelectEnvironment
		AutoConnect:         true,
	}
	if err := m.UpdateSettings(ctx, next); err != nil {
		t.Fatal(err)
	}

	if got := tunnel.count(""); got != 1 {
		t.Errorf("rename caused tunnel calls: %v", tunnel.getCalls())
	}
	s := m.Settings()
	if s.ActiveEnvironmentID != "env1" || !s.AutoConnect || s.Environments[0].Name != "Renamed" {
		t.Errorf("settings = %+v", s)
	}
}

func TestUpdateSettingsInvalid(t *testing.T) {
	m, store, _ := newTestManager(t, catalog(""))

	bad := environment.Settings{Environments: []environment.Environment{{ID: "x", HostAddress: "bad host", Principal: "u"}}}
	if err := m.UpdateSettings(context.Background(), bad); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("UpdateSettings(invalid) = %v, want ErrInvalidSettings", err)
	}
	if store.saves != 0 {
		t.Error("invalid settings were saved")
	}
}

func TestUpdateSettingsSaveFailure(t *testing.T) {
	m, store, _ := newTestManager(t, catalog(""))
	store.setSaveErr(errors.New("read-only"))

	err := m.UpdateSettings(context.Background(), environment.Settings{})
	if !errors.Is(err, ErrSettingsPersistence) {
		t.Errorf("UpdateSettings() = %v, want ErrSettingsPersistence", err)
	}
	if len(m.Settings().Environments) != 3 {
		t.Error("cache changed after failed save")
	}
}

func TestAddEnvironment(t *testing.T) {
	m, store, _ := newTestManager(t, catalog(""))
	ctx := context.Background()

	added, err := m.AddEnvironment(ctx, environment.Environment{HostAddress: "new.example.com", Principal: "deploy"})
	if err != nil {
		t.Fatalf("AddEnvironment() error: %v", err)
	}
	if added.ID == "" || added.Name != "new.example.com" {
		t.Errorf("added = %+v", added)
	}
	if _, ok := store.get().Find(added.ID); !ok {
		t.Error("new environment not persisted")
	}

	if _, err := m.AddEnvironment(ctx, environment.Environment{ID: "env1", HostAddress: "x", Principal: "u"}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("duplicate id = %v, want ErrInvalidSettings", err)
	}
	if _, err := m.AddEnvironment(ctx, environment.Environment{HostAddress: "x", Principal: "$(id)"}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("bad username = %v, want ErrInvalidSettings", err)
	}
}

func TestSetAutoConnect(t *testing.T) {
	m, store, _ := newTestManager(t, catalog(""))
	if err := m.SetAutoConnect(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !store.get().AutoConnect || !m.Settings().AutoConnect {
		t.Error("autoConnect not saved")
	}
}
