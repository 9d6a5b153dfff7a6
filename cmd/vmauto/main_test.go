package main

import (
	"testing"

	"github.com/cochaviz/vmauto/internal/native"
)

func TestDescribePowerState(t *testing.T) {
	testCases := []struct {
		state int64
		want  string
	}{
		{0, "unknown"},
		{native.PowerStatePoweredOff, "off"},
		{native.PowerStatePoweredOn | native.PowerStateToolsActive, "on,tools-active"},
		{native.PowerStatePaused, "paused"},
	}
	for _, tc := range testCases {
		if got := describePowerState(tc.state); got != tc.want {
			t.Fatalf("describePowerState(%#x) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestParseVariableClass(t *testing.T) {
	for value, want := range map[string]native.VariableClass{
		"guest":  native.GuestVariable,
		"env":    native.GuestEnvironmentVariable,
		"config": native.RuntimeConfigVariable,
	} {
		got, err := parseVariableClass(value)
		if err != nil || got != want {
			t.Fatalf("parseVariableClass(%q) = %v, %v", value, got, err)
		}
	}
	if _, err := parseVariableClass("registry"); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand(&app{})
	for _, path := range [][]string{
		{"power", "on"},
		{"power", "state"},
		{"snapshot", "tree"},
		{"snapshot", "remove"},
		{"guest", "cp-in"},
		{"guest", "wait-tools"},
		{"var", "set"},
		{"screenshot"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if cmd.Name() != path[len(path)-1] {
			t.Fatalf("find %v resolved to %q", path, cmd.Name())
		}
	}

	off, _, _ := root.Find([]string{"power", "off"})
	if off.Flags().Lookup("soft") == nil {
		t.Fatal("power off is missing --soft")
	}
	on, _, _ := root.Find([]string{"power", "on"})
	if on.Flags().Lookup("soft") != nil {
		t.Fatal("power on must not take --soft")
	}
	guest, _, _ := root.Find([]string{"guest"})
	if guest.PersistentFlags().Lookup("start") == nil {
		t.Fatal("guest is missing --start")
	}
}
