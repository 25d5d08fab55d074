package repository

import (
	"context"
	"errors"
	"testing"

	"mfa-auth-engine/internal/policy/domain"
)

func TestStatic_ListEnabledSkipsDisabled(t *testing.T) {
	off := false
	src := Static{
		{Name: "a", Action: "sync-window", Value: "5"},
		{Name: "b", Action: "sync-window", Value: "6", Enabled: &off},
	}
	got, err := src.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Errorf("ListEnabled = %+v", got)
	}
}

func TestOrWildcard(t *testing.T) {
	if orWildcard("") != domain.Wildcard || orWildcard("corp") != "corp" {
		t.Error("orWildcard")
	}
}

type failingSource struct{}

func (failingSource) ListEnabled(context.Context) ([]domain.Definition, error) {
	return nil, errors.New("connection refused")
}

func TestMulti_ConcatenatesInOrder(t *testing.T) {
	src := Multi{
		Static{{Name: "file", Action: "sync-window", Value: "5"}},
		Static{{Name: "table", Action: "max-fail-count", Value: "3"}},
	}
	got, err := src.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(got) != 2 || got[0].Name != "file" || got[1].Name != "table" {
		t.Errorf("ListEnabled = %+v", got)
	}
}

func TestMulti_SourceErrorFailsListing(t *testing.T) {
	src := Multi{Static{{Name: "file", Action: "sync-window", Value: "5"}}, failingSource{}}
	got, err := src.ListEnabled(context.Background())
	if err == nil || got != nil {
		t.Errorf("ListEnabled = %+v, %v; want error and no definitions", got, err)
	}
}
