package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// reset clears the global registry between tests.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	providers = make(map[string]providerEntry)
}

type nopProvider struct{ region string }

func (nopProvider) Name() string { return "nop" }
func (nopProvider) ListResources(context.Context, Scope) ([]ResourceDescriptor, error) {
	return nil, nil
}
func (nopProvider) GetResourceProperties(context.Context, string) (Properties, error) {
	return nil, nil
}
func (nopProvider) GetRoleAssignments(context.Context, Scope) ([]RoleAssignment, error) {
	return nil, nil
}

func dummyFactory(cfg *viper.Viper, _ *zap.Logger) (ResourceProvider, error) {
	return nopProvider{region: cfg.GetString("region")}, nil
}

func TestRegisterAndGet(t *testing.T) {
	reset()

	Register("testcloud", dummyFactory, "TEST_VAR required")

	factory, err := Get("testcloud")
	if err != nil {
		t.Fatalf("Get(\"testcloud\") returned error: %v", err)
	}
	if factory == nil {
		t.Error("factory should not be nil")
	}
}

func TestNewPassesConfig(t *testing.T) {
	reset()

	Register("testcloud", dummyFactory, "")

	cfg := viper.New()
	cfg.Set("region", "westeurope")

	p, err := New("testcloud", cfg, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if got := p.(nopProvider).region; got != "westeurope" {
		t.Errorf("region = %q, want %q", got, "westeurope")
	}

	if _, err := New("testcloud", nil, nil); err != nil {
		t.Errorf("New with nil config returned error: %v", err)
	}
}

func TestNewWrapsFactoryError(t *testing.T) {
	reset()

	boom := errors.New("no credentials")
	Register("broken", func(*viper.Viper, *zap.Logger) (ResourceProvider, error) {
		return nil, boom
	}, "")

	_, err := New("broken", nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("New error = %v, want wrapped %v", err, boom)
	}
}

func TestGetUnknownProvider(t *testing.T) {
	reset()

	_, err := Get("nonexistent")
	if err == nil {
		t.Fatal("Get(\"nonexistent\") should return an error")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	reset()

	Register("dup", dummyFactory, "")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Register duplicate should panic")
		}
	}()

	Register("dup", dummyFactory, "")
}

func TestList(t *testing.T) {
	reset()

	Register("zebra", dummyFactory, "")
	Register("alpha", dummyFactory, "")
	Register("middle", dummyFactory, "")

	names := List()
	if len(names) != 3 {
		t.Fatalf("List() returned %d names, want 3", len(names))
	}
	want := []string{"alpha", "middle", "zebra"}
	for i, name := range names {
		if name != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, name, want[i])
		}
	}
}

func TestEnvHelp(t *testing.T) {
	reset()

	Register("mycloud", dummyFactory, "MY_TOKEN required")

	if help := EnvHelp("mycloud"); help != "MY_TOKEN required" {
		t.Errorf("EnvHelp(\"mycloud\") = %q, want %q", help, "MY_TOKEN required")
	}
	if help := EnvHelp("unknown"); help != "" {
		t.Errorf("EnvHelp(\"unknown\") = %q, want empty string", help)
	}
}
