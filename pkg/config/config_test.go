package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func newFlagSet() (*flag.FlagSet, *string, *string, *bool, *string) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	listen := fs.String("listen", ":8080", "")
	roles := fs.String("roles", "Provider", "")
	echo := fs.Bool("with-echo", false, "")
	meshKey := fs.String("mesh-key", "", "")
	return fs, listen, roles, echo, meshKey
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	body := `{"listen": ":9000", "roles": ["Registry", "Broker"], "with_echo": true, "unused": 1}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	fs, listen, roles, echo, _ := newFlagSet()
	if err := fs.Parse([]string{"-listen", ":7000"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	ApplyToFlagSet(fs, cfg)

	if *listen != ":7000" {
		t.Errorf("explicit flag overridden: listen = %q", *listen)
	}
	if *roles != "Registry,Broker" {
		t.Errorf("roles = %q, want Registry,Broker", *roles)
	}
	if !*echo {
		t.Error("with-echo not applied from with_echo key")
	}
}

func TestApplyEnvWinsOverFile(t *testing.T) {
	fs, _, _, _, meshKey := newFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	ApplyToFlagSet(fs, map[string]interface{}{"mesh-key": "from-file"})
	t.Setenv("DRP_MESH_KEY", "from-env")
	ApplyEnv(fs, "DRP")
	if *meshKey != "from-env" {
		t.Fatalf("mesh-key = %q, want from-env", *meshKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" ws://a:1 ,, ws://b:2,")
	if len(got) != 2 || got[0] != "ws://a:1" || got[1] != "ws://b:2" {
		t.Fatalf("SplitList = %q", got)
	}
	if SplitList("") != nil {
		t.Fatal("empty input should produce nil")
	}
}
