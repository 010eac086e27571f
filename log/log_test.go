package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"trace", "DEBUG", "info", "warning", "error", "crit"} {
		if _, err := ParseLevel(name); err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(NewJSONHandlerWithLevel(&buf, LevelTrace)))

	DisableModule(CodeCacheMonitoring)
	Debug(CodeCacheMonitoring, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record emitted for disabled module: %s", buf.String())
	}

	EnableModules("ccache_mod, hot_mod")
	defer DisableModule(CodeCacheMonitoring)
	defer DisableModule(HotspotMonitoring)
	Debug(CodeCacheMonitoring, "evict", "n", 4)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("bad json %q: %v", buf.String(), err)
	}
	if rec["module"] != CodeCacheMonitoring || rec["msg"] != "evict" {
		t.Fatalf("unexpected record %v", rec)
	}
	if !strings.Contains(buf.String(), `"level":"DEBUG"`) {
		t.Fatalf("level not rendered by name: %s", buf.String())
	}

	buf.Reset()
	Warn(TranslatorMonitoring, "ungated")
	if !strings.Contains(buf.String(), "ungated") {
		t.Fatalf("warn should not be module gated")
	}
}
