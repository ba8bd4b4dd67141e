package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/histo-embed/server/internal/config"
)

func TestNew_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, closer, err := New(config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("slide opened", "wsi_path", "a.svs")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}
	if entry["msg"] != "slide opened" || entry["wsi_path"] != "a.svs" {
		t.Fatalf("unexpected entry %v", entry)
	}
	ts, _ := entry["time"].(string)
	if !regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}`).MatchString(ts) {
		t.Fatalf("unexpected time format %q", ts)
	}
}

func TestNew_Invalid(t *testing.T) {
	cases := []config.LogConfig{
		{Level: "loud"},
		{Format: "xml"},
		{Output: "syslog"},
		{Output: "file"},
	}
	for _, c := range cases {
		if _, _, err := New(c); err == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}
