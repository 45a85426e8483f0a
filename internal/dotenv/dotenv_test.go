package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("VAI_CALL_LISTEN_ADDR", ":9000")
	path := writeEnv(t, `# call engine overrides
VAI_CALL_ENDPOINT_MODE=hybrid
VAI_CALL_GREETING="Goedemiddag, waarmee kan ik helpen?"
export VAI_CALL_LOG_FORMAT=json
VAI_CALL_LISTEN_ADDR=:8080
`)
	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := map[string]string{
		"VAI_CALL_ENDPOINT_MODE": "hybrid",
		"VAI_CALL_GREETING":      "Goedemiddag, waarmee kan ik helpen?",
		"VAI_CALL_LOG_FORMAT":    "json",
		"VAI_CALL_LISTEN_ADDR":   ":9000",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

func TestLoadFile_Errors(t *testing.T) {
	cases := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr bool
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), ".env") }, false},
		{"unterminated quote", func(t *testing.T) string { return writeEnv(t, "VAI_CALL_BROKEN=\"open\n") }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := LoadFile(tc.path(t))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
