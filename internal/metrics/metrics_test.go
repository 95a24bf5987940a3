package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndTextfile(t *testing.T) {
	before := testutil.ToFloat64(Tokens.WithLabelValues("generate"))
	Tokens.WithLabelValues("generate").Add(3)
	if got := testutil.ToFloat64(Tokens.WithLabelValues("generate")); got != before+3 {
		t.Fatalf("tokens = %v, want %v", got, before+3)
	}
	CacheRestores.WithLabelValues("hit").Inc()

	path := filepath.Join(t.TempDir(), "picolm.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`picolm_tokens_total{phase="generate"}`, `picolm_kv_cache_restores_total{result="hit"}`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("textfile missing %s", want)
		}
	}
}
