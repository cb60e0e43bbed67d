package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine until the pool is closed
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func record(ref string, confidences ...float64) scan.Record {
	findings := make([]scan.Finding, 0, len(confidences))
	for i, c := range confidences {
		findings = append(findings, scan.NewFinding("Class "+string(rune('0'+i)), i, c))
	}
	return scan.Record{
		ImageReference: ref,
		Findings:       findings,
		SavedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func refs(records []scan.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ImageReference)
	}
	return out
}

// storeFactories lets the contract tests run against every backend
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"json": func(t *testing.T) Store {
			return NewJSONStore(filepath.Join(t.TempDir(), "image_data.json"))
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"), true)
			require.NoError(t, err)
			return s
		},
		"serial-json": func(t *testing.T) Store {
			return NewSerial(NewJSONStore(filepath.Join(t.TempDir(), "image_data.json")))
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			t.Run("empty store reads empty", func(t *testing.T) {
				s := open(t)
				defer func() { require.NoError(t, s.Close()) }()

				got := s.ReadAll(ctx)
				assert.NotNil(t, got)
				assert.Empty(t, got)
			})

			t.Run("append then read returns newest first", func(t *testing.T) {
				s := open(t)
				defer func() { require.NoError(t, s.Close()) }()

				require.NoError(t, s.Append(ctx, record("http://x/processed_images/a.jpg", 0.9)))
				require.NoError(t, s.Append(ctx, record("http://x/processed_images/b.jpg")))
				require.NoError(t, s.Append(ctx, record("http://x/processed_images/c.jpg", 0.5, 0.25)))

				got := s.ReadAll(ctx)
				require.Len(t, got, 3)
				assert.Equal(t, []string{
					"http://x/processed_images/c.jpg",
					"http://x/processed_images/b.jpg",
					"http://x/processed_images/a.jpg",
				}, refs(got))

				assert.Equal(t, record("http://x/processed_images/c.jpg", 0.5, 0.25).Findings, got[0].Findings)
				assert.NotNil(t, got[1].Findings)
				assert.Empty(t, got[1].Findings)
				assert.True(t, got[0].SavedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
			})

			t.Run("nil findings stored as empty", func(t *testing.T) {
				s := open(t)
				defer func() { require.NoError(t, s.Close()) }()

				require.NoError(t, s.Append(ctx, scan.Record{ImageReference: "r"}))
				got := s.ReadAll(ctx)
				require.Len(t, got, 1)
				assert.NotNil(t, got[0].Findings)
			})

			t.Run("duplicates are allowed", func(t *testing.T) {
				s := open(t)
				defer func() { require.NoError(t, s.Close()) }()

				rec := record("same", 0.7)
				require.NoError(t, s.Append(ctx, rec))
				require.NoError(t, s.Append(ctx, rec))
				assert.Len(t, s.ReadAll(ctx), 2)
			})
		})
	}
}

func TestJSONDocumentFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_data.json")
	s := NewJSONStore(path)

	require.NoError(t, s.Append(t.Context(), record("ref", 0.873421)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), "[\n  {\n    \"imageReference\": \"ref\",")
	assert.Contains(t, string(data), `"percentage": "87.34%"`)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.Contains(t, raw[0], "findings")
	assert.Contains(t, raw[0], "savedAt")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestJSONReadsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_data.json")
	legacy := `[
		{"imageUrl":"http://localhost:3000/processed_images/old.jpg","anomalies":[
			{"anomalyName":"Class 3","percentage":"87.34%"},
			{"anomalyName":"Class 1","percentage":"41.00%"}
		]},
		{"imageUrl":"http://localhost:3000/processed_images/clean.jpg","anomalies":[]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	got := NewJSONStore(path).ReadAll(t.Context())

	require.Len(t, got, 2)
	assert.Equal(t, "http://localhost:3000/processed_images/old.jpg", got[0].ImageReference)
	require.Len(t, got[0].Findings, 2)

	first := got[0].Findings[0]
	assert.Equal(t, "Class 3", first.Label)
	assert.Equal(t, 3, first.ClassID)
	assert.Equal(t, "87.34%", first.Percentage)
	assert.InDelta(t, 0.8734, first.Confidence, 1e-9)
	assert.Equal(t, "Class 1", got[0].Findings[1].Label)

	assert.NotNil(t, got[1].Findings)
	assert.Empty(t, got[1].Findings)
}

func TestJSONSoftFailRead(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"corrupt":   "[{not json",
		"not array": `{"imageReference":"x"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			got := NewJSONStore(path).ReadAll(t.Context())
			assert.NotNil(t, got)
			assert.Empty(t, got)
		})
	}

	t.Run("blank and null documents are empty history", func(t *testing.T) {
		for i, content := range []string{"", "  \n", "null"} {
			path := filepath.Join(dir, "blank"+string(rune('a'+i))+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			s := NewJSONStore(path)
			assert.Empty(t, s.ReadAll(t.Context()))
			require.NoError(t, s.Append(t.Context(), record("first")))
			assert.Equal(t, []string{"first"}, refs(s.ReadAll(t.Context())))
		}
	})

	t.Run("unreadable path", func(t *testing.T) {
		got := NewJSONStore(dir).ReadAll(t.Context())
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestJSONAppendOntoCorruptDocumentFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_data.json")
	require.NoError(t, os.WriteFile(path, []byte("[{broken"), 0o600))

	err := NewJSONStore(path).Append(t.Context(), record("new"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))

	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, errors.PriorityHigh, ee.GetPriority())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[{broken", string(data), "corrupt document must not be overwritten")
}

func TestJSONAppendCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "image_data.json")
	s := NewJSONStore(path)

	require.NoError(t, s.Append(t.Context(), record("a")))
	assert.FileExists(t, path)
}

func TestJSONAppendHonoursCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_data.json")
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := NewJSONStore(path).Append(ctx, record("a"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
	assert.NoFileExists(t, path)
}

func TestJSONUnsynchronisedWritersLoseRecords(t *testing.T) {
	// Two writers that both start from the same snapshot: the second write
	// replaces the first. Serial exists to prevent this.
	path := filepath.Join(t.TempDir(), "image_data.json")
	s := NewJSONStore(path)
	require.NoError(t, s.Append(t.Context(), record("base")))

	snapshot, err := s.load()
	require.NoError(t, err)

	require.NoError(t, s.write(append([]scan.Record{record("writer-a")}, snapshot...)))
	require.NoError(t, s.write(append([]scan.Record{record("writer-b")}, snapshot...)))

	assert.Equal(t, []string{"writer-b", "base"}, refs(s.ReadAll(t.Context())))
}

func TestSerialConcurrentAppendsAreNotLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image_data.json")
	s := NewSerial(NewJSONStore(path))
	defer func() { require.NoError(t, s.Close()) }()

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			assert.NoError(t, s.Append(t.Context(), record("r"+string(rune('a'+i)))))
		})
	}
	wg.Wait()

	assert.Len(t, s.ReadAll(t.Context()), writers)
}

func TestSerialAfterClose(t *testing.T) {
	s := NewSerial(NewJSONStore(filepath.Join(t.TempDir(), "h.json")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	err := s.Append(t.Context(), record("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
}

func TestSerialCancelledContext(t *testing.T) {
	s := NewSerial(NewJSONStore(filepath.Join(t.TempDir(), "h.json")))
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := s.Append(ctx, record("x"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLConfig{
		Host:     "db.local",
		Port:     "3307",
		Username: "scan",
		Password: "p@ss:word",
		Database: "xrayscan",
	}.DSN()

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "scan", parsed.User)
	assert.Equal(t, "p@ss:word", parsed.Passwd)
	assert.Equal(t, "db.local:3307", parsed.Addr)
	assert.Equal(t, "xrayscan", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestNewFromSettings(t *testing.T) {
	settings, err := conf.Defaults()
	require.NoError(t, err)

	t.Run("json serialized", func(t *testing.T) {
		s := *settings
		s.History.Backend = conf.HistoryBackendJSON
		s.History.Path = filepath.Join(t.TempDir(), "image_data.json")
		s.History.Serialize = true

		store, err := New(&s)
		require.NoError(t, err)
		defer func() { require.NoError(t, store.Close()) }()
		assert.IsType(t, &Serial{}, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		s := *settings
		s.History.Backend = conf.HistoryBackendSQLite
		s.History.SQLite.Path = filepath.Join(t.TempDir(), "db", "xrayscan.db")
		s.History.Serialize = false

		store, err := New(&s)
		require.NoError(t, err)
		defer func() { require.NoError(t, store.Close()) }()
		assert.IsType(t, &GormStore{}, store)
		assert.FileExists(t, s.History.SQLite.Path)
	})

	t.Run("unknown backend", func(t *testing.T) {
		s := *settings
		s.History.Backend = "csv"

		_, err := New(&s)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	})
}
